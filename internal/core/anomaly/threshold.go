package anomaly

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/frostdev-ops/trustgate/internal/database/models"
	apperrors "github.com/frostdev-ops/trustgate/pkg/errors"
)

// Operator compares an observed value against a threshold
type Operator string

const (
	OpGreaterThan    Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpLessThan       Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpEqual          Operator = "=="
	OpNotEqual       Operator = "!="
)

var operatorAliases = map[string]Operator{
	">": OpGreaterThan, "gt": OpGreaterThan,
	">=": OpGreaterOrEqual, "gte": OpGreaterOrEqual,
	"<": OpLessThan, "lt": OpLessThan,
	"<=": OpLessOrEqual, "lte": OpLessOrEqual,
	"==": OpEqual, "=": OpEqual, "eq": OpEqual,
	"!=": OpNotEqual, "ne": OpNotEqual, "neq": OpNotEqual,
}

// ParseOperator accepts the symbol or its short name (gt, gte, ...).
func ParseOperator(s string) (Operator, error) {
	op, ok := operatorAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown operator %q", s)
	}
	return op, nil
}

// Breached reports whether observed satisfies the operator against threshold.
func (op Operator) Breached(observed, threshold float64) bool {
	if math.IsNaN(observed) {
		return false
	}
	switch op {
	case OpGreaterThan:
		return observed > threshold
	case OpGreaterOrEqual:
		return observed >= threshold
	case OpLessThan:
		return observed < threshold
	case OpLessOrEqual:
		return observed <= threshold
	case OpEqual:
		return observed == threshold
	case OpNotEqual:
		return observed != threshold
	default:
		return false
	}
}

// Level is the severity of an anomaly result
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// ParseLevel accepts info, warning or critical in any case.
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelInfo:
		return LevelInfo, nil
	case LevelWarning:
		return LevelWarning, nil
	case LevelCritical:
		return LevelCritical, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

var metricNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_.]{0,63}$`)

// ValidateThreshold normalizes and checks a threshold before it is stored.
// Operator and severity are rewritten to their canonical forms. known, when
// non-nil, restricts metric names to registered sources.
func ValidateThreshold(t *models.AnomalyThreshold, known func(string) bool) error {
	var errs []string

	t.MetricName = strings.TrimSpace(t.MetricName)
	if !metricNamePattern.MatchString(t.MetricName) {
		errs = append(errs, fmt.Sprintf("invalid metric name %q", t.MetricName))
	} else if known != nil && !known(t.MetricName) {
		errs = append(errs, fmt.Sprintf("no source for metric %q", t.MetricName))
	}

	if op, err := ParseOperator(t.Operator); err != nil {
		errs = append(errs, err.Error())
	} else {
		t.Operator = string(op)
	}

	if math.IsNaN(t.ThresholdValue) || math.IsInf(t.ThresholdValue, 0) {
		errs = append(errs, "threshold_value must be a finite number")
	}

	if t.Severity == "" {
		t.Severity = string(LevelWarning)
	}
	if level, err := ParseLevel(t.Severity); err != nil {
		errs = append(errs, err.Error())
	} else {
		t.Severity = string(level)
	}

	if len(errs) > 0 {
		return &ValidationError{Problems: errs}
	}
	return nil
}

// ValidationError lists every problem with a rejected threshold
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid anomaly threshold: " + strings.Join(e.Problems, "; ")
}

// Unwrap lets the API layer answer 400 without knowing this type.
func (e *ValidationError) Unwrap() error { return apperrors.ErrBadRequest }

// EvaluateThreshold returns a result iff observed breaches t. Thresholds are
// validated at write time, so an unparseable operator simply never fires.
func EvaluateThreshold(t *models.AnomalyThreshold, observed float64) (*Result, bool) {
	op, err := ParseOperator(t.Operator)
	if err != nil || !op.Breached(observed, t.ThresholdValue) {
		return nil, false
	}

	level, err := ParseLevel(t.Severity)
	if err != nil {
		level = LevelWarning
	}

	id := t.ID
	value := t.ThresholdValue
	return &Result{
		MetricName:     t.MetricName,
		ObservedValue:  observed,
		Level:          level,
		Basis:          BasisThreshold,
		ThresholdID:    &id,
		Operator:       op,
		ThresholdValue: &value,
		Message:        fmt.Sprintf("%s %g %s %g", t.MetricName, observed, op, t.ThresholdValue),
	}, true
}
