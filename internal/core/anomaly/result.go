package anomaly

import (
	"database/sql"
	"time"

	"github.com/frostdev-ops/trustgate/internal/database/models"
)

// Basis says which detection mode produced a result
type Basis string

const (
	BasisThreshold Basis = "threshold"
	BasisTrend     Basis = "trend"
)

// Result is one anomaly check result. Only breaches produce a Result.
type Result struct {
	ID             string    `json:"id"`
	MetricName     string    `json:"metric_name"`
	ObservedValue  float64   `json:"observed_value"`
	Level          Level     `json:"level"`
	Basis          Basis     `json:"basis"`
	ThresholdID    *int64    `json:"threshold_id,omitempty"`
	Operator       Operator  `json:"operator,omitempty"`
	ThresholdValue *float64  `json:"threshold_value,omitempty"`
	Baseline       *Baseline `json:"baseline,omitempty"`
	ZScore         *float64  `json:"z_score,omitempty"`
	PercentChange  *float64  `json:"percent_change,omitempty"`
	Message        string    `json:"message"`
	TriggeredAt    time.Time `json:"triggered_at"`
}

// Model converts the result to its stored form.
func (r *Result) Model() *models.AnomalyAlert {
	alert := &models.AnomalyAlert{
		ID:            r.ID,
		MetricName:    r.MetricName,
		ObservedValue: r.ObservedValue,
		Level:         string(r.Level),
		Basis:         string(r.Basis),
		Operator:      string(r.Operator),
		TriggeredAtMs: r.TriggeredAt.UnixMilli(),
	}
	if r.ThresholdID != nil {
		alert.ThresholdID = sql.NullInt64{Int64: *r.ThresholdID, Valid: true}
	}
	if r.ThresholdValue != nil {
		alert.ThresholdValue = sql.NullFloat64{Float64: *r.ThresholdValue, Valid: true}
	}
	if r.Baseline != nil {
		alert.BaselineMean = sql.NullFloat64{Float64: r.Baseline.Mean, Valid: true}
		alert.BaselineStdDev = sql.NullFloat64{Float64: r.Baseline.StdDev, Valid: true}
	}
	if r.ZScore != nil {
		alert.Deviation = sql.NullFloat64{Float64: *r.ZScore, Valid: true}
	}
	if r.PercentChange != nil {
		alert.PercentChange = sql.NullFloat64{Float64: *r.PercentChange, Valid: true}
	}
	return alert
}

// FromModel rebuilds a result from a stored alert.
func FromModel(a *models.AnomalyAlert) *Result {
	r := &Result{
		ID:            a.ID,
		MetricName:    a.MetricName,
		ObservedValue: a.ObservedValue,
		Level:         Level(a.Level),
		Basis:         Basis(a.Basis),
		Operator:      Operator(a.Operator),
		TriggeredAt:   models.FromMillis(a.TriggeredAtMs),
	}
	if a.ThresholdID.Valid {
		id := a.ThresholdID.Int64
		r.ThresholdID = &id
	}
	if a.ThresholdValue.Valid {
		v := a.ThresholdValue.Float64
		r.ThresholdValue = &v
	}
	if a.BaselineMean.Valid {
		r.Baseline = &Baseline{Mean: a.BaselineMean.Float64, StdDev: a.BaselineStdDev.Float64}
	}
	if a.Deviation.Valid {
		z := a.Deviation.Float64
		r.ZScore = &z
	}
	if a.PercentChange.Valid {
		pct := a.PercentChange.Float64
		r.PercentChange = &pct
	}
	return r
}
