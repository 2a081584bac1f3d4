package anomaly

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/frostdev-ops/trustgate/internal/database/models"
	"github.com/frostdev-ops/trustgate/internal/database/repositories"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Recorder receives run statistics. The metrics collector implements it.
type Recorder interface {
	AnomalyResult(metric string, level string, basis string)
	AnomalyFailure(metric string)
	AnomalyRun(duration time.Duration)
}

// MetricFailure records one metric that could not be evaluated.
type MetricFailure struct {
	Metric string `json:"metric"`
	Error  string `json:"error"`
}

// RunReport summarises one evaluation sweep.
type RunReport struct {
	StartedAt  time.Time       `json:"started_at"`
	Duration   time.Duration   `json:"duration"`
	Evaluated  int             `json:"evaluated"`
	Results    []*Result       `json:"results"`
	Failures   []MetricFailure `json:"failures"`
	Incomplete bool            `json:"incomplete"`
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// MetricTimeout bounds the collection and evaluation of each metric.
	MetricTimeout time.Duration
	// Trend returns the current trend policy; it is read once per run.
	Trend func() TrendPolicy
}

// Service evaluates thresholds and trends over the registered metrics. It
// only reads trust state; its writes are samples and alerts.
type Service struct {
	thresholds repositories.AnomalyThresholdRepository
	samples    repositories.MetricSampleRepository
	alerts     repositories.AnomalyAlertRepository
	registry   *Registry
	sinks      []Sink
	recorder   Recorder
	cfg        ServiceConfig
	logger     *logrus.Logger
	now        func() time.Time
	newID      func() string
}

func NewService(
	thresholds repositories.AnomalyThresholdRepository,
	samples repositories.MetricSampleRepository,
	alerts repositories.AnomalyAlertRepository,
	registry *Registry,
	cfg ServiceConfig,
	logger *logrus.Logger,
) *Service {
	if cfg.MetricTimeout <= 0 {
		cfg.MetricTimeout = 5 * time.Second
	}
	if cfg.Trend == nil {
		cfg.Trend = DefaultTrendPolicy
	}
	return &Service{
		thresholds: thresholds,
		samples:    samples,
		alerts:     alerts,
		registry:   registry,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
}

// AddSink registers a result sink.
func (s *Service) AddSink(sink Sink) {
	s.sinks = append(s.sinks, sink)
}

// SetRecorder attaches run statistics reporting.
func (s *Service) SetRecorder(r Recorder) {
	s.recorder = r
}

func (s *Service) Registry() *Registry {
	return s.registry
}

// Run performs one sweep. A metric that fails is recorded in the report and
// the sweep continues. Cancellation stops the sweep between metrics and
// marks the report incomplete.
func (s *Service) Run(ctx context.Context) (*RunReport, error) {
	report := &RunReport{StartedAt: s.now()}
	defer func() {
		report.Duration = s.now().Sub(report.StartedAt)
		if s.recorder != nil {
			s.recorder.AnomalyRun(report.Duration)
		}
	}()

	thresholds, err := s.thresholds.List(ctx, true)
	if err != nil {
		return report, fmt.Errorf("failed to load anomaly thresholds: %w", err)
	}

	byMetric := make(map[string][]*models.AnomalyThreshold)
	for _, t := range thresholds {
		byMetric[t.MetricName] = append(byMetric[t.MetricName], t)
	}

	policy := s.cfg.Trend()
	metrics := s.metricsToEvaluate(byMetric, policy)

	for _, metric := range metrics {
		if err := ctx.Err(); err != nil {
			report.Incomplete = true
			s.logger.WithError(err).Warn("Anomaly run cancelled")
			break
		}

		// threshold results found before a later failure are still delivered
		results, err := s.evaluateMetric(ctx, metric, byMetric[metric], policy)
		for _, r := range results {
			s.emit(ctx, r)
			report.Results = append(report.Results, r)
		}

		if err != nil {
			report.Failures = append(report.Failures, MetricFailure{Metric: metric, Error: err.Error()})
			if s.recorder != nil {
				s.recorder.AnomalyFailure(metric)
			}
			s.logger.WithError(err).WithField("metric", metric).Warn("Anomaly evaluation failed")
			continue
		}
		report.Evaluated++
	}

	s.logger.WithFields(logrus.Fields{
		"evaluated": report.Evaluated,
		"results":   len(report.Results),
		"failures":  len(report.Failures),
	}).Debug("Anomaly run completed")

	return report, nil
}

func (s *Service) metricsToEvaluate(byMetric map[string][]*models.AnomalyThreshold, policy TrendPolicy) []string {
	set := make(map[string]bool)
	for metric := range byMetric {
		set[metric] = true
	}
	if policy.Enabled {
		for _, metric := range policy.Metrics {
			if s.registry.Has(metric) {
				set[metric] = true
			}
		}
	}

	metrics := make([]string, 0, len(set))
	for metric := range set {
		metrics = append(metrics, metric)
	}
	sort.Strings(metrics)
	return metrics
}

// evaluateMetric collects one metric and checks it against its thresholds
// and, when tracked, its trend. Panics in a source are turned into errors.
func (s *Service) evaluateMetric(ctx context.Context, metric string, thresholds []*models.AnomalyThreshold, policy TrendPolicy) (results []*Result, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.MetricTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			results = nil
			err = fmt.Errorf("metric source panicked: %v", r)
		}
	}()

	observed, err := s.registry.Collect(ctx, metric)
	if err != nil {
		return nil, err
	}

	now := s.now()
	for _, t := range thresholds {
		if r, ok := EvaluateThreshold(t, observed); ok {
			results = append(results, s.stamp(r, now))
		}
	}

	if policy.Tracks(metric) {
		history, err := s.samples.Recent(ctx, metric, policy.WindowSize)
		if err != nil {
			return results, fmt.Errorf("failed to load metric history: %w", err)
		}
		if r, ok := EvaluateTrend(metric, observed, history, policy); ok {
			results = append(results, s.stamp(r, now))
		}
		if err := s.samples.Append(ctx, metric, observed, now.UnixMilli()); err != nil {
			return results, fmt.Errorf("failed to record metric sample: %w", err)
		}
	}

	return results, nil
}

func (s *Service) stamp(r *Result, at time.Time) *Result {
	r.ID = s.newID()
	r.TriggeredAt = at
	return r
}

func (s *Service) emit(ctx context.Context, r *Result) {
	if s.recorder != nil {
		s.recorder.AnomalyResult(r.MetricName, string(r.Level), string(r.Basis))
	}
	for _, sink := range s.sinks {
		if err := sink.Emit(ctx, r); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"sink":   sink.Name(),
				"metric": r.MetricName,
			}).Warn("Failed to deliver anomaly result")
		}
	}
}

// Prune drops samples and alerts older than retention.
func (s *Service) Prune(ctx context.Context, retention time.Duration) error {
	cutoff := s.now().Add(-retention).UnixMilli()

	samples, err := s.samples.DeleteBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune metric samples: %w", err)
	}
	alerts, err := s.alerts.DeleteBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune anomaly alerts: %w", err)
	}

	if samples > 0 || alerts > 0 {
		s.logger.WithFields(logrus.Fields{
			"samples": samples,
			"alerts":  alerts,
		}).Info("Pruned anomaly history")
	}
	return nil
}

// Thresholds returns stored thresholds.
func (s *Service) Thresholds(ctx context.Context, enabledOnly bool) ([]*models.AnomalyThreshold, error) {
	return s.thresholds.List(ctx, enabledOnly)
}

func (s *Service) Threshold(ctx context.Context, id int64) (*models.AnomalyThreshold, error) {
	return s.thresholds.Get(ctx, id)
}

// CreateThreshold validates t and stores it.
func (s *Service) CreateThreshold(ctx context.Context, t *models.AnomalyThreshold) error {
	if err := ValidateThreshold(t, s.registry.Has); err != nil {
		return err
	}
	return s.thresholds.Create(ctx, t)
}

// UpdateThreshold validates t and replaces the stored row.
func (s *Service) UpdateThreshold(ctx context.Context, t *models.AnomalyThreshold) error {
	if err := ValidateThreshold(t, s.registry.Has); err != nil {
		return err
	}
	return s.thresholds.Update(ctx, t)
}

func (s *Service) DeleteThreshold(ctx context.Context, id int64) error {
	return s.thresholds.Delete(ctx, id)
}

// Alerts lists stored results, newest first.
func (s *Service) Alerts(ctx context.Context, filter models.AlertFilter) ([]*Result, error) {
	alerts, err := s.alerts.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*Result, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, FromModel(a))
	}
	return out, nil
}

// Summary counts stored results per metric and level since sinceMs.
func (s *Service) Summary(ctx context.Context, since time.Time) ([]*models.AlertSummary, error) {
	return s.alerts.Summary(ctx, since.UnixMilli())
}

// IsValidationError reports whether err rejected a threshold write.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
