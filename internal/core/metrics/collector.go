package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/frostdev-ops/trustgate/internal/core/throttle"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig contains configuration for metrics collection
type MetricsConfig struct {
	Enabled bool
	Prefix  string
}

// Admission outcomes
const (
	DecisionAllowed     = "allowed"
	DecisionBlocked     = "blocked"
	DecisionRateLimited = "rate_limited"
	DecisionFailOpen    = "fail_open"
	DecisionFailClosed  = "fail_closed"
)

// Collector owns every trust engine metric. All methods are safe on a nil
// *Collector so that metrics can be disabled without nil checks at call sites.
type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	admissionDecisions *prometheus.CounterVec

	detectorRuns     prometheus.Counter
	detectorBots     prometheus.Counter
	detectorScores   prometheus.Histogram
	detectorDuration prometheus.Histogram
	analysisDropped  prometheus.Counter
	analysisQueue    prometheus.Gauge

	levelTransitions *prometheus.CounterVec

	anomalyResults  *prometheus.CounterVec
	anomalyFailures *prometheus.CounterVec
	anomalyRuns     prometheus.Histogram

	jobRuns     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec

	websocketConnections prometheus.Gauge
}

// NewCollector registers the metrics on a private registry, plus the Go
// runtime and process collectors.
func NewCollector(config *MetricsConfig) *Collector {
	if config == nil {
		config = &MetricsConfig{Enabled: true, Prefix: "trustgate"}
	}
	prefix := config.Prefix

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),

		admissionDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_admission_decisions_total",
			Help: "Admission decisions by outcome and effective throttle level",
		}, []string{"decision", "level"}),

		detectorRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_detector_runs_total",
			Help: "Behavioral analyses performed",
		}),
		detectorBots: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_detector_bot_verdicts_total",
			Help: "Behavioral analyses that classified the session as a bot",
		}),
		detectorScores: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "_detector_score",
			Help:    "Distribution of behavioral scores",
			Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 80, 100, 135},
		}),
		detectorDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "_detector_duration_seconds",
			Help:    "Time to load, score and persist one session analysis",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),
		analysisDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_analysis_dropped_total",
			Help: "Analysis requests dropped because the queue was full",
		}),
		analysisQueue: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_analysis_queue_depth",
			Help: "Sessions waiting for analysis",
		}),

		levelTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_throttle_level_transitions_total",
			Help: "Persisted throttle level changes",
		}, []string{"scope", "from", "to"}),

		anomalyResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_anomaly_results_total",
			Help: "Anomaly check results by metric, level and basis",
		}, []string{"metric", "level", "basis"}),
		anomalyFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_anomaly_evaluation_failures_total",
			Help: "Metrics that could not be evaluated",
		}, []string{"metric"}),
		anomalyRuns: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "_anomaly_run_duration_seconds",
			Help:    "Duration of anomaly detection sweeps",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),

		jobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_scheduled_job_runs_total",
			Help: "Scheduled job executions",
		}, []string{"job", "status"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_scheduled_job_duration_seconds",
			Help:    "Scheduled job duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),

		websocketConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_websocket_connections",
			Help: "Number of active WebSocket connections",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (c *Collector) RecordAdmission(decision string, level throttle.Level) {
	if c == nil {
		return
	}
	c.admissionDecisions.WithLabelValues(decision, level.String()).Inc()
}

func (c *Collector) RecordDetection(score int, isBot bool, duration time.Duration) {
	if c == nil {
		return
	}
	c.detectorRuns.Inc()
	if isBot {
		c.detectorBots.Inc()
	}
	c.detectorScores.Observe(float64(score))
	c.detectorDuration.Observe(duration.Seconds())
}

func (c *Collector) RecordAnalysisDropped() {
	if c == nil {
		return
	}
	c.analysisDropped.Inc()
}

func (c *Collector) SetAnalysisQueueDepth(depth int) {
	if c == nil {
		return
	}
	c.analysisQueue.Set(float64(depth))
}

// LevelChanged implements throttle.Observer.
func (c *Collector) LevelChanged(change throttle.LevelChange) {
	if c == nil {
		return
	}
	c.levelTransitions.WithLabelValues(string(change.Scope), change.From.String(), change.To.String()).Inc()
}

// AnomalyResult, AnomalyFailure and AnomalyRun implement anomaly.Recorder.
func (c *Collector) AnomalyResult(metric, level, basis string) {
	if c == nil {
		return
	}
	c.anomalyResults.WithLabelValues(metric, level, basis).Inc()
}

func (c *Collector) AnomalyFailure(metric string) {
	if c == nil {
		return
	}
	c.anomalyFailures.WithLabelValues(metric).Inc()
}

func (c *Collector) AnomalyRun(duration time.Duration) {
	if c == nil {
		return
	}
	c.anomalyRuns.Observe(duration.Seconds())
}

func (c *Collector) RecordJob(name string, success bool, duration time.Duration) {
	if c == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	c.jobRuns.WithLabelValues(name, status).Inc()
	c.jobDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// RecordWebSocketConnection moves the connection gauge by delta.
func (c *Collector) RecordWebSocketConnection(delta int) {
	if c == nil {
		return
	}
	c.websocketConnections.Add(float64(delta))
}
