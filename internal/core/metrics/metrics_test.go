package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/frostdev-ops/trustgate/internal/core/throttle"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counters(t *testing.T) {
	c := NewCollector(&MetricsConfig{Enabled: true, Prefix: "test"})

	c.RecordAdmission(DecisionBlocked, throttle.Blocked)
	c.RecordAdmission(DecisionBlocked, throttle.Blocked)
	c.RecordAdmission(DecisionAllowed, throttle.Normal)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.admissionDecisions.WithLabelValues(DecisionBlocked, "blocked")))

	c.RecordDetection(70, true, 10*time.Millisecond)
	c.RecordDetection(10, false, time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.detectorRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.detectorBots))

	c.LevelChanged(throttle.LevelChange{Scope: throttle.ScopeSession, From: throttle.Normal, To: throttle.Severe})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.levelTransitions.WithLabelValues("session", "normal", "severe")))

	c.RecordJob("anomaly_detection", false, time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobRuns.WithLabelValues("anomaly_detection", "failure")))

	c.RecordWebSocketConnection(1)
	c.RecordWebSocketConnection(1)
	c.RecordWebSocketConnection(-1)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.websocketConnections))
}

func TestCollector_SeparateRegistries(t *testing.T) {
	// two collectors with the same prefix must not collide
	a := NewCollector(nil)
	b := NewCollector(nil)
	a.AnomalyResult("requests_per_minute", "warning", "threshold")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.anomalyResults.WithLabelValues("requests_per_minute", "warning", "threshold")))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
		c.RecordAdmission(DecisionAllowed, throttle.Normal)
		c.LevelChanged(throttle.LevelChange{})
		c.AnomalyRun(time.Second)
		c.SetAnalysisQueueDepth(3)
	})
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector(&MetricsConfig{Enabled: true, Prefix: "trustgate"})
	c.RecordHTTPRequest("GET", "/api/v1/health", 200, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "trustgate_http_requests_total"))
}

func TestHealthChecker_OverallStatus(t *testing.T) {
	h := NewHealthChecker(time.Second, "test")
	h.Register("database", true, PingCheck(func(context.Context) error { return nil }))
	h.Register("redis", false, PingCheck(func(context.Context) error { return errors.New("connection refused") }))

	report := h.Check(context.Background())
	assert.Equal(t, StatusDegraded, report.Status, "a non-critical failure only degrades")
	assert.True(t, report.Components["database"].IsHealthy())
	assert.Equal(t, StatusUnhealthy, report.Components["redis"].Status)
	assert.Equal(t, "test", report.SystemInfo["version"])

	h.Register("database", true, PingCheck(func(context.Context) error { return errors.New("disk I/O error") }))
	report = h.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, []string{"database", "redis"}, h.Names())
}

func TestHealthCheckWithTimeout(t *testing.T) {
	slow := func(ctx context.Context) HealthStatus {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return NewHealthStatus(StatusHealthy, "late")
	}
	status := HealthCheckWithTimeout(context.Background(), 20*time.Millisecond, slow)
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, "20ms", status.Details["timeout"])

	panicking := func(context.Context) HealthStatus { panic("boom") }
	status = HealthCheckWithTimeout(context.Background(), time.Second, panicking)
	assert.Equal(t, StatusUnhealthy, status.Status)
}
