package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/frostdev-ops/trustgate/internal/config"
	"github.com/frostdev-ops/trustgate/internal/database"
	"github.com/frostdev-ops/trustgate/internal/database/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestRepos(t *testing.T) *database.Repositories {
	t.Helper()

	db, err := database.Initialize(config.DatabaseConfig{
		Path:           filepath.Join(t.TempDir(), "trustgate.db"),
		MaxConnections: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	schema, err := os.ReadFile(filepath.Join("..", "..", "..", "migrations", "000001_trust_engine.up.sql"))
	require.NoError(t, err)
	_, err = db.Exec(string(schema))
	require.NoError(t, err)

	return database.NewRepositories(db, testLogger())
}

type recordingSink struct {
	mu      sync.Mutex
	results []*Result
	err     error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Emit(_ context.Context, r *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return s.err
}

type countingRecorder struct {
	results  int
	failures []string
	runs     int
}

func (c *countingRecorder) AnomalyResult(string, string, string) { c.results++ }
func (c *countingRecorder) AnomalyFailure(metric string)          { c.failures = append(c.failures, metric) }
func (c *countingRecorder) AnomalyRun(time.Duration)              { c.runs++ }

type serviceFixture struct {
	service  *Service
	repos    *database.Repositories
	registry *Registry
	sink     *recordingSink
	recorder *countingRecorder
	values   map[string]float64
	policy   TrendPolicy
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	f := &serviceFixture{
		repos:    newTestRepos(t),
		registry: NewRegistry(),
		sink:     &recordingSink{},
		recorder: &countingRecorder{},
		values:   map[string]float64{},
		policy:   TrendPolicy{},
	}

	for _, name := range []string{MetricRequestsPerMinute, MetricActiveSessions, MetricCPUPercent} {
		name := name
		f.registry.Register(name, func(context.Context) (float64, error) { return f.values[name], nil })
	}

	f.service = NewService(f.repos.Thresholds, f.repos.Samples, f.repos.Alerts, f.registry,
		ServiceConfig{MetricTimeout: time.Second, Trend: func() TrendPolicy { return f.policy }},
		testLogger())
	f.service.AddSink(f.sink)
	f.service.AddSink(NewRepositorySink(f.repos.Alerts))
	f.service.AddSink(NewLogSink(testLogger()))
	f.service.SetRecorder(f.recorder)
	return f
}

func TestService_ThresholdBreachIsPersistedAndEmitted(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.CreateThreshold(ctx, &models.AnomalyThreshold{
		MetricName:     MetricRequestsPerMinute,
		Operator:       ">",
		ThresholdValue: 1000,
		Severity:       "critical",
		Enabled:        true,
	}))

	f.values[MetricRequestsPerMinute] = 1500
	report, err := f.service.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, LevelCritical, report.Results[0].Level)
	assert.NotEmpty(t, report.Results[0].ID)

	f.values[MetricRequestsPerMinute] = 900
	report, err = f.service.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Results)
	assert.Empty(t, report.Failures)

	assert.Len(t, f.sink.results, 1)
	assert.Equal(t, 1, f.recorder.results)
	assert.Equal(t, 2, f.recorder.runs)

	stored, err := f.service.Alerts(ctx, models.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, MetricRequestsPerMinute, stored[0].MetricName)
	assert.Equal(t, 1500.0, stored[0].ObservedValue)

	summary, err := f.service.Summary(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, summary, 1)
	assert.Equal(t, int64(1), summary[0].Count)
}

func TestService_RejectsMalformedThresholdAtWrite(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	err := f.service.CreateThreshold(ctx, &models.AnomalyThreshold{
		MetricName: MetricRequestsPerMinute, Operator: "roughly", ThresholdValue: 1,
	})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	err = f.service.CreateThreshold(ctx, &models.AnomalyThreshold{
		MetricName: "unregistered_metric", Operator: ">", ThresholdValue: 1,
	})
	assert.True(t, IsValidationError(err))

	all, err := f.service.Thresholds(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestService_FailingMetricDoesNotAbortSweep(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.registry.Register("broken_metric", func(context.Context) (float64, error) {
		return 0, errors.New("query timed out")
	})
	f.registry.Register("panicking_metric", func(context.Context) (float64, error) {
		panic("nil map")
	})

	for _, name := range []string{"broken_metric", "panicking_metric", MetricCPUPercent} {
		require.NoError(t, f.service.CreateThreshold(ctx, &models.AnomalyThreshold{
			MetricName: name, Operator: ">", ThresholdValue: 50, Severity: "warning", Enabled: true,
		}))
	}
	f.values[MetricCPUPercent] = 97

	report, err := f.service.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evaluated)
	require.Len(t, report.Results, 1)
	assert.Equal(t, MetricCPUPercent, report.Results[0].MetricName)
	assert.Len(t, report.Failures, 2)
	assert.ElementsMatch(t, []string{"broken_metric", "panicking_metric"}, f.recorder.failures)
}

func TestService_SinkFailureIsIsolated(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.sink.err = errors.New("downstream unavailable")

	require.NoError(t, f.service.CreateThreshold(ctx, &models.AnomalyThreshold{
		MetricName: MetricActiveSessions, Operator: ">=", ThresholdValue: 10, Enabled: true,
	}))
	f.values[MetricActiveSessions] = 10

	report, err := f.service.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)

	stored, err := f.service.Alerts(ctx, models.AlertFilter{MetricName: MetricActiveSessions})
	require.NoError(t, err)
	assert.Len(t, stored, 1, "later sinks still run")
}

func TestService_TrendBuildsHistoryThenFlags(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.policy = DefaultTrendPolicy()
	f.policy.Metrics = []string{MetricActiveSessions, "not_registered"}

	for _, v := range steadyHistory(f.policy.MinSamples) {
		f.values[MetricActiveSessions] = v
		report, err := f.service.Run(ctx)
		require.NoError(t, err)
		assert.Empty(t, report.Results, "sparse history is never flagged")
		assert.Empty(t, report.Failures)
	}

	f.values[MetricActiveSessions] = 140
	report, err := f.service.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, BasisTrend, report.Results[0].Basis)

	recent, err := f.repos.Samples.Recent(ctx, MetricActiveSessions, 100)
	require.NoError(t, err)
	assert.Len(t, recent, f.policy.MinSamples+1)
}

func TestService_CancelledRunIsIncomplete(t *testing.T) {
	f := newServiceFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// sorts before cpu_percent and cancels the sweep while it runs
	f.registry.Register("a_cancelling_metric", func(context.Context) (float64, error) {
		cancel()
		return 1, nil
	})
	for _, name := range []string{"a_cancelling_metric", MetricCPUPercent} {
		require.NoError(t, f.service.CreateThreshold(context.Background(), &models.AnomalyThreshold{
			MetricName: name, Operator: ">", ThresholdValue: 0, Enabled: true,
		}))
	}
	f.values[MetricCPUPercent] = 50

	report, err := f.service.Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Incomplete)
	assert.Equal(t, 1, report.Evaluated)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "a_cancelling_metric", report.Results[0].MetricName)
}

func TestService_Prune(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour).UnixMilli()

	require.NoError(t, f.repos.Samples.Append(ctx, MetricActiveSessions, 1, old))
	require.NoError(t, f.repos.Samples.Append(ctx, MetricActiveSessions, 2, time.Now().UnixMilli()))

	require.NoError(t, f.service.Prune(ctx, 24*time.Hour))

	recent, err := f.repos.Samples.Recent(ctx, MetricActiveSessions, 10)
	require.NoError(t, err)
	assert.Equal(t, []float64{2}, recent)
}

func TestKafkaSink_Publishes(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var r Result
		if err := json.Unmarshal(val, &r); err != nil {
			return err
		}
		if r.MetricName != MetricRequestsPerMinute || r.Level != LevelCritical {
			return errors.New("unexpected payload")
		}
		return nil
	})

	sink := NewKafkaSinkWithProducer(producer, "trustgate.anomalies", testLogger())
	err := sink.Emit(context.Background(), &Result{
		ID:            "a1",
		MetricName:    MetricRequestsPerMinute,
		ObservedValue: 1500,
		Level:         LevelCritical,
		Basis:         BasisThreshold,
	})
	require.NoError(t, err)
	require.NoError(t, sink.Close())
}

func TestKafkaSink_BreakerOpensAfterFailures(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	for i := 0; i < 5; i++ {
		producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	}

	sink := NewKafkaSinkWithProducer(producer, "trustgate.anomalies", testLogger())
	r := &Result{MetricName: MetricCPUPercent, Level: LevelWarning}
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, sink.Emit(context.Background(), r), sarama.ErrOutOfBrokers)
	}

	// refused without reaching the producer
	assert.Error(t, sink.Emit(context.Background(), r))
	require.NoError(t, sink.Close())
}

func TestParseThresholdSeed(t *testing.T) {
	seed := []byte(`
thresholds:
  - metric_name: requests_per_minute
    operator: gt
    threshold_value: 1000
    severity: critical
    description: traffic spike
  - metric_name: cpu_percent
    operator: ">="
    threshold_value: 90
    enabled: false
`)

	thresholds, err := ParseThresholdSeed(seed, nil)
	require.NoError(t, err)
	require.Len(t, thresholds, 2)
	assert.Equal(t, ">", thresholds[0].Operator)
	assert.True(t, thresholds[0].Enabled)
	assert.Equal(t, "warning", thresholds[1].Severity)
	assert.False(t, thresholds[1].Enabled)

	repos := newTestRepos(t)
	added, err := SeedThresholds(context.Background(), repos.Thresholds, thresholds)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	added, err = SeedThresholds(context.Background(), repos.Thresholds, thresholds)
	require.NoError(t, err)
	assert.Equal(t, 0, added, "seeding is idempotent")

	_, err = ParseThresholdSeed([]byte("thresholds:\n  - metric_name: x\n    operator: '~'\n"), nil)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("b", func(context.Context) (float64, error) { return 2, nil })
	r.Register("a", func(context.Context) (float64, error) { return 1, nil })

	assert.Equal(t, []string{"a", "b"}, r.Names())
	assert.True(t, r.Has("a"))

	v, err := r.Collect(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)

	_, err = r.Collect(context.Background(), "c")
	assert.Error(t, err)
}
