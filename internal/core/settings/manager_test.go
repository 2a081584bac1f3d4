package settings

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/frostdev-ops/trustgate/internal/config"
	"github.com/frostdev-ops/trustgate/internal/core/behavior"
	"github.com/frostdev-ops/trustgate/internal/core/throttle"
	"github.com/frostdev-ops/trustgate/internal/database/models"
	"github.com/frostdev-ops/trustgate/internal/database/repositories"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSettings struct {
	mu   sync.Mutex
	rows map[string]*models.TrustSetting
}

func newMemSettings() *memSettings {
	return &memSettings{rows: map[string]*models.TrustSetting{}}
}

func (m *memSettings) Get(_ context.Context, key string) (*models.TrustSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[key]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *memSettings) Put(_ context.Context, c *models.TrustSetting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.rows[c.Key]; ok {
		c.Revision = prev.Revision + 1
	} else {
		c.Revision = 1
	}
	cp := *c
	m.rows[c.Key] = &cp
	return nil
}

func (m *memSettings) List(_ context.Context) ([]*models.TrustSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.TrustSetting, 0, len(m.rows))
	for _, row := range m.rows {
		out = append(out, row)
	}
	return out, nil
}

func (m *memSettings) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[key]; !ok {
		return repositories.ErrNotFound
	}
	delete(m.rows, key)
	return nil
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testTrustConfig() config.TrustConfig {
	return config.TrustConfig{
		Detector: config.DetectorConfig{
			Weights:                     map[string]int{"high_request_count": 30},
			BotThreshold:                50,
			TotalSitePages:              120,
			RequestCountThreshold:       50,
			PageCoverageThreshold:       0.6,
			FingerprintSessionThreshold: 5,
			TimingCoVThreshold:          0.1,
			MinTimingSamples:            5,
			PagesPerMinuteThreshold:     5,
			MinPageRateWindow:           30 * time.Second,
			MinBrowserVersions:          map[string]int{"Chrome": 90, "firefox": 88},
			Navigation:                  config.NavigationConfig{MinPages: 5, MaxBacktrackRatio: 0.2, MaxPath: 200},
		},
		Throttle: config.ThrottleConfig{
			ScoreBands: []config.ScoreBandConfig{
				{MinScore: 80, Level: "blocked"},
				{MinScore: 0, Level: "normal"},
				{MinScore: 30, Level: "warning"},
				{MinScore: 50, Level: "severe"},
			},
			BlockedRelease: "manual",
			Downgrade:      "follow_score",
		},
		Anomaly: config.AnomalyConfig{
			Trend: config.TrendConfig{
				Enabled:        true,
				Metrics:        []string{"requests_per_minute"},
				WindowSize:     60,
				MinSamples:     10,
				ZScore:         3,
				CriticalZScore: 6,
			},
		},
	}
}

func TestFromConfig(t *testing.T) {
	snap, err := FromConfig(testTrustConfig())
	require.NoError(t, err)

	assert.Equal(t, behavior.DefaultWeights(), snap.Detector.Weights)
	assert.Equal(t, 120, snap.Detector.TotalSitePages)
	assert.Equal(t, 90, snap.Detector.MinBrowserVersions["chrome"])
	assert.Equal(t, 0, snap.Escalation.ScoreBands[0].MinScore, "bands are sorted")
	assert.Equal(t, throttle.Severe, snap.Escalation.LevelForScore(55))
	assert.True(t, snap.Trend.Tracks("requests_per_minute"))
}

func TestFromConfig_Rejects(t *testing.T) {
	cfg := testTrustConfig()
	cfg.Detector.Weights = map[string]int{"mouse_jitter": 5}
	_, err := FromConfig(cfg)
	assert.Error(t, err)

	cfg = testTrustConfig()
	cfg.Throttle.ScoreBands[0].Level = "purple"
	_, err = FromConfig(cfg)
	assert.Error(t, err)

	cfg = testTrustConfig()
	cfg.Throttle.BlockedRelease = "cooldown"
	_, err = FromConfig(cfg)
	assert.Error(t, err, "cooldown needs a duration")
}

func TestManager_UpdatesArePersistedAndSurviveRestart(t *testing.T) {
	repo := newMemSettings()
	ctx := context.Background()

	m, err := NewManager(testTrustConfig(), repo, testLogger())
	require.NoError(t, err)
	require.NoError(t, m.Load(ctx))
	assert.False(t, m.Current().DetectorOverridden)

	var published []*Snapshot
	m.OnChange(func(s *Snapshot) { published = append(published, s) })

	detector := m.Detector()
	detector.TotalSitePages = 400
	detector.Weights[behavior.RegularTiming] = 40
	require.NoError(t, m.UpdateDetector(ctx, detector, "ops"))

	criteria := throttle.DefaultCriteria()
	criteria.BlockedRelease = throttle.ReleaseCooldown
	criteria.BlockedCooldown = 2 * time.Hour
	require.NoError(t, m.UpdateEscalation(ctx, criteria, "ops"))

	assert.Len(t, published, 2)
	assert.Equal(t, 400, m.Detector().TotalSitePages)
	assert.Equal(t, throttle.ReleaseCooldown, m.Escalation().BlockedRelease)

	require.NoError(t, m.UpdateDetector(ctx, detector, "ops"))
	stored, err := m.Overrides(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	revisions := map[string]int64{}
	for _, s := range stored {
		assert.Equal(t, "ops", s.UpdatedBy)
		revisions[s.Key] = s.Revision
	}
	assert.Equal(t, map[string]int64{KeyDetector: 2, KeyEscalation: 1}, revisions)

	// a new process picks the overrides up from storage
	restarted, err := NewManager(testTrustConfig(), repo, testLogger())
	require.NoError(t, err)
	require.NoError(t, restarted.Load(ctx))

	snap := restarted.Current()
	assert.True(t, snap.DetectorOverridden)
	assert.True(t, snap.EscalationOverridden)
	assert.Equal(t, 400, snap.Detector.TotalSitePages)
	assert.Equal(t, 40, snap.Detector.Weights.Of(behavior.RegularTiming))
	assert.Equal(t, 2*time.Hour, snap.Escalation.BlockedCooldown)
}

func TestManager_RejectsInvalidUpdates(t *testing.T) {
	repo := newMemSettings()
	m, err := NewManager(testTrustConfig(), repo, testLogger())
	require.NoError(t, err)

	bad := m.Detector()
	bad.BotThreshold = 0
	assert.Error(t, m.UpdateDetector(context.Background(), bad, "ops"))

	criteria := throttle.DefaultCriteria()
	criteria.ScoreBands = nil
	assert.Error(t, m.UpdateEscalation(context.Background(), criteria, "ops"))

	assert.Empty(t, repo.rows)
	assert.Equal(t, 50, m.Detector().BotThreshold)
}

func TestManager_ApplyBaseKeepsOverrides(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(testTrustConfig(), newMemSettings(), testLogger())
	require.NoError(t, err)

	criteria := throttle.DefaultCriteria()
	criteria.Downgrade = throttle.DowngradeHold
	require.NoError(t, m.UpdateEscalation(ctx, criteria, "ops"))

	reloaded := testTrustConfig()
	reloaded.Detector.TotalSitePages = 999
	reloaded.Anomaly.Trend.ZScore = 4
	require.NoError(t, m.ApplyBase(reloaded))

	snap := m.Current()
	assert.Equal(t, 999, snap.Detector.TotalSitePages)
	assert.Equal(t, 4.0, snap.Trend.ZScore)
	assert.Equal(t, throttle.DowngradeHold, snap.Escalation.Downgrade)

	require.NoError(t, m.ResetEscalation(ctx))
	assert.Equal(t, throttle.DowngradeFollowScore, m.Escalation().Downgrade)
	require.NoError(t, m.ResetDetector(ctx))
}

func TestManager_IgnoresCorruptStoredOverride(t *testing.T) {
	repo := newMemSettings()
	require.NoError(t, repo.Put(context.Background(), &models.TrustSetting{Key: KeyDetector, Value: "{not json"}))
	require.NoError(t, repo.Put(context.Background(), &models.TrustSetting{Key: KeyEscalation, Value: `{"score_bands":[]}`}))

	m, err := NewManager(testTrustConfig(), repo, testLogger())
	require.NoError(t, err)
	require.NoError(t, m.Load(context.Background()))

	assert.False(t, m.Current().DetectorOverridden)
	assert.False(t, m.Current().EscalationOverridden)
}
