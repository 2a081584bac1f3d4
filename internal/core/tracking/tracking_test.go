package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/frostdev-ops/trustgate/internal/config"
	"github.com/frostdev-ops/trustgate/internal/core/behavior"
	"github.com/frostdev-ops/trustgate/internal/core/signals"
	"github.com/frostdev-ops/trustgate/internal/core/throttle"
	"github.com/frostdev-ops/trustgate/internal/database"
	"github.com/frostdev-ops/trustgate/internal/database/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

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

type fixture struct {
	repos    *database.Repositories
	engine   *throttle.Engine
	analyzer *Analyzer
	tracker  *Tracker
	settings behavior.Settings
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{repos: newTestRepos(t), settings: behavior.DefaultSettings()}
	f.settings.TotalSitePages = 50

	f.engine = throttle.NewEngine(
		f.repos.Sessions,
		f.repos.Fingerprints,
		f.repos.Overrides,
		throttle.DefaultCriteria,
		nil, nil,
		testLogger(),
	)
	f.analyzer = NewAnalyzer(
		f.repos.Sessions,
		f.repos.Fingerprints,
		nil,
		func() behavior.Settings { return f.settings },
		f.engine,
		AnalyzerConfig{Workers: 2, QueueSize: 8},
		testLogger(),
	)
	f.tracker = NewTracker(f.repos.Sessions, f.repos.Stats, f.analyzer, 10, testLogger())
	return f
}

func chromeSignal(sessionID, fingerprint, slug string, at time.Time) signals.RequestSignal {
	return signals.RequestSignal{
		SessionID:       sessionID,
		FingerprintHash: fingerprint,
		ClientIP:        "203.0.113.7",
		UserAgent:       "Mozilla/5.0 Chrome/120.0.0.0 Safari/537.36",
		Browser:         signals.Browser{Name: signals.BrowserChrome, Version: 120},
		Method:          "GET",
		Path:            "/" + slug,
		PageSlug:        slug,
		At:              at,
	}
}

// crawl replays 60 page requests over 40 distinct pages in a scattered
// order, with intervals alternating between 10s and 30s.
func (f *fixture) crawl(t *testing.T, sessionID, fingerprint string) time.Time {
	t.Helper()
	at := t0
	for i := 0; i < 60; i++ {
		if i > 0 {
			if i%2 == 0 {
				at = at.Add(30 * time.Second)
			} else {
				at = at.Add(10 * time.Second)
			}
		}
		slug := fmt.Sprintf("page-%d", (i*17)%40)
		_, err := f.tracker.Track(context.Background(), chromeSignal(sessionID, fingerprint, slug, at), false)
		require.NoError(t, err)
	}
	return at
}

func TestTracker_CreatesSessionOnFirstRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.tracker.Track(ctx, chromeSignal("s1", "fp1", "home", t0), false)
	require.NoError(t, err)
	assert.True(t, res.SessionCreated)
	assert.EqualValues(t, 1, res.RequestCount)

	res, err = f.tracker.Track(ctx, chromeSignal("s1", "fp1", "pricing", t0.Add(5*time.Second)), false)
	require.NoError(t, err)
	assert.False(t, res.SessionCreated)
	assert.EqualValues(t, 2, res.RequestCount)

	session, err := f.repos.Sessions.Get(ctx, "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, session.PageViews)
	assert.EqualValues(t, 2, session.UniquePagesVisited)
	assert.EqualValues(t, 1, session.IntervalCount)
	assert.Equal(t, "chrome", session.BrowserName)

	fp, err := f.repos.Fingerprints.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, fp.TotalSessions, "a session counts once against its fingerprint")

	served, err := f.repos.Stats.RequestsInMinute(ctx, t0.UnixMilli()-t0.UnixMilli()%60000)
	require.NoError(t, err)
	assert.EqualValues(t, 2, served)
}

func TestTracker_EnqueuesOnAnalysisBoundaryOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var enqueued []int64
	for i := 0; i < 25; i++ {
		sig := chromeSignal("s1", "fp1", "", t0.Add(time.Duration(i)*time.Second))
		res, err := f.tracker.Track(ctx, sig, false)
		require.NoError(t, err)
		if res.Enqueued {
			enqueued = append(enqueued, res.RequestCount)
		}
	}

	assert.Equal(t, []int64{10, 20}, enqueued)
	assert.Equal(t, 1, f.analyzer.QueueDepth(), "a queued session is not queued twice")
}

func TestAnalyzer_HighVolumeCrawlerIsBot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// a second session for the same device
	_, err := f.tracker.Track(ctx, chromeSignal("s0", "fp1", "home", t0.Add(-time.Hour)), false)
	require.NoError(t, err)
	f.crawl(t, "s1", "fp1")

	analysis, err := f.analyzer.AnalyzeSession(ctx, "s1")
	require.NoError(t, err)

	assert.Equal(t, 55, analysis.Result.Score)
	assert.True(t, analysis.Result.IsBot)
	assert.Equal(t, []string{"high_page_coverage", "high_request_count"}, analysis.Result.Triggered.Names())
	assert.Equal(t, []models.FlagReason{models.FlagBehavioralBot}, analysis.NewFlags)
	assert.Equal(t, throttle.Severe, analysis.Transition.SessionTo)

	session, err := f.repos.Sessions.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 55, session.BehavioralScore)
	assert.True(t, session.IsBehavioralBot)
	assert.Equal(t, int(throttle.Severe), session.ThrottleLevel)

	fp, err := f.repos.Fingerprints.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, fp.TotalSessions)
	assert.EqualValues(t, 1, fp.FlaggedCount)
	assert.True(t, fp.HasFlag(models.FlagBehavioralBot))

	rate, err := f.engine.EffectiveRateLimit(ctx, 10, throttle.Identity{SessionID: "s0", FingerprintHash: "fp1"})
	require.NoError(t, err)
	assert.Equal(t, 2.5, rate, "the device level applies to its other sessions")

	// re-analysis does not count the same reason twice
	again, err := f.analyzer.AnalyzeSession(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, again.NewFlags)
	fp, err = f.repos.Fingerprints.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, fp.FlaggedCount)
}

func TestAnalyzer_BlockedFlagsFingerprint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.crawl(t, "s1", "fp1")
	f.settings.Weights[behavior.HighRequestCount] = 60

	analysis, err := f.analyzer.AnalyzeSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 85, analysis.Result.Score)
	assert.True(t, analysis.Transition.EnteredBlocked())
	assert.ElementsMatch(t, []models.FlagReason{models.FlagBehavioralBot, models.FlagThrottleBlocked}, analysis.NewFlags)

	allowed, err := f.engine.AllowRequest(ctx, throttle.Identity{SessionID: "s1", FingerprintHash: "fp1"})
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestAnalyzer_QuietSessionStaysNormal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.tracker.Track(ctx, chromeSignal("s1", "fp1", "home", t0), false)
	require.NoError(t, err)

	analysis, err := f.analyzer.AnalyzeSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, analysis.Result.Score)
	assert.False(t, analysis.Result.IsBot)
	assert.Equal(t, throttle.Normal, analysis.Transition.SessionTo)
	assert.Empty(t, analysis.NewFlags)
}

func TestAnalyzer_UnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.analyzer.AnalyzeSession(context.Background(), "missing")
	assert.Error(t, err)
}

func TestAnalyzer_WorkersDrainQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.crawl(t, "s1", "fp1")
	require.NoError(t, f.analyzer.Start(ctx))
	defer f.analyzer.Stop()
	assert.Error(t, f.analyzer.Start(ctx))

	require.Eventually(t, func() bool {
		s, err := f.repos.Sessions.Get(ctx, "s1")
		return err == nil && s.IsBehavioralBot
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, f.analyzer.QueueDepth())
}

func TestAnalyzer_SweepCoversRecentSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	last := f.crawl(t, "s1", "fp1")
	_, err := f.tracker.Track(ctx, chromeSignal("s2", "fp2", "home", last), false)
	require.NoError(t, err)
	_, err = f.tracker.Track(ctx, chromeSignal("old", "fp3", "home", last.Add(-time.Hour)), false)
	require.NoError(t, err)

	f.analyzer.now = func() time.Time { return last.Add(time.Minute) }
	report, err := f.analyzer.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Analyzed: 2, Bots: 1}, report)

	old, err := f.repos.Sessions.Get(ctx, "old")
	require.NoError(t, err)
	assert.False(t, old.AnalyzedAtMs.Valid, "sessions outside the lookback are left alone")
}

func TestSessionCleaner_Run(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.tracker.Track(ctx, chromeSignal("idle", "fp1", "home", t0), false)
	require.NoError(t, err)
	_, err = f.tracker.Track(ctx, chromeSignal("active", "fp1", "home", t0.Add(90*time.Minute)), false)
	require.NoError(t, err)

	require.NoError(t, f.repos.Overrides.Set(ctx, &models.ThrottleOverride{
		IdentityKind: models.IdentitySession,
		IdentityKey:  "active",
		Level:        int(throttle.Warning),
		CreatedAtMs:  t0.UnixMilli(),
		ExpiresAtMs:  sql.NullInt64{Int64: t0.Add(time.Hour).UnixMilli(), Valid: true},
	}))

	cleaner := NewSessionCleaner(f.repos.Sessions, f.repos.Overrides, f.repos.Stats, time.Hour, time.Hour, testLogger())
	cleaner.now = func() time.Time { return t0.Add(2 * time.Hour) }

	report, err := cleaner.Run(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.Sessions)
	assert.EqualValues(t, 1, report.Overrides)
	assert.EqualValues(t, 1, report.TrafficBuckets)

	_, err = f.repos.Sessions.Get(ctx, "idle")
	assert.Error(t, err)
	_, err = f.repos.Sessions.Get(ctx, "active")
	assert.NoError(t, err)
}
