package sqlite

import (
	"context"
	"database/sql"
	"testing"

	"github.com/frostdev-ops/trustgate/internal/database/models"
	"github.com/frostdev-ops/trustgate/internal/database/repositories"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintRepository_Flag(t *testing.T) {
	db := newTestDB(t)
	fingerprints := NewFingerprintRepository(db, testLogger())
	ctx := context.Background()

	require.NoError(t, fingerprints.Upsert(ctx, "fp1", 1000))
	added, err := fingerprints.Flag(ctx, "fp1", models.FlagBehavioralBot, 2000)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = fingerprints.Flag(ctx, "fp1", models.FlagThrottleBlocked, 3000)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = fingerprints.Flag(ctx, "fp1", models.FlagBehavioralBot, 4000)
	require.NoError(t, err)
	assert.False(t, added)

	fp, err := fingerprints.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), fp.FlaggedCount)
	assert.Equal(t, int64(1), fp.TotalSessions)
	assert.Equal(t, []models.FlagReason{models.FlagBehavioralBot, models.FlagThrottleBlocked}, fp.Flags)
	assert.True(t, fp.HasFlag(models.FlagThrottleBlocked))
	assert.False(t, fp.HasFlag(models.FlagManual))

	flagged, err := fingerprints.List(ctx, true, 10, 0)
	require.NoError(t, err)
	assert.Len(t, flagged, 1)

	_, err = fingerprints.Get(ctx, "unknown")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestOverrideRepository_Lifecycle(t *testing.T) {
	db := newTestDB(t)
	overrides := NewOverrideRepository(db)
	ctx := context.Background()

	permanent := &models.ThrottleOverride{
		IdentityKind: models.IdentitySession,
		IdentityKey:  "s1",
		Level:        3,
		Reason:       "scraper",
		CreatedBy:    "admin",
		CreatedAtMs:  1000,
	}
	expiring := &models.ThrottleOverride{
		IdentityKind: models.IdentityFingerprint,
		IdentityKey:  "fp1",
		Level:        0,
		CreatedAtMs:  1000,
		ExpiresAtMs:  sql.NullInt64{Int64: 5000, Valid: true},
	}
	require.NoError(t, overrides.Set(ctx, permanent))
	require.NoError(t, overrides.Set(ctx, expiring))

	permanent.Level = 2
	require.NoError(t, overrides.Set(ctx, permanent))

	got, err := overrides.Get(ctx, models.IdentitySession, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Level)

	removed, err := overrides.DeleteExpired(ctx, 6000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	all, err := overrides.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, overrides.Delete(ctx, models.IdentitySession, "s1"))
	assert.ErrorIs(t, overrides.Delete(ctx, models.IdentitySession, "s1"), repositories.ErrNotFound)
}

func TestAnomalyThresholdRepository_Duplicates(t *testing.T) {
	db := newTestDB(t)
	thresholds := NewAnomalyThresholdRepository(db)
	ctx := context.Background()

	th := &models.AnomalyThreshold{MetricName: "requests_per_minute", Operator: ">", ThresholdValue: 1000, Severity: "warning", Enabled: true}
	require.NoError(t, thresholds.Create(ctx, th))
	assert.NotZero(t, th.ID)

	dup := &models.AnomalyThreshold{MetricName: "requests_per_minute", Operator: ">", ThresholdValue: 1000, Severity: "critical", Enabled: true}
	assert.ErrorIs(t, thresholds.Create(ctx, dup), repositories.ErrDuplicate)

	created, err := thresholds.CreateIfAbsent(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	disabled := &models.AnomalyThreshold{MetricName: "active_sessions", Operator: "<", ThresholdValue: 1, Severity: "info"}
	created, err = thresholds.CreateIfAbsent(ctx, disabled)
	require.NoError(t, err)
	assert.True(t, created)

	enabled, err := thresholds.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, enabled, 1)

	th.ThresholdValue = 2000
	require.NoError(t, thresholds.Update(ctx, th))
	got, err := thresholds.Get(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, 2000.0, got.ThresholdValue)

	require.NoError(t, thresholds.Delete(ctx, th.ID))
	_, err = thresholds.Get(ctx, th.ID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestAnomalyAlertRepository_ListAndSummary(t *testing.T) {
	db := newTestDB(t)
	alerts := NewAnomalyAlertRepository(db)
	ctx := context.Background()

	for i, level := range []string{"warning", "warning", "critical"} {
		require.NoError(t, alerts.Create(ctx, &models.AnomalyAlert{
			ID:            "alert-" + level + string(rune('a'+i)),
			MetricName:    "requests_per_minute",
			ObservedValue: float64(1000 * (i + 1)),
			Level:         level,
			Basis:         "threshold",
			Operator:      ">",
			TriggeredAtMs: int64(1000 * (i + 1)),
		}))
	}

	list, err := alerts.List(ctx, models.AlertFilter{Level: "warning"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(2000), list[0].TriggeredAtMs)

	summary, err := alerts.Summary(ctx, 0)
	require.NoError(t, err)
	require.Len(t, summary, 2)
	assert.Equal(t, "warning", summary[0].Level)
	assert.Equal(t, int64(2), summary[0].Count)
	assert.Equal(t, 2000.0, summary[0].MaxObserved)

	removed, err := alerts.DeleteBefore(ctx, 2500)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
}

func TestAnomalyAlertRepository_KeepsTrendFields(t *testing.T) {
	db := newTestDB(t)
	alerts := NewAnomalyAlertRepository(db)
	ctx := context.Background()

	require.NoError(t, alerts.Create(ctx, &models.AnomalyAlert{
		ID:            "trend-1",
		MetricName:    "requests_per_minute",
		ObservedValue: 150,
		Level:         "warning",
		Basis:         "trend",
		BaselineMean:  sql.NullFloat64{Float64: 100, Valid: true},
		PercentChange: sql.NullFloat64{Float64: 50, Valid: true},
		TriggeredAtMs: 1000,
	}))

	list, err := alerts.List(ctx, models.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].PercentChange.Valid)
	assert.Equal(t, 50.0, list[0].PercentChange.Float64)
	assert.False(t, list[0].Deviation.Valid)
}

func TestMetricSampleRepository_RecentIsOldestFirst(t *testing.T) {
	db := newTestDB(t)
	samples := NewMetricSampleRepository(db)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, samples.Append(ctx, "cpu_percent", float64(i), int64(i*1000)))
	}
	require.NoError(t, samples.Append(ctx, "memory_percent", 99, 1000))

	recent, err := samples.Recent(ctx, "cpu_percent", 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 4, 5}, recent)

	removed, err := samples.DeleteBefore(ctx, 3000)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
}

func TestStatsRepository_Counts(t *testing.T) {
	db := newTestDB(t)
	stats := NewStatsRepository(db)
	sessions := NewSessionRepository(db, testLogger())
	fingerprints := NewFingerprintRepository(db, testLogger())
	ctx := context.Background()

	minute := int64(120_000)
	require.NoError(t, stats.IncrementTraffic(ctx, minute+10, false))
	require.NoError(t, stats.IncrementTraffic(ctx, minute+59_999, true))
	require.NoError(t, stats.IncrementTraffic(ctx, minute+60_000, false))

	count, err := stats.RequestsInMinute(ctx, minute+5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	_, err = sessions.Create(ctx, newSession("s1", "fp1", 1000))
	require.NoError(t, err)
	_, err = sessions.Create(ctx, newSession("s2", "fp2", 9000))
	require.NoError(t, err)
	require.NoError(t, sessions.SaveAnalysis(ctx, "s2", 80, 1, true, 9000))
	require.NoError(t, sessions.SetThrottleLevel(ctx, "s2", 3, 9000))
	_, err = fingerprints.Flag(ctx, "fp2", models.FlagBehavioralBot, 9000)
	require.NoError(t, err)

	active, err := stats.CountActiveSessions(ctx, 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active)

	bots, err := stats.CountBotSessions(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), bots)

	blocked, err := stats.CountSessionsAtLevel(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), blocked)

	newFps, err := stats.CountNewFingerprints(ctx, 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), newFps)

	flagged, err := stats.CountFlaggedFingerprints(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), flagged)

	removed, err := stats.DeleteTrafficBefore(ctx, minute+60_000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestSettingsRepository_PutBumpsRevision(t *testing.T) {
	db := newTestDB(t)
	settings := NewSettingsRepository(db)
	ctx := context.Background()

	first := &models.TrustSetting{Key: "trust.detector", Value: `{"bot_threshold":60}`, UpdatedBy: "alice"}
	require.NoError(t, settings.Put(ctx, first))
	assert.Equal(t, int64(1), first.Revision)

	second := &models.TrustSetting{Key: "trust.detector", Value: `{"bot_threshold":70}`, UpdatedBy: "bob"}
	require.NoError(t, settings.Put(ctx, second))
	assert.Equal(t, int64(2), second.Revision)

	got, err := settings.Get(ctx, "trust.detector")
	require.NoError(t, err)
	assert.Equal(t, `{"bot_threshold":70}`, got.Value)
	assert.Equal(t, "bob", got.UpdatedBy)
	assert.Equal(t, int64(2), got.Revision)
	assert.NotZero(t, got.UpdatedAtMs)

	all, err := settings.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, settings.Delete(ctx, "trust.detector"))
	_, err = settings.Get(ctx, "trust.detector")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
	assert.ErrorIs(t, settings.Delete(ctx, "trust.detector"), repositories.ErrNotFound)
}
