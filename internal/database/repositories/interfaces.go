package repositories

import (
	"context"
	"errors"

	"github.com/frostdev-ops/trustgate/internal/database/models"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("record not found")

// ErrDuplicate is returned when a unique constraint rejects a write
var ErrDuplicate = errors.New("duplicate record")

// SessionRepository defines session aggregate access. Every mutation is a
// single atomic statement or a single transaction.
type SessionRepository interface {
	// Create inserts the session if it does not exist yet. When a row is
	// created the fingerprint's total_sessions is incremented in the same
	// transaction. Returns true when the session was created.
	Create(ctx context.Context, session *models.Session) (bool, error)
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	// RecordRequest increments request_count, folds the interval since the
	// previous request into the timing sums and returns the new request_count.
	RecordRequest(ctx context.Context, sessionID string, atMs int64) (int64, error)
	// RecordPageView increments page_views and refreshes unique_pages_visited.
	RecordPageView(ctx context.Context, sessionID, pageSlug string, atMs int64) error
	// PagePath returns page slugs in first-visit order.
	PagePath(ctx context.Context, sessionID string, limit int) ([]string, error)
	SaveAnalysis(ctx context.Context, sessionID string, score int, signals int64, isBot bool, atMs int64) error
	SetThrottleLevel(ctx context.Context, sessionID string, level int, atMs int64) error
	ListActiveSince(ctx context.Context, sinceMs int64, limit int) ([]*models.Session, error)
	ListByFingerprint(ctx context.Context, fingerprintHash string, limit int) ([]*models.Session, error)
	DeleteIdle(ctx context.Context, beforeMs int64) (int64, error)
}

// FingerprintRepository defines fingerprint reputation access
type FingerprintRepository interface {
	// Upsert creates the fingerprint or increments total_sessions in place.
	Upsert(ctx context.Context, fingerprintHash string, atMs int64) error
	Get(ctx context.Context, fingerprintHash string) (*models.FingerprintReputation, error)
	// Flag adds reason to the flag set. flagged_count is incremented only
	// when the reason was not already present; returns whether it was new.
	Flag(ctx context.Context, fingerprintHash string, reason models.FlagReason, atMs int64) (bool, error)
	SetThrottleLevel(ctx context.Context, fingerprintHash string, level int, atMs int64) error
	List(ctx context.Context, flaggedOnly bool, limit, offset int) ([]*models.FingerprintReputation, error)
}

// OverrideRepository defines manual throttle override access
type OverrideRepository interface {
	Set(ctx context.Context, override *models.ThrottleOverride) error
	Get(ctx context.Context, kind models.IdentityKind, key string) (*models.ThrottleOverride, error)
	Delete(ctx context.Context, kind models.IdentityKind, key string) error
	List(ctx context.Context) ([]*models.ThrottleOverride, error)
	DeleteExpired(ctx context.Context, nowMs int64) (int64, error)
}

// AnomalyThresholdRepository defines anomaly threshold access
type AnomalyThresholdRepository interface {
	Create(ctx context.Context, threshold *models.AnomalyThreshold) error
	// CreateIfAbsent inserts unless an identical metric/operator/value exists.
	CreateIfAbsent(ctx context.Context, threshold *models.AnomalyThreshold) (bool, error)
	Get(ctx context.Context, id int64) (*models.AnomalyThreshold, error)
	List(ctx context.Context, enabledOnly bool) ([]*models.AnomalyThreshold, error)
	Update(ctx context.Context, threshold *models.AnomalyThreshold) error
	Delete(ctx context.Context, id int64) error
}

// AnomalyAlertRepository stores emitted anomaly results
type AnomalyAlertRepository interface {
	Create(ctx context.Context, alert *models.AnomalyAlert) error
	List(ctx context.Context, filter models.AlertFilter) ([]*models.AnomalyAlert, error)
	Summary(ctx context.Context, sinceMs int64) ([]*models.AlertSummary, error)
	DeleteBefore(ctx context.Context, beforeMs int64) (int64, error)
}

// MetricSampleRepository keeps the rolling history used for trend baselines
type MetricSampleRepository interface {
	Append(ctx context.Context, metricName string, value float64, atMs int64) error
	// Recent returns up to limit of the newest samples, oldest first.
	Recent(ctx context.Context, metricName string, limit int) ([]float64, error)
	DeleteBefore(ctx context.Context, beforeMs int64) (int64, error)
}

// StatsRepository answers platform-wide aggregate queries
type StatsRepository interface {
	// IncrementTraffic counts one request in the minute bucket containing atMs.
	IncrementTraffic(ctx context.Context, atMs int64, denied bool) error
	RequestsInMinute(ctx context.Context, bucketMs int64) (int64, error)
	CountActiveSessions(ctx context.Context, sinceMs int64) (int64, error)
	CountBotSessions(ctx context.Context, sinceMs int64) (int64, error)
	CountSessionsAtLevel(ctx context.Context, level int) (int64, error)
	CountNewFingerprints(ctx context.Context, sinceMs int64) (int64, error)
	CountFlaggedFingerprints(ctx context.Context) (int64, error)
	DeleteTrafficBefore(ctx context.Context, beforeMs int64) (int64, error)
}

// SettingsRepository stores runtime trust settings overrides
type SettingsRepository interface {
	Get(ctx context.Context, key string) (*models.TrustSetting, error)
	// Put upserts the setting and fills in its new Revision.
	Put(ctx context.Context, setting *models.TrustSetting) error
	List(ctx context.Context) ([]*models.TrustSetting, error)
	Delete(ctx context.Context, key string) error
}
