package sqlite

import (
	"context"
	"fmt"

	"github.com/frostdev-ops/trustgate/internal/database/models"
	"github.com/frostdev-ops/trustgate/internal/database/repositories"
	"github.com/jmoiron/sqlx"
)

// StatsRepository implements repositories.StatsRepository
type StatsRepository struct {
	db *sqlx.DB
}

// NewStatsRepository creates a new StatsRepository
func NewStatsRepository(db *sqlx.DB) repositories.StatsRepository {
	return &StatsRepository{db: db}
}

func (r *StatsRepository) IncrementTraffic(ctx context.Context, atMs int64, denied bool) error {
	deniedInc := 0
	if denied {
		deniedInc = 1
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO traffic_minutes (bucket_ms, requests, denied)
		VALUES (?, 1, ?)
		ON CONFLICT(bucket_ms) DO UPDATE SET
			requests = requests + 1,
			denied = denied + excluded.denied
	`, models.MinuteBucket(atMs), deniedInc)
	if err != nil {
		return fmt.Errorf("failed to increment traffic: %w", err)
	}
	return nil
}

func (r *StatsRepository) RequestsInMinute(ctx context.Context, bucketMs int64) (int64, error) {
	return r.count(ctx, `SELECT COALESCE(SUM(requests), 0) FROM traffic_minutes WHERE bucket_ms = ?`, models.MinuteBucket(bucketMs))
}

func (r *StatsRepository) CountActiveSessions(ctx context.Context, sinceMs int64) (int64, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM sessions WHERE last_activity_at_ms >= ?`, sinceMs)
}

func (r *StatsRepository) CountBotSessions(ctx context.Context, sinceMs int64) (int64, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM sessions WHERE last_activity_at_ms >= ? AND is_behavioral_bot = 1`, sinceMs)
}

func (r *StatsRepository) CountSessionsAtLevel(ctx context.Context, level int) (int64, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM sessions WHERE throttle_level = ?`, level)
}

func (r *StatsRepository) CountNewFingerprints(ctx context.Context, sinceMs int64) (int64, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM fingerprints WHERE first_seen_at_ms >= ?`, sinceMs)
}

func (r *StatsRepository) CountFlaggedFingerprints(ctx context.Context) (int64, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM fingerprints WHERE flagged_count > 0`)
}

func (r *StatsRepository) DeleteTrafficBefore(ctx context.Context, beforeMs int64) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM traffic_minutes WHERE bucket_ms < ?`, beforeMs)
	if err != nil {
		return 0, fmt.Errorf("failed to delete traffic buckets: %w", err)
	}
	return result.RowsAffected()
}

func (r *StatsRepository) count(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("failed to run count query: %w", err)
	}
	return n, nil
}

// MetricSampleRepository implements repositories.MetricSampleRepository
type MetricSampleRepository struct {
	db *sqlx.DB
}

// NewMetricSampleRepository creates a new MetricSampleRepository
func NewMetricSampleRepository(db *sqlx.DB) repositories.MetricSampleRepository {
	return &MetricSampleRepository{db: db}
}

func (r *MetricSampleRepository) Append(ctx context.Context, metricName string, value float64, atMs int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO metric_samples (metric_name, value, sampled_at_ms) VALUES (?, ?, ?)
	`, metricName, value, atMs)
	if err != nil {
		return fmt.Errorf("failed to append metric sample: %w", err)
	}
	return nil
}

func (r *MetricSampleRepository) Recent(ctx context.Context, metricName string, limit int) ([]float64, error) {
	var values []float64
	err := r.db.SelectContext(ctx, &values, `
		SELECT value FROM (
			SELECT value, sampled_at_ms, id FROM metric_samples
			WHERE metric_name = ?
			ORDER BY sampled_at_ms DESC, id DESC
			LIMIT ?
		) ORDER BY sampled_at_ms ASC, id ASC
	`, metricName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load metric samples: %w", err)
	}
	return values, nil
}

func (r *MetricSampleRepository) DeleteBefore(ctx context.Context, beforeMs int64) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM metric_samples WHERE sampled_at_ms < ?`, beforeMs)
	if err != nil {
		return 0, fmt.Errorf("failed to delete metric samples: %w", err)
	}
	return result.RowsAffected()
}
