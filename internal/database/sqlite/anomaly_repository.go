package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/frostdev-ops/trustgate/internal/database/models"
	"github.com/frostdev-ops/trustgate/internal/database/repositories"
	"github.com/jmoiron/sqlx"
)

const thresholdColumns = `id, metric_name, operator, threshold_value, severity, enabled, description,
	created_at_ms, updated_at_ms`

// AnomalyThresholdRepository implements repositories.AnomalyThresholdRepository
type AnomalyThresholdRepository struct {
	db *sqlx.DB
}

// NewAnomalyThresholdRepository creates a new AnomalyThresholdRepository
func NewAnomalyThresholdRepository(db *sqlx.DB) repositories.AnomalyThresholdRepository {
	return &AnomalyThresholdRepository{db: db}
}

// Create inserts a threshold and fills in its ID
func (r *AnomalyThresholdRepository) Create(ctx context.Context, t *models.AnomalyThreshold) error {
	now := time.Now().UnixMilli()
	t.CreatedAtMs = now
	t.UpdatedAtMs = now

	result, err := r.db.NamedExecContext(ctx, `
		INSERT INTO anomaly_thresholds (metric_name, operator, threshold_value, severity, enabled, description, created_at_ms, updated_at_ms)
		VALUES (:metric_name, :operator, :threshold_value, :severity, :enabled, :description, :created_at_ms, :updated_at_ms)
	`, t)
	if err != nil {
		if isUniqueViolation(err) {
			return repositories.ErrDuplicate
		}
		return fmt.Errorf("failed to create anomaly threshold: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get threshold id: %w", err)
	}
	t.ID = id
	return nil
}

// CreateIfAbsent inserts the threshold unless an identical one exists
func (r *AnomalyThresholdRepository) CreateIfAbsent(ctx context.Context, t *models.AnomalyThreshold) (bool, error) {
	err := r.Create(ctx, t)
	if errors.Is(err, repositories.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *AnomalyThresholdRepository) Get(ctx context.Context, id int64) (*models.AnomalyThreshold, error) {
	var t models.AnomalyThreshold
	err := r.db.GetContext(ctx, &t, `SELECT `+thresholdColumns+` FROM anomaly_thresholds WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repositories.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get anomaly threshold: %w", err)
	}
	return &t, nil
}

func (r *AnomalyThresholdRepository) List(ctx context.Context, enabledOnly bool) ([]*models.AnomalyThreshold, error) {
	query := `SELECT ` + thresholdColumns + ` FROM anomaly_thresholds`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY metric_name, id`

	var thresholds []*models.AnomalyThreshold
	if err := r.db.SelectContext(ctx, &thresholds, query); err != nil {
		return nil, fmt.Errorf("failed to list anomaly thresholds: %w", err)
	}
	return thresholds, nil
}

func (r *AnomalyThresholdRepository) Update(ctx context.Context, t *models.AnomalyThreshold) error {
	t.UpdatedAtMs = time.Now().UnixMilli()
	result, err := r.db.NamedExecContext(ctx, `
		UPDATE anomaly_thresholds SET
			metric_name = :metric_name,
			operator = :operator,
			threshold_value = :threshold_value,
			severity = :severity,
			enabled = :enabled,
			description = :description,
			updated_at_ms = :updated_at_ms
		WHERE id = :id
	`, t)
	if err != nil {
		if isUniqueViolation(err) {
			return repositories.ErrDuplicate
		}
		return fmt.Errorf("failed to update anomaly threshold: %w", err)
	}
	return expectRow(result)
}

func (r *AnomalyThresholdRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM anomaly_thresholds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete anomaly threshold: %w", err)
	}
	return expectRow(result)
}

// AnomalyAlertRepository implements repositories.AnomalyAlertRepository
type AnomalyAlertRepository struct {
	db *sqlx.DB
}

// NewAnomalyAlertRepository creates a new AnomalyAlertRepository
func NewAnomalyAlertRepository(db *sqlx.DB) repositories.AnomalyAlertRepository {
	return &AnomalyAlertRepository{db: db}
}

func (r *AnomalyAlertRepository) Create(ctx context.Context, a *models.AnomalyAlert) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO anomaly_alerts (id, metric_name, observed_value, level, basis, threshold_id, operator,
			threshold_value, baseline_mean, baseline_stddev, deviation, percent_change, triggered_at_ms)
		VALUES (:id, :metric_name, :observed_value, :level, :basis, :threshold_id, :operator,
			:threshold_value, :baseline_mean, :baseline_stddev, :deviation, :percent_change, :triggered_at_ms)
	`, a)
	if err != nil {
		return fmt.Errorf("failed to store anomaly alert: %w", err)
	}
	return nil
}

func (r *AnomalyAlertRepository) List(ctx context.Context, filter models.AlertFilter) ([]*models.AnomalyAlert, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.MetricName != "" {
		where = append(where, "metric_name = ?")
		args = append(args, filter.MetricName)
	}
	if filter.Level != "" {
		where = append(where, "level = ?")
		args = append(args, filter.Level)
	}
	if filter.SinceMs > 0 {
		where = append(where, "triggered_at_ms >= ?")
		args = append(args, filter.SinceMs)
	}

	query := `SELECT id, metric_name, observed_value, level, basis, threshold_id, operator, threshold_value,
		baseline_mean, baseline_stddev, deviation, percent_change, triggered_at_ms FROM anomaly_alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY triggered_at_ms DESC LIMIT ?"
	args = append(args, limit)

	var alerts []*models.AnomalyAlert
	if err := r.db.SelectContext(ctx, &alerts, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list anomaly alerts: %w", err)
	}
	return alerts, nil
}

func (r *AnomalyAlertRepository) Summary(ctx context.Context, sinceMs int64) ([]*models.AlertSummary, error) {
	var summary []*models.AlertSummary
	err := r.db.SelectContext(ctx, &summary, `
		SELECT metric_name, level, COUNT(*) AS count,
			MAX(triggered_at_ms) AS last_triggered_at_ms,
			MAX(observed_value) AS max_observed
		FROM anomaly_alerts
		WHERE triggered_at_ms >= ?
		GROUP BY metric_name, level
		ORDER BY count DESC, metric_name
	`, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize anomaly alerts: %w", err)
	}
	return summary, nil
}

func (r *AnomalyAlertRepository) DeleteBefore(ctx context.Context, beforeMs int64) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM anomaly_alerts WHERE triggered_at_ms < ?`, beforeMs)
	if err != nil {
		return 0, fmt.Errorf("failed to delete anomaly alerts: %w", err)
	}
	return result.RowsAffected()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
