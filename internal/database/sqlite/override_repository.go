package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/frostdev-ops/trustgate/internal/database/models"
	"github.com/frostdev-ops/trustgate/internal/database/repositories"
	"github.com/jmoiron/sqlx"
)

// OverrideRepository implements repositories.OverrideRepository
type OverrideRepository struct {
	db *sqlx.DB
}

// NewOverrideRepository creates a new OverrideRepository
func NewOverrideRepository(db *sqlx.DB) repositories.OverrideRepository {
	return &OverrideRepository{db: db}
}

// Set creates or replaces the override for an identity
func (r *OverrideRepository) Set(ctx context.Context, o *models.ThrottleOverride) error {
	query := `
		INSERT INTO throttle_overrides (identity_kind, identity_key, level, reason, created_by, created_at_ms, expires_at_ms)
		VALUES (:identity_kind, :identity_key, :level, :reason, :created_by, :created_at_ms, :expires_at_ms)
		ON CONFLICT(identity_kind, identity_key) DO UPDATE SET
			level = excluded.level,
			reason = excluded.reason,
			created_by = excluded.created_by,
			created_at_ms = excluded.created_at_ms,
			expires_at_ms = excluded.expires_at_ms
	`
	if _, err := r.db.NamedExecContext(ctx, query, o); err != nil {
		return fmt.Errorf("failed to set throttle override: %w", err)
	}
	return nil
}

// Get retrieves the override for an identity
func (r *OverrideRepository) Get(ctx context.Context, kind models.IdentityKind, key string) (*models.ThrottleOverride, error) {
	var o models.ThrottleOverride
	err := r.db.GetContext(ctx, &o, `
		SELECT identity_kind, identity_key, level, reason, created_by, created_at_ms, expires_at_ms
		FROM throttle_overrides
		WHERE identity_kind = ? AND identity_key = ?
	`, string(kind), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repositories.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get throttle override: %w", err)
	}
	return &o, nil
}

// Delete removes the override for an identity
func (r *OverrideRepository) Delete(ctx context.Context, kind models.IdentityKind, key string) error {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM throttle_overrides WHERE identity_kind = ? AND identity_key = ?
	`, string(kind), key)
	if err != nil {
		return fmt.Errorf("failed to delete throttle override: %w", err)
	}
	return expectRow(result)
}

// List returns every override, newest first
func (r *OverrideRepository) List(ctx context.Context) ([]*models.ThrottleOverride, error) {
	var overrides []*models.ThrottleOverride
	err := r.db.SelectContext(ctx, &overrides, `
		SELECT identity_kind, identity_key, level, reason, created_by, created_at_ms, expires_at_ms
		FROM throttle_overrides
		ORDER BY created_at_ms DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list throttle overrides: %w", err)
	}
	return overrides, nil
}

// DeleteExpired removes overrides whose expiry has passed
func (r *OverrideRepository) DeleteExpired(ctx context.Context, nowMs int64) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM throttle_overrides WHERE expires_at_ms IS NOT NULL AND expires_at_ms <= ?
	`, nowMs)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired overrides: %w", err)
	}
	return result.RowsAffected()
}
