package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/frostdev-ops/trustgate/internal/database/models"
	"github.com/frostdev-ops/trustgate/internal/database/repositories"
	"github.com/jmoiron/sqlx"
)

// SettingsRepository implements repositories.SettingsRepository
type SettingsRepository struct {
	db *sqlx.DB
}

// NewSettingsRepository creates a new SettingsRepository
func NewSettingsRepository(db *sqlx.DB) repositories.SettingsRepository {
	return &SettingsRepository{db: db}
}

func (r *SettingsRepository) Get(ctx context.Context, key string) (*models.TrustSetting, error) {
	setting := &models.TrustSetting{}
	err := r.db.GetContext(ctx, setting, `
		SELECT key, value, updated_by, revision, updated_at_ms
		FROM trust_settings
		WHERE key = ?
	`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repositories.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trust setting %s: %w", key, err)
	}
	return setting, nil
}

// Put writes the value and bumps the revision in one statement.
func (r *SettingsRepository) Put(ctx context.Context, setting *models.TrustSetting) error {
	if setting.UpdatedAtMs == 0 {
		setting.UpdatedAtMs = time.Now().UnixMilli()
	}

	err := r.db.GetContext(ctx, &setting.Revision, `
		INSERT INTO trust_settings (key, value, updated_by, revision, updated_at_ms)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_by = excluded.updated_by,
			revision = trust_settings.revision + 1,
			updated_at_ms = excluded.updated_at_ms
		RETURNING revision
	`, setting.Key, setting.Value, setting.UpdatedBy, setting.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("failed to put trust setting %s: %w", setting.Key, err)
	}
	return nil
}

func (r *SettingsRepository) List(ctx context.Context) ([]*models.TrustSetting, error) {
	settings := []*models.TrustSetting{}
	err := r.db.SelectContext(ctx, &settings, `
		SELECT key, value, updated_by, revision, updated_at_ms
		FROM trust_settings
		ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list trust settings: %w", err)
	}
	return settings, nil
}

func (r *SettingsRepository) Delete(ctx context.Context, key string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM trust_settings WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete trust setting %s: %w", key, err)
	}
	return expectRow(result)
}
