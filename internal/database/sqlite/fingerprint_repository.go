package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/frostdev-ops/trustgate/internal/database/models"
	"github.com/frostdev-ops/trustgate/internal/database/repositories"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

const fingerprintColumns = `fingerprint_hash, total_sessions, flagged_count, throttle_level,
	level_changed_at_ms, first_seen_at_ms, last_seen_at_ms`

// FingerprintRepository implements repositories.FingerprintRepository
type FingerprintRepository struct {
	db  *sqlx.DB
	log *logrus.Logger
}

// NewFingerprintRepository creates a new FingerprintRepository
func NewFingerprintRepository(db *sqlx.DB, log *logrus.Logger) repositories.FingerprintRepository {
	return &FingerprintRepository{db: db, log: log}
}

func (r *FingerprintRepository) Upsert(ctx context.Context, fingerprintHash string, atMs int64) error {
	if _, err := r.db.ExecContext(ctx, upsertFingerprintSQL, fingerprintHash, atMs); err != nil {
		return fmt.Errorf("failed to upsert fingerprint: %w", err)
	}
	return nil
}

func (r *FingerprintRepository) Get(ctx context.Context, fingerprintHash string) (*models.FingerprintReputation, error) {
	var fp models.FingerprintReputation
	err := r.db.GetContext(ctx, &fp, `SELECT `+fingerprintColumns+` FROM fingerprints WHERE fingerprint_hash = ?`, fingerprintHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repositories.ErrNotFound
	}
	if err != nil {
		r.log.WithError(err).WithField("fingerprint", fingerprintHash).Error("Failed to get fingerprint")
		return nil, fmt.Errorf("failed to get fingerprint: %w", err)
	}

	if err := r.db.SelectContext(ctx, &fp.Flags, `
		SELECT reason FROM fingerprint_flags
		WHERE fingerprint_hash = ?
		ORDER BY first_flagged_at_ms, reason
	`, fingerprintHash); err != nil {
		return nil, fmt.Errorf("failed to get fingerprint flags: %w", err)
	}

	return &fp, nil
}

// Flag adds reason to the fingerprint's flag set. flagged_count only moves
// when the reason is new; repeat flags refresh last_flagged_at_ms.
func (r *FingerprintRepository) Flag(ctx context.Context, fingerprintHash string, reason models.FlagReason, atMs int64) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin flag transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fingerprints (fingerprint_hash, total_sessions, first_seen_at_ms, last_seen_at_ms)
		VALUES (?1, 0, ?2, ?2)
		ON CONFLICT(fingerprint_hash) DO UPDATE SET
			last_seen_at_ms = MAX(last_seen_at_ms, excluded.last_seen_at_ms)
	`, fingerprintHash, atMs); err != nil {
		return false, fmt.Errorf("failed to ensure fingerprint: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO fingerprint_flags (fingerprint_hash, reason, first_flagged_at_ms, last_flagged_at_ms)
		VALUES (?1, ?2, ?3, ?3)
		ON CONFLICT(fingerprint_hash, reason) DO NOTHING
	`, fingerprintHash, string(reason), atMs)
	if err != nil {
		return false, fmt.Errorf("failed to record flag reason: %w", err)
	}
	added, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if added > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE fingerprints SET flagged_count = flagged_count + 1 WHERE fingerprint_hash = ?
		`, fingerprintHash)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE fingerprint_flags SET last_flagged_at_ms = MAX(last_flagged_at_ms, ?)
			WHERE fingerprint_hash = ? AND reason = ?
		`, atMs, fingerprintHash, string(reason))
	}
	if err != nil {
		return false, fmt.Errorf("failed to update flag bookkeeping: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit flag: %w", err)
	}
	return added > 0, nil
}

func (r *FingerprintRepository) SetThrottleLevel(ctx context.Context, fingerprintHash string, level int, atMs int64) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE fingerprints SET throttle_level = ?, level_changed_at_ms = ?
		WHERE fingerprint_hash = ?
	`, level, atMs, fingerprintHash)
	if err != nil {
		return fmt.Errorf("failed to set fingerprint throttle level: %w", err)
	}
	return expectRow(result)
}

func (r *FingerprintRepository) List(ctx context.Context, flaggedOnly bool, limit, offset int) ([]*models.FingerprintReputation, error) {
	query := `SELECT ` + fingerprintColumns + ` FROM fingerprints`
	if flaggedOnly {
		query += ` WHERE flagged_count > 0`
	}
	query += ` ORDER BY last_seen_at_ms DESC LIMIT ? OFFSET ?`

	var fps []*models.FingerprintReputation
	if err := r.db.SelectContext(ctx, &fps, query, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list fingerprints: %w", err)
	}
	return fps, nil
}
