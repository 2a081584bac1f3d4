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

const sessionColumns = `session_id, fingerprint_hash, client_ip, user_agent, browser_name, browser_version,
	request_count, page_views, unique_pages_visited, interval_count, interval_sum_ms, interval_sum_sq_ms,
	first_page_at_ms, last_page_at_ms, behavioral_score, triggered_signals, is_behavioral_bot,
	throttle_level, level_changed_at_ms, analyzed_at_ms, created_at_ms, last_activity_at_ms`

// upsertFingerprintSQL counts one new session against a fingerprint.
const upsertFingerprintSQL = `
	INSERT INTO fingerprints (fingerprint_hash, total_sessions, first_seen_at_ms, last_seen_at_ms)
	VALUES (?1, 1, ?2, ?2)
	ON CONFLICT(fingerprint_hash) DO UPDATE SET
		total_sessions = total_sessions + 1,
		last_seen_at_ms = MAX(last_seen_at_ms, excluded.last_seen_at_ms)
`

// recordRequestSQL folds one request into the counters. The interval to the
// previous request only counts once a request has been seen and when the new
// timestamp is not older than the last one; all right-hand sides read the
// pre-update row.
const recordRequestSQL = `
	UPDATE sessions SET
		request_count = request_count + 1,
		interval_count = interval_count +
			CASE WHEN request_count > 0 AND ?1 >= last_activity_at_ms THEN 1 ELSE 0 END,
		interval_sum_ms = interval_sum_ms +
			CASE WHEN request_count > 0 AND ?1 >= last_activity_at_ms THEN ?1 - last_activity_at_ms ELSE 0 END,
		interval_sum_sq_ms = interval_sum_sq_ms +
			CASE WHEN request_count > 0 AND ?1 >= last_activity_at_ms
				THEN CAST(?1 - last_activity_at_ms AS REAL) * (?1 - last_activity_at_ms) ELSE 0 END,
		last_activity_at_ms = MAX(last_activity_at_ms, ?1)
	WHERE session_id = ?2
	RETURNING request_count
`

// SessionRepository implements repositories.SessionRepository
type SessionRepository struct {
	db  *sqlx.DB
	log *logrus.Logger
}

// NewSessionRepository creates a new SessionRepository
func NewSessionRepository(db *sqlx.DB, log *logrus.Logger) repositories.SessionRepository {
	return &SessionRepository{db: db, log: log}
}

func (r *SessionRepository) Create(ctx context.Context, s *models.Session) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin session transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, fingerprint_hash, client_ip, user_agent, browser_name,
			browser_version, created_at_ms, last_activity_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING
	`,
		s.SessionID,
		s.FingerprintHash,
		s.ClientIP,
		s.UserAgent,
		s.BrowserName,
		s.BrowserVersion,
		s.CreatedAtMs,
		s.LastActivityAtMs,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create session: %w", err)
	}

	created, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if created == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, upsertFingerprintSQL, s.FingerprintHash, s.CreatedAtMs); err != nil {
		return false, fmt.Errorf("failed to upsert fingerprint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit session: %w", err)
	}

	return true, nil
}

func (r *SessionRepository) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	var session models.Session
	err := r.db.GetContext(ctx, &session, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repositories.ErrNotFound
	}
	if err != nil {
		r.log.WithError(err).WithField("session_id", sessionID).Error("Failed to get session")
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

func (r *SessionRepository) RecordRequest(ctx context.Context, sessionID string, atMs int64) (int64, error) {
	var count int64
	err := r.db.QueryRowxContext(ctx, recordRequestSQL, atMs, sessionID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, repositories.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to record request: %w", err)
	}
	return count, nil
}

func (r *SessionRepository) RecordPageView(ctx context.Context, sessionID, pageSlug string, atMs int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin page view transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			page_views = page_views + 1,
			first_page_at_ms = MIN(COALESCE(first_page_at_ms, ?1), ?1),
			last_page_at_ms = MAX(COALESCE(last_page_at_ms, ?1), ?1)
		WHERE session_id = ?2
	`, atMs, sessionID)
	if err != nil {
		return fmt.Errorf("failed to record page view: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return repositories.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_pages (session_id, page_slug, first_viewed_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id, page_slug) DO UPDATE SET view_count = view_count + 1
	`, sessionID, pageSlug, atMs); err != nil {
		return fmt.Errorf("failed to record session page: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET unique_pages_visited = (SELECT COUNT(*) FROM session_pages WHERE session_id = ?1)
		WHERE session_id = ?1
	`, sessionID); err != nil {
		return fmt.Errorf("failed to refresh unique pages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit page view: %w", err)
	}
	return nil
}

func (r *SessionRepository) PagePath(ctx context.Context, sessionID string, limit int) ([]string, error) {
	var path []string
	err := r.db.SelectContext(ctx, &path, `
		SELECT page_slug FROM session_pages
		WHERE session_id = ?
		ORDER BY first_viewed_at_ms, id
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get page path: %w", err)
	}
	return path, nil
}

func (r *SessionRepository) SaveAnalysis(ctx context.Context, sessionID string, score int, signals int64, isBot bool, atMs int64) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			behavioral_score = ?,
			triggered_signals = ?,
			is_behavioral_bot = ?,
			analyzed_at_ms = ?
		WHERE session_id = ?
	`, score, signals, isBot, atMs, sessionID)
	if err != nil {
		return fmt.Errorf("failed to save analysis: %w", err)
	}
	return expectRow(result)
}

func (r *SessionRepository) SetThrottleLevel(ctx context.Context, sessionID string, level int, atMs int64) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET throttle_level = ?, level_changed_at_ms = ?
		WHERE session_id = ?
	`, level, atMs, sessionID)
	if err != nil {
		return fmt.Errorf("failed to set session throttle level: %w", err)
	}
	return expectRow(result)
}

func (r *SessionRepository) ListActiveSince(ctx context.Context, sinceMs int64, limit int) ([]*models.Session, error) {
	var sessions []*models.Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE last_activity_at_ms >= ?
		ORDER BY last_activity_at_ms DESC
		LIMIT ?
	`, sinceMs, limit)
	if err != nil {
		r.log.WithError(err).Error("Failed to list active sessions")
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	return sessions, nil
}

func (r *SessionRepository) ListByFingerprint(ctx context.Context, fingerprintHash string, limit int) ([]*models.Session, error) {
	var sessions []*models.Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE fingerprint_hash = ?
		ORDER BY created_at_ms DESC
		LIMIT ?
	`, fingerprintHash, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list fingerprint sessions: %w", err)
	}
	return sessions, nil
}

func (r *SessionRepository) DeleteIdle(ctx context.Context, beforeMs int64) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE last_activity_at_ms < ?`, beforeMs)
	if err != nil {
		return 0, fmt.Errorf("failed to delete idle sessions: %w", err)
	}
	return result.RowsAffected()
}

func expectRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return repositories.ErrNotFound
	}
	return nil
}
