package tracking

import (
	"context"
	"errors"
	"fmt"

	"github.com/frostdev-ops/trustgate/internal/core/signals"
	"github.com/frostdev-ops/trustgate/internal/database/models"
	"github.com/frostdev-ops/trustgate/internal/database/repositories"
	apperrors "github.com/frostdev-ops/trustgate/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Enqueuer schedules a session for behavioral analysis.
type Enqueuer interface {
	Enqueue(sessionID string) bool
}

// Tracker folds request signals into the session and fingerprint aggregates.
// All writes are single increment-in-place statements in the store.
type Tracker struct {
	sessions     repositories.SessionRepository
	stats        repositories.StatsRepository
	analyzer     Enqueuer
	analyzeEvery int64
	logger       *logrus.Logger
}

// NewTracker creates a tracker that enqueues a session for analysis on every
// analyzeEvery-th request. analyzer may be nil.
func NewTracker(
	sessions repositories.SessionRepository,
	stats repositories.StatsRepository,
	analyzer Enqueuer,
	analyzeEvery int64,
	logger *logrus.Logger,
) *Tracker {
	if analyzeEvery <= 0 {
		analyzeEvery = 10
	}
	return &Tracker{
		sessions:     sessions,
		stats:        stats,
		analyzer:     analyzer,
		analyzeEvery: analyzeEvery,
		logger:       logger,
	}
}

// TrackResult reports what one Track call did.
type TrackResult struct {
	SessionCreated bool  `json:"session_created"`
	RequestCount   int64 `json:"request_count"`
	Enqueued       bool  `json:"enqueued"`
}

// Track records one observed request. The session row is created on the
// first request, which also counts the session against its fingerprint.
// Storage failures are returned as retryable errors.
func (t *Tracker) Track(ctx context.Context, sig signals.RequestSignal, denied bool) (TrackResult, error) {
	var res TrackResult
	atMs := sig.At.UnixMilli()

	count, err := t.sessions.RecordRequest(ctx, sig.SessionID, atMs)
	if errors.Is(err, repositories.ErrNotFound) {
		res.SessionCreated, err = t.sessions.Create(ctx, &models.Session{
			SessionID:        sig.SessionID,
			FingerprintHash:  sig.FingerprintHash,
			ClientIP:         sig.ClientIP,
			UserAgent:        sig.UserAgent,
			BrowserName:      sig.Browser.Name,
			BrowserVersion:   sig.Browser.Version,
			CreatedAtMs:      atMs,
			LastActivityAtMs: atMs,
		})
		if err != nil {
			return res, apperrors.Retryable(err)
		}
		count, err = t.sessions.RecordRequest(ctx, sig.SessionID, atMs)
	}
	if err != nil {
		return res, apperrors.Retryable(fmt.Errorf("failed to record request: %w", err))
	}
	res.RequestCount = count

	if sig.PageSlug != "" {
		if err := t.sessions.RecordPageView(ctx, sig.SessionID, sig.PageSlug, atMs); err != nil {
			return res, apperrors.Retryable(fmt.Errorf("failed to record page view: %w", err))
		}
	}

	if err := t.stats.IncrementTraffic(ctx, atMs, denied); err != nil {
		// platform counters feed anomaly detection only
		t.logger.WithError(err).Warn("Failed to count request in traffic bucket")
	}

	if res.SessionCreated {
		t.logger.WithFields(logrus.Fields{
			"session_id":       sig.SessionID,
			"fingerprint_hash": sig.FingerprintHash,
			"browser":          sig.Browser.Name,
		}).Debug("Session created")
	}

	if t.analyzer != nil && count%t.analyzeEvery == 0 {
		res.Enqueued = t.analyzer.Enqueue(sig.SessionID)
	}

	return res, nil
}
