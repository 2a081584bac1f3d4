package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/frostdev-ops/trustgate/internal/core/behavior"
	"github.com/frostdev-ops/trustgate/internal/core/throttle"
	"github.com/frostdev-ops/trustgate/internal/database/models"
	"github.com/frostdev-ops/trustgate/internal/database/repositories"
	"github.com/sirupsen/logrus"
)

// Escalator turns a fresh behavioral score into persisted throttle levels.
type Escalator interface {
	Recompute(ctx context.Context, id throttle.Identity, score int) (throttle.Transition, error)
}

// Recorder receives analyzer metrics.
type Recorder interface {
	RecordDetection(score int, isBot bool, duration time.Duration)
	RecordAnalysisDropped()
	SetAnalysisQueueDepth(depth int)
}

// Analysis is the outcome of analyzing one session.
type Analysis struct {
	SessionID       string              `json:"session_id"`
	FingerprintHash string              `json:"fingerprint_hash"`
	Result          behavior.Result     `json:"result"`
	Transition      throttle.Transition `json:"transition"`
	NewFlags        []models.FlagReason `json:"new_flags,omitempty"`
	AnalyzedAt      time.Time           `json:"analyzed_at"`
}

// AnalyzerConfig sizes the worker pool and the sweep.
type AnalyzerConfig struct {
	Workers       int
	QueueSize     int
	SweepLookback time.Duration
	SweepBatch    int
}

// Analyzer runs the behavioral detector over stored session aggregates and
// feeds the score into the throttle engine. Work arrives through Enqueue
// (bounded, deduplicated, processed by a fixed worker pool) or through Sweep.
type Analyzer struct {
	sessions     repositories.SessionRepository
	fingerprints repositories.FingerprintRepository
	detector     *behavior.Detector
	settings     func() behavior.Settings
	escalator    Escalator
	recorder     Recorder
	config       AnalyzerConfig
	logger       *logrus.Logger
	now          func() time.Time

	queue   chan string
	mu      sync.Mutex
	pending map[string]struct{}
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewAnalyzer(
	sessions repositories.SessionRepository,
	fingerprints repositories.FingerprintRepository,
	detector *behavior.Detector,
	settings func() behavior.Settings,
	escalator Escalator,
	config AnalyzerConfig,
	logger *logrus.Logger,
) *Analyzer {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if config.SweepBatch <= 0 {
		config.SweepBatch = 500
	}
	if config.SweepLookback <= 0 {
		config.SweepLookback = 2 * time.Minute
	}
	if detector == nil {
		detector = behavior.NewDetector(nil)
	}
	return &Analyzer{
		sessions:     sessions,
		fingerprints: fingerprints,
		detector:     detector,
		settings:     settings,
		escalator:    escalator,
		config:       config,
		logger:       logger,
		now:          time.Now,
		queue:        make(chan string, config.QueueSize),
		pending:      make(map[string]struct{}),
	}
}

// SetRecorder attaches metrics. Call before Start.
func (a *Analyzer) SetRecorder(r Recorder) {
	a.recorder = r
}

// Start launches the worker pool.
func (a *Analyzer) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return fmt.Errorf("analyzer is already running")
	}

	ctx, a.cancel = context.WithCancel(ctx)
	for i := 0; i < a.config.Workers; i++ {
		worker := a.logger.WithField("worker_id", fmt.Sprintf("analyzer_%d", i+1))
		a.wg.Add(1)
		go a.work(ctx, worker)
	}
	a.running = true

	a.logger.WithFields(logrus.Fields{
		"workers":    a.config.Workers,
		"queue_size": a.config.QueueSize,
	}).Info("Session analyzer started")
	return nil
}

// Stop cancels in-flight analyses and waits for the workers to exit.
// Queued sessions are left for the next sweep.
func (a *Analyzer) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.cancel()
	a.mu.Unlock()

	a.wg.Wait()
	a.logger.Info("Session analyzer stopped")
}

// Enqueue schedules sessionID for analysis. It never blocks: a session that
// is already queued is not queued twice, and a full queue drops the request.
func (a *Analyzer) Enqueue(sessionID string) bool {
	a.mu.Lock()
	if _, queued := a.pending[sessionID]; queued {
		a.mu.Unlock()
		return true
	}

	select {
	case a.queue <- sessionID:
		a.pending[sessionID] = struct{}{}
		a.mu.Unlock()
	default:
		a.mu.Unlock()
		if a.recorder != nil {
			a.recorder.RecordAnalysisDropped()
		}
		a.logger.WithField("session_id", sessionID).Warn("Analysis queue full, dropping request")
		return false
	}

	if a.recorder != nil {
		a.recorder.SetAnalysisQueueDepth(len(a.queue))
	}
	return true
}

// QueueDepth returns the number of sessions waiting for a worker.
func (a *Analyzer) QueueDepth() int {
	return len(a.queue)
}

func (a *Analyzer) work(ctx context.Context, logger *logrus.Entry) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case sessionID := <-a.queue:
			a.mu.Lock()
			delete(a.pending, sessionID)
			a.mu.Unlock()
			if a.recorder != nil {
				a.recorder.SetAnalysisQueueDepth(len(a.queue))
			}

			if _, err := a.AnalyzeSession(ctx, sessionID); err != nil && ctx.Err() == nil {
				logger.WithError(err).WithField("session_id", sessionID).Error("Session analysis failed")
			}
		}
	}
}

// AnalyzeSession scores one session, persists the result, flags its
// fingerprint on a bot verdict and recomputes the throttle levels.
func (a *Analyzer) AnalyzeSession(ctx context.Context, sessionID string) (*Analysis, error) {
	start := time.Now()
	settings := a.settings()

	session, err := a.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	path, err := a.sessions.PagePath(ctx, sessionID, settings.Navigation.MaxPath)
	if err != nil {
		// navigation evidence is optional
		a.logger.WithError(err).WithField("session_id", sessionID).Warn("Failed to load page path")
		path = nil
	}

	var fingerprintSessions int64
	if session.FingerprintHash != "" {
		fp, err := a.fingerprints.Get(ctx, session.FingerprintHash)
		switch {
		case err == nil:
			fingerprintSessions = fp.TotalSessions
		case !errors.Is(err, repositories.ErrNotFound):
			a.logger.WithError(err).WithField("fingerprint_hash", session.FingerprintHash).Warn("Failed to load fingerprint")
		}
	}

	input := behavior.InputFromSession(session, path, fingerprintSessions, settings.MinPageRateWindow)
	result := a.detector.Analyze(input, settings)
	now := a.now()

	if err := a.sessions.SaveAnalysis(ctx, sessionID, result.Score, int64(result.Triggered), result.IsBot, now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("failed to save analysis: %w", err)
	}

	analysis := &Analysis{
		SessionID:       sessionID,
		FingerprintHash: session.FingerprintHash,
		Result:          result,
		AnalyzedAt:      now,
	}

	// flag before recomputing so the new flag counts toward flag bands
	if result.IsBot {
		if err := a.flag(ctx, analysis, models.FlagBehavioralBot, now); err != nil {
			return analysis, err
		}
	}

	if a.escalator != nil {
		id := throttle.Identity{SessionID: sessionID, FingerprintHash: session.FingerprintHash}
		analysis.Transition, err = a.escalator.Recompute(ctx, id, result.Score)
		if err != nil {
			return analysis, fmt.Errorf("failed to recompute throttle level: %w", err)
		}
		if analysis.Transition.EnteredBlocked() {
			if err := a.flag(ctx, analysis, models.FlagThrottleBlocked, now); err != nil {
				return analysis, err
			}
		}
	}

	if a.recorder != nil {
		a.recorder.RecordDetection(result.Score, result.IsBot, time.Since(start))
	}

	fields := logrus.Fields{
		"session_id": sessionID,
		"score":      result.Score,
		"signals":    result.Triggered.Names(),
		"is_bot":     result.IsBot,
	}
	if result.IsBot {
		a.logger.WithFields(fields).Info("Behavioral bot detected")
	} else {
		a.logger.WithFields(fields).Debug("Session analyzed")
	}

	return analysis, nil
}

func (a *Analyzer) flag(ctx context.Context, analysis *Analysis, reason models.FlagReason, now time.Time) error {
	if analysis.FingerprintHash == "" {
		return nil
	}
	added, err := a.fingerprints.Flag(ctx, analysis.FingerprintHash, reason, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to flag fingerprint: %w", err)
	}
	if added {
		analysis.NewFlags = append(analysis.NewFlags, reason)
		a.logger.WithFields(logrus.Fields{
			"fingerprint_hash": analysis.FingerprintHash,
			"reason":           reason,
		}).Info("Fingerprint flagged")
	}
	return nil
}

// SweepReport summarises one sweep.
type SweepReport struct {
	Analyzed int `json:"analyzed"`
	Bots     int `json:"bots"`
	Failed   int `json:"failed"`
}

// Sweep analyzes every session active within the lookback window, so that
// sessions that went quiet between analysis boundaries are still scored.
// A failing session is logged and skipped.
func (a *Analyzer) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	since := a.now().Add(-a.config.SweepLookback).UnixMilli()
	sessions, err := a.sessions.ListActiveSince(ctx, since, a.config.SweepBatch)
	if err != nil {
		return report, err
	}

	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		analysis, err := a.AnalyzeSession(ctx, s.SessionID)
		if err != nil {
			report.Failed++
			a.logger.WithError(err).WithField("session_id", s.SessionID).Warn("Sweep analysis failed")
			continue
		}
		report.Analyzed++
		if analysis.Result.IsBot {
			report.Bots++
		}
	}

	a.logger.WithFields(logrus.Fields{
		"analyzed": report.Analyzed,
		"bots":     report.Bots,
		"failed":   report.Failed,
	}).Debug("Session sweep completed")

	return report, nil
}
