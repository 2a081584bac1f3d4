package handlers

import (
	"net/http"
	"time"

	"github.com/frostdev-ops/trustgate/internal/core/behavior"
	"github.com/frostdev-ops/trustgate/internal/core/throttle"
	"github.com/frostdev-ops/trustgate/internal/database/models"
	"github.com/frostdev-ops/trustgate/pkg/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SessionView is a stored session with its derived statistics.
type SessionView struct {
	*models.Session
	Level            throttle.Level     `json:"level"`
	TriggeredSignals []string           `json:"triggered_signals"`
	Timing           models.TimingStats `json:"timing"`
	PagesPerMinute   *float64           `json:"pages_per_minute,omitempty"`
}

func (h *Handlers) sessionView(s *models.Session) SessionView {
	view := SessionView{
		Session:          s,
		Level:            throttle.Level(s.ThrottleLevel),
		TriggeredSignals: behavior.SignalSet(s.TriggeredSignals).Names(),
		Timing:           s.Timing(),
	}
	if ppm, ok := s.PagesPerMinute(h.settings.Detector().MinPageRateWindow); ok {
		view.PagesPerMinute = &ppm
	}
	return view
}

// ListSessions lists sessions active within the "since" window
func (h *Handlers) ListSessions(c *gin.Context) {
	since, ok := queryDuration(c, "since", 15*time.Minute)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", 100, 1000)
	if !ok {
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	sessions, err := h.repos.Sessions.ListActiveSince(ctx, time.Now().Add(-since).UnixMilli(), limit)
	if err != nil {
		h.sendFailure(c, err, "list sessions", "")
		return
	}

	views := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, h.sessionView(s))
	}
	utils.SendSuccessWithMeta(c, views, gin.H{
		"count": len(views),
		"since": since.String(),
	})
}

// GetSession retrieves one session with its current decision
func (h *Handlers) GetSession(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	session, err := h.repos.Sessions.Get(ctx, c.Param("id"))
	if err != nil {
		h.sendFailure(c, err, "get session", "Session not found")
		return
	}

	path, err := h.repos.Sessions.PagePath(ctx, session.SessionID, h.settings.Detector().Navigation.MaxPath)
	if err != nil {
		h.logger.WithError(err).WithField("session_id", session.SessionID).Warn("Failed to load page path")
	}

	decision, err := h.engine.Decide(ctx, throttle.Identity{
		SessionID:       session.SessionID,
		FingerprintHash: session.FingerprintHash,
	})
	if err != nil {
		h.sendFailure(c, err, "resolve throttle decision", "Session not found")
		return
	}

	utils.SendSuccess(c, gin.H{
		"session":   h.sessionView(session),
		"page_path": path,
		"decision":  decision,
	})
}

// AnalyzeSession runs the detector over a session now and applies the
// resulting escalation
func (h *Handlers) AnalyzeSession(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	analysis, err := h.analyzer.AnalyzeSession(ctx, c.Param("id"))
	if err != nil {
		h.sendFailure(c, err, "analyze session", "Session not found")
		return
	}

	utils.SendSuccess(c, analysis)
}

// ListFingerprints lists fingerprint reputations, optionally flagged only
func (h *Handlers) ListFingerprints(c *gin.Context) {
	flaggedOnly := c.Query("flagged") == "true"
	limit, ok := queryInt(c, "limit", 100, 1000)
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset", 0, 1<<30)
	if !ok {
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	fingerprints, err := h.repos.Fingerprints.List(ctx, flaggedOnly, limit, offset)
	if err != nil {
		h.sendFailure(c, err, "list fingerprints", "")
		return
	}

	utils.SendSuccessWithMeta(c, fingerprints, gin.H{
		"count":   len(fingerprints),
		"flagged": flaggedOnly,
		"limit":   limit,
		"offset":  offset,
	})
}

// GetFingerprint retrieves a fingerprint's reputation and its sessions
func (h *Handlers) GetFingerprint(c *gin.Context) {
	hash := c.Param("hash")

	ctx, cancel := requestContext(c)
	defer cancel()

	fingerprint, err := h.repos.Fingerprints.Get(ctx, hash)
	if err != nil {
		h.sendFailure(c, err, "get fingerprint", "Fingerprint not found")
		return
	}

	sessions, err := h.repos.Sessions.ListByFingerprint(ctx, hash, 50)
	if err != nil {
		h.sendFailure(c, err, "list fingerprint sessions", "")
		return
	}
	views := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, h.sessionView(s))
	}

	utils.SendSuccess(c, gin.H{
		"fingerprint": fingerprint,
		"level":       throttle.Level(fingerprint.ThrottleLevel),
		"sessions":    views,
	})
}

// FlagFingerprint adds a flag reason to a known fingerprint. Flag bands
// apply at the fingerprint's next recomputation.
func (h *Handlers) FlagFingerprint(c *gin.Context) {
	var request struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		utils.SendError(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	reason := models.FlagReason(request.Reason)
	if reason == "" {
		reason = models.FlagManual
	}
	if !reason.Valid() {
		utils.SendError(c, http.StatusBadRequest, "Unknown flag reason")
		return
	}

	hash := c.Param("hash")
	ctx, cancel := requestContext(c)
	defer cancel()

	if _, err := h.repos.Fingerprints.Get(ctx, hash); err != nil {
		h.sendFailure(c, err, "get fingerprint", "Fingerprint not found")
		return
	}

	added, err := h.repos.Fingerprints.Flag(ctx, hash, reason, time.Now().UnixMilli())
	if err != nil {
		h.sendFailure(c, err, "flag fingerprint", "Fingerprint not found")
		return
	}

	h.logger.WithFields(logrus.Fields{
		"fingerprint_hash": hash,
		"reason":           reason,
		"added":            added,
	}).Info("Fingerprint flagged by operator")

	utils.SendSuccess(c, gin.H{
		"fingerprint_hash": hash,
		"reason":           reason,
		"added":            added,
	})
}
