package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/frostdev-ops/trustgate/internal/config"
	"github.com/frostdev-ops/trustgate/internal/core/metrics"
	"github.com/frostdev-ops/trustgate/internal/core/signals"
	"github.com/frostdev-ops/trustgate/internal/core/throttle"
	"github.com/frostdev-ops/trustgate/internal/core/tracking"
	apperrors "github.com/frostdev-ops/trustgate/pkg/errors"
	"github.com/frostdev-ops/trustgate/pkg/logger"
	"github.com/frostdev-ops/trustgate/pkg/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Context keys set on admitted requests
const (
	ContextTrustLevel = "trust_level"
	ContextSignal     = "trust_signal"
)

// Decider resolves the effective throttle level for an identity.
type Decider interface {
	Decide(ctx context.Context, id throttle.Identity) (throttle.Decision, error)
}

// RequestTracker records a request against the aggregate store.
type RequestTracker interface {
	Track(ctx context.Context, sig signals.RequestSignal, denied bool) (tracking.TrackResult, error)
}

// AdmissionRecorder counts admission outcomes.
type AdmissionRecorder interface {
	RecordAdmission(decision string, level throttle.Level)
}

// Admission is the gate in front of protected routes.
type Admission struct {
	cfg       config.AdmissionConfig
	extractor *signals.Extractor
	engine    Decider
	tracker   RequestTracker
	limiter   *RateLimiter
	decisions *logger.DecisionLogger
	recorder  AdmissionRecorder
	logger    *logrus.Logger
	now       func() time.Time
}

// NewAdmission creates the gate. decisions and recorder may be nil.
func NewAdmission(
	cfg config.AdmissionConfig,
	extractor *signals.Extractor,
	engine Decider,
	tracker RequestTracker,
	limiter *RateLimiter,
	decisions *logger.DecisionLogger,
	recorder AdmissionRecorder,
	logger *logrus.Logger,
) *Admission {
	if limiter == nil {
		limiter = NewRateLimiter()
	}
	return &Admission{
		cfg:       cfg,
		extractor: extractor,
		engine:    engine,
		tracker:   tracker,
		limiter:   limiter,
		decisions: decisions,
		recorder:  recorder,
		logger:    logger,
		now:       time.Now,
	}
}

// Limiter exposes the session, client address and fingerprint buckets for pruning.
func (a *Admission) Limiter() *RateLimiter {
	return a.limiter
}

func (a *Admission) skip(path string) bool {
	for _, prefix := range a.cfg.SkipPaths {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Middleware returns the gin handler.
func (a *Admission) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.skip(c.Request.URL.Path) {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		sig := a.extractor.Extract(c.Request, a.now())
		if sig.SessionMinted {
			opts := a.extractor.Options()
			http.SetCookie(c.Writer, &http.Cookie{
				Name:     opts.SessionCookie,
				Value:    sig.SessionID,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
			c.Header(opts.SessionHeader, sig.SessionID)
		}

		id := throttle.Identity{SessionID: sig.SessionID, FingerprintHash: sig.FingerprintHash}
		decision, err := a.engine.Decide(ctx, id)
		outcome := ""
		if err != nil {
			if !a.cfg.FailOpen {
				a.logger.WithError(err).WithField("session_id", sig.SessionID).Error("Admission decision failed, refusing request")
				a.finish(c, sig, throttle.Normal, metrics.DecisionFailClosed, false)
				utils.SendError(c, http.StatusServiceUnavailable, "Trust decision unavailable")
				c.Abort()
				return
			}
			a.logger.WithError(err).WithField("session_id", sig.SessionID).Warn("Admission decision failed, admitting request")
			decision = throttle.Decision{Level: throttle.Normal, Source: "fail_open"}
			outcome = metrics.DecisionFailOpen
		}

		level := decision.Level
		c.Header("X-Trust-Level", level.String())

		if !level.AllowsRequests() {
			c.Header("X-RateLimit-Limit", "0")
			a.track(ctx, sig, true)
			a.finish(c, sig, level, metrics.DecisionBlocked, false)
			utils.SendError(c, http.StatusForbidden, "Access denied")
			c.Abort()
			return
		}

		multiplier := level.RateMultiplier()
		rate := a.cfg.BaseRate * multiplier
		c.Header("X-RateLimit-Limit", strconv.FormatFloat(rate, 'f', -1, 64))

		if !a.limiter.AllowAll(limitKeys(sig), rate, Capacity(a.cfg.Burst, multiplier)) {
			c.Header("Retry-After", strconv.Itoa(retryAfter(rate)))
			a.track(ctx, sig, true)
			a.finish(c, sig, level, metrics.DecisionRateLimited, false)
			utils.SendError(c, http.StatusTooManyRequests, "Rate limit exceeded")
			c.Abort()
			return
		}

		if err := a.track(ctx, sig, false); err != nil && !a.cfg.FailOpen && apperrors.IsRetryable(err) {
			a.logger.WithError(err).WithField("session_id", sig.SessionID).Error("Request tracking failed, refusing request")
			a.finish(c, sig, level, metrics.DecisionFailClosed, false)
			utils.SendError(c, http.StatusServiceUnavailable, "Trust decision unavailable")
			c.Abort()
			return
		}
		if outcome == "" {
			outcome = metrics.DecisionAllowed
		}
		a.finish(c, sig, level, outcome, true)

		c.Set(ContextTrustLevel, level)
		c.Set(ContextSignal, sig)
		c.Next()
	}
}

func (a *Admission) track(ctx context.Context, sig signals.RequestSignal, denied bool) error {
	if a.tracker == nil {
		return nil
	}
	_, err := a.tracker.Track(ctx, sig, denied)
	if err != nil {
		a.logger.WithError(err).WithField("session_id", sig.SessionID).Warn("Failed to track request")
	}
	return err
}

// limitKeys are the buckets a request draws from. The client address and
// fingerprint buckets bound clients that never return their session cookie.
func limitKeys(sig signals.RequestSignal) []string {
	keys := []string{"session:" + sig.SessionID}
	if sig.ClientIP != "" {
		keys = append(keys, "ip:"+sig.ClientIP)
	}
	if sig.FingerprintHash != "" {
		keys = append(keys, "fp:"+sig.FingerprintHash)
	}
	return keys
}

func (a *Admission) finish(c *gin.Context, sig signals.RequestSignal, level throttle.Level, outcome string, allowed bool) {
	if a.recorder != nil {
		a.recorder.RecordAdmission(outcome, level)
	}
	if a.decisions != nil {
		a.decisions.LogDecision(allowed, level.String(), logrus.Fields{
			"session_id":       sig.SessionID,
			"fingerprint_hash": sig.FingerprintHash,
			"client_ip":        sig.ClientIP,
			"method":           sig.Method,
			"path":             c.Request.URL.Path,
			"decision":         outcome,
		})
	}
}

// retryAfter is the whole seconds until one token refills.
func retryAfter(rate float64) int {
	if rate <= 0 {
		return 60
	}
	secs := int(1/rate + 0.999)
	if secs < 1 {
		secs = 1
	}
	return secs
}
