package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/frostdev-ops/trustgate/internal/config"
	"github.com/frostdev-ops/trustgate/internal/core/metrics"
	"github.com/frostdev-ops/trustgate/internal/core/signals"
	"github.com/frostdev-ops/trustgate/internal/core/throttle"
	"github.com/frostdev-ops/trustgate/internal/core/tracking"
	apperrors "github.com/frostdev-ops/trustgate/pkg/errors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDecider struct {
	level throttle.Level
	err   error
	calls int
}

func (f *fakeDecider) Decide(_ context.Context, _ throttle.Identity) (throttle.Decision, error) {
	f.calls++
	if f.err != nil {
		return throttle.Decision{Level: throttle.Normal}, f.err
	}
	return throttle.Decision{Level: f.level, Source: "session"}, nil
}

type trackCall struct {
	sessionID string
	denied    bool
}

type fakeTracker struct {
	mu    sync.Mutex
	calls []trackCall
	err   error
}

func (f *fakeTracker) Track(_ context.Context, sig signals.RequestSignal, denied bool) (tracking.TrackResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, trackCall{sessionID: sig.SessionID, denied: denied})
	if f.err != nil {
		return tracking.TrackResult{}, f.err
	}
	return tracking.TrackResult{RequestCount: int64(len(f.calls))}, nil
}

type fakeAdmissionRecorder struct {
	outcomes []string
}

func (f *fakeAdmissionRecorder) RecordAdmission(decision string, _ throttle.Level) {
	f.outcomes = append(f.outcomes, decision)
}

type gateFixture struct {
	router   *gin.Engine
	decider  *fakeDecider
	tracker  *fakeTracker
	recorder *fakeAdmissionRecorder
	gate     *Admission
}

func newGate(t *testing.T, cfg config.AdmissionConfig) *gateFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	f := &gateFixture{
		decider:  &fakeDecider{},
		tracker:  &fakeTracker{},
		recorder: &fakeAdmissionRecorder{},
	}

	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter()
	limiter.now = func() time.Time { return frozen }

	f.gate = NewAdmission(cfg, signals.NewExtractor(signals.DefaultOptions()), f.decider, f.tracker,
		limiter, nil, f.recorder, logger)
	f.gate.now = func() time.Time { return frozen }

	f.router = gin.New()
	f.router.Use(f.gate.Middleware())
	f.router.GET("/*path", func(c *gin.Context) {
		level, ok := c.Get(ContextTrustLevel)
		if !ok {
			c.String(http.StatusOK, "skipped")
			return
		}
		c.String(http.StatusOK, level.(throttle.Level).String())
	})
	return f
}

func (f *gateFixture) get(path, session string) *httptest.ResponseRecorder {
	return f.getFrom(path, session, "192.0.2.1:1234")
}

func (f *gateFixture) getFrom(path, session, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remoteAddr
	req.Header.Set("User-Agent", "Mozilla/5.0 Chrome/120.0.0.0 Safari/537.36")
	if session != "" {
		req.Header.Set("X-Session-ID", session)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func defaultAdmission() config.AdmissionConfig {
	return config.AdmissionConfig{FailOpen: true, BaseRate: 10, Burst: 20, SkipPaths: []string{"/health"}}
}

func TestAdmission_AdmitsNormalTraffic(t *testing.T) {
	f := newGate(t, defaultAdmission())

	w := f.get("/articles/1", "s1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "normal", w.Body.String())
	assert.Equal(t, "normal", w.Header().Get("X-Trust-Level"))
	assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
	assert.Empty(t, w.Header().Get("Set-Cookie"))

	require.Len(t, f.tracker.calls, 1)
	assert.Equal(t, trackCall{sessionID: "s1", denied: false}, f.tracker.calls[0])
	assert.Equal(t, []string{metrics.DecisionAllowed}, f.recorder.outcomes)
}

func TestAdmission_BlockedIsDenied(t *testing.T) {
	f := newGate(t, defaultAdmission())
	f.decider.level = throttle.Blocked

	w := f.get("/articles/1", "s1")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "blocked", w.Header().Get("X-Trust-Level"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Limit"))

	require.Len(t, f.tracker.calls, 1)
	assert.True(t, f.tracker.calls[0].denied)
	assert.Equal(t, []string{metrics.DecisionBlocked}, f.recorder.outcomes)
}

func TestAdmission_RateScalesWithLevel(t *testing.T) {
	cfg := defaultAdmission()
	cfg.BaseRate = 1
	cfg.Burst = 2
	f := newGate(t, cfg)
	f.decider.level = throttle.Severe

	first := f.get("/a", "s1")
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "0.25", first.Header().Get("X-RateLimit-Limit"))

	// capacity is ceil(2 * 0.25) = 1 and the clock is frozen
	second := f.get("/a", "s1")
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "4", second.Header().Get("Retry-After"))

	// another client keeps its own buckets
	assert.Equal(t, http.StatusOK, f.getFrom("/a", "s2", "198.51.100.7:4000").Code)

	assert.Equal(t, []string{metrics.DecisionAllowed, metrics.DecisionRateLimited, metrics.DecisionAllowed}, f.recorder.outcomes)
	assert.True(t, f.tracker.calls[1].denied)
}

func TestAdmission_FailPolicy(t *testing.T) {
	storeDown := apperrors.Retryable(errors.New("database is locked"))

	t.Run("fail open admits at normal", func(t *testing.T) {
		f := newGate(t, defaultAdmission())
		f.decider.err = storeDown

		w := f.get("/a", "s1")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "normal", w.Header().Get("X-Trust-Level"))
		assert.Equal(t, []string{metrics.DecisionFailOpen}, f.recorder.outcomes)
		assert.Len(t, f.tracker.calls, 1)
	})

	t.Run("fail closed refuses", func(t *testing.T) {
		cfg := defaultAdmission()
		cfg.FailOpen = false
		f := newGate(t, cfg)
		f.decider.err = storeDown

		w := f.get("/a", "s1")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, []string{metrics.DecisionFailClosed}, f.recorder.outcomes)
		assert.Empty(t, f.tracker.calls)
	})
}

func TestAdmission_CookielessClientIsRateLimited(t *testing.T) {
	cfg := defaultAdmission()
	cfg.BaseRate = 1
	cfg.Burst = 2
	f := newGate(t, cfg)

	allowed, limited := 0, 0
	for i := 0; i < 50; i++ {
		switch w := f.get("/a", ""); w.Code {
		case http.StatusOK:
			allowed++
		case http.StatusTooManyRequests:
			limited++
		default:
			t.Fatalf("unexpected status %d", w.Code)
		}
	}

	assert.Equal(t, 2, allowed, "a fresh session per request still shares the client buckets")
	assert.Equal(t, 48, limited)
}

func TestAdmission_SessionRotationSharesAddressBucket(t *testing.T) {
	cfg := defaultAdmission()
	cfg.BaseRate = 1
	cfg.Burst = 1
	f := newGate(t, cfg)

	assert.Equal(t, http.StatusOK, f.get("/a", "s1").Code)
	assert.Equal(t, http.StatusTooManyRequests, f.get("/a", "s2").Code)
	assert.Equal(t, http.StatusOK, f.getFrom("/a", "s3", "203.0.113.9:80").Code)
}

func TestAdmission_TrackingFailure(t *testing.T) {
	storeDown := apperrors.Retryable(errors.New("database is locked"))

	t.Run("fail closed refuses", func(t *testing.T) {
		cfg := defaultAdmission()
		cfg.FailOpen = false
		f := newGate(t, cfg)
		f.tracker.err = storeDown

		w := f.get("/a", "s1")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, []string{metrics.DecisionFailClosed}, f.recorder.outcomes)
		assert.Len(t, f.tracker.calls, 1)
	})

	t.Run("fail open admits", func(t *testing.T) {
		f := newGate(t, defaultAdmission())
		f.tracker.err = storeDown

		w := f.get("/a", "s1")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, []string{metrics.DecisionAllowed}, f.recorder.outcomes)
	})

	t.Run("non-retryable failure is logged only", func(t *testing.T) {
		cfg := defaultAdmission()
		cfg.FailOpen = false
		f := newGate(t, cfg)
		f.tracker.err = errors.New("malformed signal")

		assert.Equal(t, http.StatusOK, f.get("/a", "s1").Code)
	})
}

func TestRateLimiter_AllowAllIsAtomic(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter()
	rl.now = func() time.Time { return now }

	assert.True(t, rl.AllowAll([]string{"session:a", "ip:x"}, 1, 1))
	assert.False(t, rl.AllowAll([]string{"session:b", "ip:x"}, 1, 1))
	// session:b was not charged for the refused request
	assert.True(t, rl.AllowAll([]string{"session:b", "ip:y"}, 1, 1))
	assert.True(t, rl.AllowAll([]string{"", "ip:z"}, 1, 1), "empty keys are ignored")
	assert.False(t, rl.AllowAll(nil, 1, 1))
}

func TestAdmission_SkipPaths(t *testing.T) {
	f := newGate(t, defaultAdmission())

	w := f.get("/health/live", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, f.decider.calls)
	assert.Empty(t, f.tracker.calls)
	assert.Empty(t, w.Header().Get("X-Trust-Level"))
}

func TestAdmission_MintsSessionCookie(t *testing.T) {
	f := newGate(t, defaultAdmission())

	w := f.get("/a", "")
	assert.Equal(t, http.StatusOK, w.Code)

	minted := w.Header().Get("X-Session-ID")
	require.NotEmpty(t, minted)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "tg_session", cookies[0].Name)
	assert.Equal(t, minted, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)

	require.Len(t, f.tracker.calls, 1)
	assert.Equal(t, minted, f.tracker.calls[0].sessionID)
}

func TestRateLimiter_RefillAndPrune(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter()
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a", 2, 2))
	assert.True(t, rl.Allow("a", 2, 2))
	assert.False(t, rl.Allow("a", 2, 2))

	now = now.Add(500 * time.Millisecond)
	assert.True(t, rl.Allow("a", 2, 2), "one token refills after half a second at 2/s")
	assert.False(t, rl.Allow("a", 2, 2))

	assert.False(t, rl.Allow("b", 0, 0), "a zero rate never admits")

	now = now.Add(10 * time.Minute)
	assert.True(t, rl.Allow("c", 1, 1))
	assert.Equal(t, 1, rl.Prune(5*time.Minute))
	assert.Equal(t, 1, rl.Len())
}

func TestCapacity(t *testing.T) {
	assert.Equal(t, 20.0, Capacity(20, 1.0))
	assert.Equal(t, 10.0, Capacity(20, 0.5))
	assert.Equal(t, 1.0, Capacity(1, 0.25))
	assert.Equal(t, 0.0, Capacity(20, 0))
}
