package throttle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/frostdev-ops/trustgate/internal/database/models"
	"github.com/frostdev-ops/trustgate/internal/database/repositories"
	apperrors "github.com/frostdev-ops/trustgate/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Identity is who a decision is about. Either part may be empty.
type Identity struct {
	SessionID       string `json:"session_id"`
	FingerprintHash string `json:"fingerprint_hash"`
}

// Scope names which identity a level belongs to.
type Scope string

const (
	ScopeSession     Scope = "session"
	ScopeFingerprint Scope = "fingerprint"
)

// LevelChange is emitted whenever a persisted level moves.
type LevelChange struct {
	Scope  Scope     `json:"scope"`
	Key    string    `json:"key"`
	From   Level     `json:"from"`
	To     Level     `json:"to"`
	Score  int       `json:"score"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Observer is notified of level changes. Implementations must not block.
type Observer interface {
	LevelChanged(change LevelChange)
}

// Decision is the effective level for an identity and where it came from.
type Decision struct {
	Level  Level  `json:"level"`
	Source string `json:"source"`
}

// Transition reports what a recomputation did.
type Transition struct {
	SessionFrom     Level `json:"session_from"`
	SessionTo       Level `json:"session_to"`
	FingerprintFrom Level `json:"fingerprint_from"`
	FingerprintTo   Level `json:"fingerprint_to"`
}

// EnteredBlocked reports whether either scope just became Blocked.
func (t Transition) EnteredBlocked() bool {
	return (t.SessionTo == Blocked && t.SessionFrom != Blocked) ||
		(t.FingerprintTo == Blocked && t.FingerprintFrom != Blocked)
}

// Engine answers admission questions and recomputes levels after analysis.
type Engine struct {
	sessions     repositories.SessionRepository
	fingerprints repositories.FingerprintRepository
	overrides    repositories.OverrideRepository
	criteria     func() EscalationCriteria
	cache        *LevelCache
	store        LevelStore
	observers    []Observer
	logger       *logrus.Logger
	now          func() time.Time
}

// NewEngine creates an engine. store may be nil.
func NewEngine(
	sessions repositories.SessionRepository,
	fingerprints repositories.FingerprintRepository,
	overrides repositories.OverrideRepository,
	criteria func() EscalationCriteria,
	cache *LevelCache,
	store LevelStore,
	logger *logrus.Logger,
) *Engine {
	if cache == nil {
		cache = NewLevelCache(0, 0)
	}
	return &Engine{
		sessions:     sessions,
		fingerprints: fingerprints,
		overrides:    overrides,
		criteria:     criteria,
		cache:        cache,
		store:        store,
		logger:       logger,
		now:          time.Now,
	}
}

// AddObserver registers o for level change notifications.
func (e *Engine) AddObserver(o Observer) {
	e.observers = append(e.observers, o)
}

// Decide resolves the effective level: a session override beats a
// fingerprint override, which beats the higher of the two stored levels.
// Stored levels of derived fingerprints are not consulted.
// Storage failures are returned as retryable errors.
func (e *Engine) Decide(ctx context.Context, id Identity) (Decision, error) {
	var session, fingerprint CachedLevel

	if id.SessionID != "" {
		v, err := e.component(ctx, ScopeSession, id.SessionID)
		if err != nil {
			return Decision{Level: Normal}, err
		}
		if v.Override {
			return Decision{Level: v.Level, Source: "session_override"}, nil
		}
		session = v
	}

	if id.FingerprintHash != "" {
		v, err := e.component(ctx, ScopeFingerprint, id.FingerprintHash)
		if err != nil {
			return Decision{Level: Normal}, err
		}
		if v.Override {
			return Decision{Level: v.Level, Source: "fingerprint_override"}, nil
		}
		fingerprint = v
	}

	// Derived hashes are shared by unrelated clients; only overrides on them apply.
	if models.IsDerivedFingerprint(id.FingerprintHash) {
		fingerprint = CachedLevel{Level: Normal}
	}

	if fingerprint.Level > session.Level {
		return Decision{Level: fingerprint.Level, Source: string(ScopeFingerprint)}, nil
	}
	return Decision{Level: session.Level, Source: string(ScopeSession)}, nil
}

// Level returns the effective level for id.
func (e *Engine) Level(ctx context.Context, id Identity) (Level, error) {
	d, err := e.Decide(ctx, id)
	return d.Level, err
}

// AllowRequest reports whether id may be served at all.
func (e *Engine) AllowRequest(ctx context.Context, id Identity) (bool, error) {
	level, err := e.Level(ctx, id)
	if err != nil {
		return false, err
	}
	return level.AllowsRequests(), nil
}

// EffectiveRateLimit scales base by the level's multiplier.
func (e *Engine) EffectiveRateLimit(ctx context.Context, base float64, id Identity) (float64, error) {
	level, err := e.Level(ctx, id)
	if err != nil {
		return 0, err
	}
	return base * level.RateMultiplier(), nil
}

func cacheKey(scope Scope, key string) string {
	return string(scope) + ":" + key
}

func (e *Engine) component(ctx context.Context, scope Scope, key string) (CachedLevel, error) {
	ck := cacheKey(scope, key)
	if v, ok := e.cache.Get(ck); ok {
		return v, nil
	}

	if e.store != nil {
		v, ok, err := e.store.Get(ctx, ck)
		if err != nil {
			e.logger.WithError(err).WithField("key", ck).Debug("Shared level cache unavailable")
		} else if ok {
			e.cache.Set(ck, v, time.Time{})
			return v, nil
		}
	}

	v, notAfter, err := e.load(ctx, scope, key)
	if err != nil {
		return CachedLevel{}, apperrors.Retryable(err)
	}

	e.cache.Set(ck, v, notAfter)
	if e.store != nil {
		ttl := e.cache.TTL()
		if !notAfter.IsZero() {
			ttl = notAfter.Sub(e.now())
		}
		if ttl > 0 {
			if err := e.store.Set(ctx, ck, v, ttl); err != nil {
				e.logger.WithError(err).WithField("key", ck).Debug("Failed to populate shared level cache")
			}
		}
	}
	return v, nil
}

func (e *Engine) load(ctx context.Context, scope Scope, key string) (CachedLevel, time.Time, error) {
	now := e.now()

	override, err := e.overrides.Get(ctx, models.IdentityKind(scope), key)
	switch {
	case err == nil && override.Active(now):
		expires, _ := models.NullMillis(override.ExpiresAtMs)
		return CachedLevel{Level: Level(override.Level), Override: true}, expires, nil
	case err != nil && !errors.Is(err, repositories.ErrNotFound):
		return CachedLevel{}, time.Time{}, err
	}

	var stored int
	switch scope {
	case ScopeSession:
		s, err := e.sessions.Get(ctx, key)
		if errors.Is(err, repositories.ErrNotFound) {
			return CachedLevel{Level: Normal}, time.Time{}, nil
		}
		if err != nil {
			return CachedLevel{}, time.Time{}, err
		}
		stored = s.ThrottleLevel
	case ScopeFingerprint:
		fp, err := e.fingerprints.Get(ctx, key)
		if errors.Is(err, repositories.ErrNotFound) {
			return CachedLevel{Level: Normal}, time.Time{}, nil
		}
		if err != nil {
			return CachedLevel{}, time.Time{}, err
		}
		stored = fp.ThrottleLevel
	}

	level := Level(stored)
	if !level.Valid() {
		level = Normal
	}
	return CachedLevel{Level: level}, time.Time{}, nil
}

// Recompute applies the current criteria to a freshly analyzed session and
// persists any change on the session and fingerprint rows. The fingerprint
// row never drops below the session's new level and follows
// FingerprintDowngrade otherwise.
func (e *Engine) Recompute(ctx context.Context, id Identity, score int) (Transition, error) {
	criteria := e.criteria()
	now := e.now()
	var t Transition

	var flags int64
	var fpState State
	haveFingerprint := false
	if id.FingerprintHash != "" {
		fp, err := e.fingerprints.Get(ctx, id.FingerprintHash)
		switch {
		case err == nil:
			haveFingerprint = true
			if !models.IsDerivedFingerprint(id.FingerprintHash) {
				flags = fp.FlaggedCount
			}
			fpState = State{Level: validLevel(fp.ThrottleLevel), Since: fp.LevelChangedAt()}
		case !errors.Is(err, repositories.ErrNotFound):
			return t, apperrors.Retryable(fmt.Errorf("failed to load fingerprint: %w", err))
		}
	}
	ev := Evidence{Score: score, FlagCount: flags}

	if id.SessionID != "" {
		s, err := e.sessions.Get(ctx, id.SessionID)
		if err != nil {
			return t, apperrors.Retryable(fmt.Errorf("failed to load session: %w", err))
		}
		state := State{Level: validLevel(s.ThrottleLevel), Since: s.LevelChangedAt()}
		if state.Since.IsZero() {
			state.Since = s.CreatedAt()
		}
		t.SessionFrom = state.Level
		t.SessionTo = Resolve(state, ev, criteria, now)

		if t.SessionTo != t.SessionFrom {
			if err := e.sessions.SetThrottleLevel(ctx, id.SessionID, int(t.SessionTo), now.UnixMilli()); err != nil {
				return t, apperrors.Retryable(fmt.Errorf("failed to persist session level: %w", err))
			}
			e.changed(ctx, LevelChange{Scope: ScopeSession, Key: id.SessionID, From: t.SessionFrom, To: t.SessionTo, Score: score, Reason: "recompute", At: now})
		}
	}

	if haveFingerprint {
		t.FingerprintFrom = fpState.Level
		t.FingerprintTo = maxLevel(Resolve(fpState, ev, criteria.ForFingerprint(), now), t.SessionTo)

		if t.FingerprintTo != t.FingerprintFrom {
			if err := e.fingerprints.SetThrottleLevel(ctx, id.FingerprintHash, int(t.FingerprintTo), now.UnixMilli()); err != nil {
				return t, apperrors.Retryable(fmt.Errorf("failed to persist fingerprint level: %w", err))
			}
			e.changed(ctx, LevelChange{Scope: ScopeFingerprint, Key: id.FingerprintHash, From: t.FingerprintFrom, To: t.FingerprintTo, Score: score, Reason: "recompute", At: now})
		}
	}

	return t, nil
}

// SetOverride pins an identity to a level until it expires or is cleared.
func (e *Engine) SetOverride(ctx context.Context, o *models.ThrottleOverride) error {
	if !Level(o.Level).Valid() {
		return fmt.Errorf("invalid override level %d", o.Level)
	}
	if o.IdentityKind != models.IdentitySession && o.IdentityKind != models.IdentityFingerprint {
		return fmt.Errorf("invalid identity kind %q", o.IdentityKind)
	}
	if o.IdentityKey == "" {
		return fmt.Errorf("identity key is required")
	}
	if o.CreatedAtMs == 0 {
		o.CreatedAtMs = e.now().UnixMilli()
	}

	if err := e.overrides.Set(ctx, o); err != nil {
		return err
	}
	e.invalidate(ctx, Scope(o.IdentityKind), o.IdentityKey)

	e.logger.WithFields(logrus.Fields{
		"kind":       o.IdentityKind,
		"key":        o.IdentityKey,
		"level":      Level(o.Level).String(),
		"created_by": o.CreatedBy,
	}).Info("Throttle override set")
	return nil
}

// ClearOverride removes an override; the stored level applies again.
func (e *Engine) ClearOverride(ctx context.Context, kind models.IdentityKind, key string) error {
	if err := e.overrides.Delete(ctx, kind, key); err != nil {
		return err
	}
	e.invalidate(ctx, Scope(kind), key)
	e.logger.WithFields(logrus.Fields{"kind": kind, "key": key}).Info("Throttle override cleared")
	return nil
}

// Release is the operator exit from any level: the stored level is reset to
// Normal and any override is removed.
func (e *Engine) Release(ctx context.Context, kind models.IdentityKind, key, by string) error {
	now := e.now()
	var from Level

	switch Scope(kind) {
	case ScopeSession:
		s, err := e.sessions.Get(ctx, key)
		if err != nil {
			return err
		}
		from = validLevel(s.ThrottleLevel)
		if err := e.sessions.SetThrottleLevel(ctx, key, int(Normal), now.UnixMilli()); err != nil {
			return err
		}
	case ScopeFingerprint:
		fp, err := e.fingerprints.Get(ctx, key)
		if err != nil {
			return err
		}
		from = validLevel(fp.ThrottleLevel)
		if err := e.fingerprints.SetThrottleLevel(ctx, key, int(Normal), now.UnixMilli()); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid identity kind %q", kind)
	}

	if err := e.overrides.Delete(ctx, kind, key); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return err
	}
	e.invalidate(ctx, Scope(kind), key)

	if from != Normal {
		e.changed(ctx, LevelChange{Scope: Scope(kind), Key: key, From: from, To: Normal, Reason: "released by " + by, At: now})
	}
	return nil
}

func (e *Engine) changed(ctx context.Context, change LevelChange) {
	e.invalidate(ctx, change.Scope, change.Key)

	e.logger.WithFields(logrus.Fields{
		"scope": change.Scope,
		"key":   change.Key,
		"from":  change.From.String(),
		"to":    change.To.String(),
		"score": change.Score,
	}).Info("Throttle level changed")

	for _, o := range e.observers {
		o.LevelChanged(change)
	}
}

func (e *Engine) invalidate(ctx context.Context, scope Scope, key string) {
	ck := cacheKey(scope, key)
	e.cache.Invalidate(ck)
	if e.store != nil {
		if err := e.store.Delete(ctx, ck); err != nil {
			e.logger.WithError(err).WithField("key", ck).Warn("Failed to invalidate shared level cache")
		}
	}
}

func validLevel(stored int) Level {
	l := Level(stored)
	if !l.Valid() {
		return Normal
	}
	return l
}
