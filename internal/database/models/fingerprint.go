package models

import (
	"database/sql"
	"strings"
	"time"
)

// DerivedFingerprintPrefix marks hashes computed server-side from request
// headers and client address instead of reported by the client.
const DerivedFingerprintPrefix = "h:"

// IsDerivedFingerprint reports whether hash was computed from request headers.
// Derived hashes are shared by unrelated clients behind the same address.
func IsDerivedFingerprint(hash string) bool {
	return strings.HasPrefix(hash, DerivedFingerprintPrefix)
}

// FlagReason explains why a fingerprint was flagged
type FlagReason string

const (
	FlagBehavioralBot   FlagReason = "behavioral_bot"
	FlagThrottleBlocked FlagReason = "throttle_blocked"
	FlagManual          FlagReason = "manual"
)

// Valid reports whether r is a known flag reason.
func (r FlagReason) Valid() bool {
	switch r {
	case FlagBehavioralBot, FlagThrottleBlocked, FlagManual:
		return true
	}
	return false
}

// FingerprintReputation aggregates every session seen for one device fingerprint
type FingerprintReputation struct {
	FingerprintHash  string        `json:"fingerprint_hash" db:"fingerprint_hash"`
	TotalSessions    int64         `json:"total_sessions" db:"total_sessions"`
	FlaggedCount     int64         `json:"flagged_count" db:"flagged_count"`
	ThrottleLevel    int           `json:"throttle_level" db:"throttle_level"`
	LevelChangedAtMs sql.NullInt64 `json:"-" db:"level_changed_at_ms"`
	FirstSeenAtMs    int64         `json:"first_seen_at_ms" db:"first_seen_at_ms"`
	LastSeenAtMs     int64         `json:"last_seen_at_ms" db:"last_seen_at_ms"`
	Flags            []FlagReason  `json:"flags" db:"-"`
}

func (f *FingerprintReputation) LastSeenAt() time.Time {
	return FromMillis(f.LastSeenAtMs)
}

func (f *FingerprintReputation) LevelChangedAt() time.Time {
	t, _ := NullMillis(f.LevelChangedAtMs)
	return t
}

// HasFlag reports whether reason is in the flag set.
func (f *FingerprintReputation) HasFlag(reason FlagReason) bool {
	for _, r := range f.Flags {
		if r == reason {
			return true
		}
	}
	return false
}

// IdentityKind scopes a throttle override
type IdentityKind string

const (
	IdentitySession     IdentityKind = "session"
	IdentityFingerprint IdentityKind = "fingerprint"
)

// ThrottleOverride pins an identity to a level until it expires or is cleared
type ThrottleOverride struct {
	IdentityKind IdentityKind  `json:"identity_kind" db:"identity_kind"`
	IdentityKey  string        `json:"identity_key" db:"identity_key"`
	Level        int           `json:"level" db:"level"`
	Reason       string        `json:"reason" db:"reason"`
	CreatedBy    string        `json:"created_by" db:"created_by"`
	CreatedAtMs  int64         `json:"created_at_ms" db:"created_at_ms"`
	ExpiresAtMs  sql.NullInt64 `json:"-" db:"expires_at_ms"`
}

// Active reports whether the override applies at now.
func (o *ThrottleOverride) Active(now time.Time) bool {
	expires, ok := NullMillis(o.ExpiresAtMs)
	return !ok || now.Before(expires)
}
