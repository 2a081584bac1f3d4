package throttle

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ReleasePolicy decides how an identity leaves Blocked.
type ReleasePolicy string

const (
	// ReleaseManual: only an operator release or override leaves Blocked.
	ReleaseManual ReleasePolicy = "manual"
	// ReleaseCooldown: Blocked is re-evaluated from Normal once
	// BlockedCooldown has passed since the level was entered.
	ReleaseCooldown ReleasePolicy = "cooldown"
)

// DowngradePolicy decides whether a lower score lowers the level.
type DowngradePolicy string

const (
	DowngradeFollowScore DowngradePolicy = "follow_score"
	DowngradeHold        DowngradePolicy = "hold"
)

// ScoreBand maps scores at or above MinScore to Level.
type ScoreBand struct {
	MinScore int   `json:"min_score"`
	Level    Level `json:"level"`
}

// FlagBand raises the level floor of identities whose fingerprint has been
// flagged at least MinFlags times.
type FlagBand struct {
	MinFlags int64 `json:"min_flags"`
	Level    Level `json:"level"`
}

// EscalationCriteria is the complete escalation policy. Values are replaced
// wholesale on reload and never mutated in place.
type EscalationCriteria struct {
	ScoreBands      []ScoreBand     `json:"score_bands"`
	FlagBands       []FlagBand      `json:"flag_bands"`
	BlockedRelease  ReleasePolicy   `json:"blocked_release"`
	BlockedCooldown time.Duration   `json:"blocked_cooldown"`
	Downgrade       DowngradePolicy `json:"downgrade"`

	// FingerprintDowngrade applies to fingerprint rows. Empty means follow_score.
	FingerprintDowngrade DowngradePolicy `json:"fingerprint_downgrade,omitempty"`
}

// DefaultCriteria is the documented default banding: <30 Normal, 30-49
// Warning, 50-79 Severe, >=80 Blocked, manual release, follow score.
func DefaultCriteria() EscalationCriteria {
	return EscalationCriteria{
		ScoreBands: []ScoreBand{
			{MinScore: 0, Level: Normal},
			{MinScore: 30, Level: Warning},
			{MinScore: 50, Level: Severe},
			{MinScore: 80, Level: Blocked},
		},
		BlockedRelease:       ReleaseManual,
		Downgrade:            DowngradeFollowScore,
		FingerprintDowngrade: DowngradeFollowScore,
	}
}

// ForFingerprint returns the criteria applied to fingerprint rows.
func (c EscalationCriteria) ForFingerprint() EscalationCriteria {
	out := c
	out.Downgrade = c.FingerprintDowngrade
	if out.Downgrade == "" {
		out.Downgrade = DowngradeFollowScore
	}
	return out
}

// Normalize returns a copy with bands sorted ascending.
func (c EscalationCriteria) Normalize() EscalationCriteria {
	out := c
	out.ScoreBands = append([]ScoreBand(nil), c.ScoreBands...)
	sort.SliceStable(out.ScoreBands, func(i, j int) bool {
		return out.ScoreBands[i].MinScore < out.ScoreBands[j].MinScore
	})
	out.FlagBands = append([]FlagBand(nil), c.FlagBands...)
	sort.SliceStable(out.FlagBands, func(i, j int) bool {
		return out.FlagBands[i].MinFlags < out.FlagBands[j].MinFlags
	})
	return out
}

// Validate rejects criteria the engine cannot apply.
func (c EscalationCriteria) Validate() error {
	var errs []string

	if len(c.ScoreBands) == 0 {
		errs = append(errs, "at least one score band is required")
	}
	seen := make(map[int]bool)
	for _, b := range c.ScoreBands {
		if !b.Level.Valid() {
			errs = append(errs, fmt.Sprintf("score band %d has invalid level", b.MinScore))
		}
		if b.MinScore < 0 {
			errs = append(errs, fmt.Sprintf("score band min_score %d must not be negative", b.MinScore))
		}
		if seen[b.MinScore] {
			errs = append(errs, fmt.Sprintf("duplicate score band at %d", b.MinScore))
		}
		seen[b.MinScore] = true
	}

	sorted := c.Normalize()
	for i := 1; i < len(sorted.ScoreBands); i++ {
		if sorted.ScoreBands[i].Level < sorted.ScoreBands[i-1].Level {
			errs = append(errs, "score band levels must not decrease as scores increase")
			break
		}
	}

	for _, b := range c.FlagBands {
		if !b.Level.Valid() {
			errs = append(errs, fmt.Sprintf("flag band %d has invalid level", b.MinFlags))
		}
		if b.MinFlags <= 0 {
			errs = append(errs, "flag band min_flags must be positive")
		}
	}

	switch c.BlockedRelease {
	case ReleaseManual:
	case ReleaseCooldown:
		if c.BlockedCooldown <= 0 {
			errs = append(errs, "blocked_cooldown must be positive for cooldown release")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown blocked_release %q", c.BlockedRelease))
	}

	switch c.Downgrade {
	case DowngradeFollowScore, DowngradeHold:
	default:
		errs = append(errs, fmt.Sprintf("unknown downgrade policy %q", c.Downgrade))
	}
	switch c.FingerprintDowngrade {
	case "", DowngradeFollowScore, DowngradeHold:
	default:
		errs = append(errs, fmt.Sprintf("unknown fingerprint_downgrade policy %q", c.FingerprintDowngrade))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid escalation criteria: %s", strings.Join(errs, "; "))
	}
	return nil
}

// LevelForScore returns the level of the highest band whose MinScore is at
// most score. Scores below every band map to Normal.
func (c EscalationCriteria) LevelForScore(score int) Level {
	level := Normal
	best := -1
	for _, b := range c.ScoreBands {
		if score >= b.MinScore && b.MinScore > best {
			best = b.MinScore
			level = b.Level
		}
	}
	return level
}

// LevelForFlags returns the floor imposed by the fingerprint's flag count.
func (c EscalationCriteria) LevelForFlags(flags int64) Level {
	level := Normal
	for _, b := range c.FlagBands {
		if flags >= b.MinFlags {
			level = maxLevel(level, b.Level)
		}
	}
	return level
}

// NextLevel is the pure transition function. Blocked never leaves through
// NextLevel; release happens through Resolve's cooldown or an operator.
func NextLevel(current Level, score int, c EscalationCriteria) Level {
	if current == Blocked {
		return Blocked
	}

	candidate := c.LevelForScore(score)
	if candidate < current && c.Downgrade == DowngradeHold {
		return current
	}
	return candidate
}

// State is a persisted level and when it was entered.
type State struct {
	Level Level
	Since time.Time
}

// Evidence is what a recomputation knows about the identity.
type Evidence struct {
	Score     int
	FlagCount int64
}

// Resolve applies the release policy, the transition function and the flag
// floor in that order.
func Resolve(state State, ev Evidence, c EscalationCriteria, now time.Time) Level {
	current := state.Level
	if current == Blocked && c.BlockedRelease == ReleaseCooldown && !state.Since.IsZero() &&
		now.Sub(state.Since) >= c.BlockedCooldown {
		current = Normal
	}

	next := NextLevel(current, ev.Score, c)
	return maxLevel(next, c.LevelForFlags(ev.FlagCount))
}
