package throttle

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Level is an access tier. Higher values are more restrictive.
type Level int

const (
	Normal Level = iota
	Warning
	Severe
	Blocked
)

var levelNames = [...]string{"normal", "warning", "severe", "blocked"}

// Levels lists every level from least to most restrictive.
func Levels() []Level {
	return []Level{Normal, Warning, Severe, Blocked}
}

func (l Level) Valid() bool {
	return l >= Normal && l <= Blocked
}

func (l Level) String() string {
	if !l.Valid() {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// RateMultiplier scales the base rate limit. Blocked is always zero.
func (l Level) RateMultiplier() float64 {
	switch l {
	case Normal:
		return 1.0
	case Warning:
		return 0.5
	case Severe:
		return 0.25
	default:
		return 0.0
	}
}

// AllowsRequests is false only for Blocked (and anything out of range).
func (l Level) AllowsRequests() bool {
	return l.Valid() && l != Blocked
}

// ParseLevel accepts a level name or its number.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range levelNames {
		if name == s {
			return Level(i), nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && Level(n).Valid() {
		return Level(n), nil
	}
	return Normal, fmt.Errorf("unknown throttle level %q", s)
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, err := ParseLevel(name)
		if err != nil {
			return err
		}
		*l = parsed
		return nil
	}

	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("throttle level must be a name or number: %w", err)
	}
	if !Level(n).Valid() {
		return fmt.Errorf("throttle level %d out of range", n)
	}
	*l = Level(n)
	return nil
}

func maxLevel(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}
