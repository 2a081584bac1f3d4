package models

import (
	"database/sql"
	"math"
	"time"
)

// Session is the aggregate row for one observed session. Counters are only
// ever changed by single increment-in-place statements.
type Session struct {
	SessionID       string `json:"session_id" db:"session_id"`
	FingerprintHash string `json:"fingerprint_hash" db:"fingerprint_hash"`
	ClientIP        string `json:"client_ip" db:"client_ip"`
	UserAgent       string `json:"user_agent" db:"user_agent"`
	BrowserName     string `json:"browser_name" db:"browser_name"`
	BrowserVersion  int    `json:"browser_version" db:"browser_version"`

	RequestCount       int64   `json:"request_count" db:"request_count"`
	PageViews          int64   `json:"page_views" db:"page_views"`
	UniquePagesVisited int64   `json:"unique_pages_visited" db:"unique_pages_visited"`
	IntervalCount      int64   `json:"interval_count" db:"interval_count"`
	IntervalSumMs      float64 `json:"-" db:"interval_sum_ms"`
	IntervalSumSqMs    float64 `json:"-" db:"interval_sum_sq_ms"`

	FirstPageAtMs sql.NullInt64 `json:"-" db:"first_page_at_ms"`
	LastPageAtMs  sql.NullInt64 `json:"-" db:"last_page_at_ms"`

	BehavioralScore  int           `json:"behavioral_score" db:"behavioral_score"`
	TriggeredSignals int64         `json:"-" db:"triggered_signals"`
	IsBehavioralBot  bool          `json:"is_behavioral_bot" db:"is_behavioral_bot"`
	ThrottleLevel    int           `json:"throttle_level" db:"throttle_level"`
	LevelChangedAtMs sql.NullInt64 `json:"-" db:"level_changed_at_ms"`
	AnalyzedAtMs     sql.NullInt64 `json:"-" db:"analyzed_at_ms"`

	CreatedAtMs      int64 `json:"created_at_ms" db:"created_at_ms"`
	LastActivityAtMs int64 `json:"last_activity_at_ms" db:"last_activity_at_ms"`
}

// TimingStats summarises the inter-request intervals of a session.
type TimingStats struct {
	Count  int64   `json:"count"`
	MeanMs float64 `json:"mean_ms"`
	StdDev float64 `json:"stddev_ms"`
}

// CoV returns the coefficient of variation, or false when it is undefined.
func (t TimingStats) CoV() (float64, bool) {
	if t.Count == 0 || t.MeanMs <= 0 || math.IsNaN(t.StdDev) || math.IsInf(t.StdDev, 0) {
		return 0, false
	}
	return t.StdDev / t.MeanMs, true
}

// Timing derives interval statistics from the stored running sums using the
// population variance.
func (s *Session) Timing() TimingStats {
	if s.IntervalCount <= 0 {
		return TimingStats{}
	}
	n := float64(s.IntervalCount)
	mean := s.IntervalSumMs / n
	variance := s.IntervalSumSqMs/n - mean*mean
	if variance < 0 {
		// float cancellation on near-constant intervals
		variance = 0
	}
	return TimingStats{
		Count:  s.IntervalCount,
		MeanMs: mean,
		StdDev: math.Sqrt(variance),
	}
}

// PagesPerMinute derives the page view rate over the span between the first
// and last page view. Spans shorter than minWindow are widened to minWindow.
// Returns false when there are fewer than two views or the timestamps are
// missing or out of order.
func (s *Session) PagesPerMinute(minWindow time.Duration) (float64, bool) {
	if s.PageViews < 2 {
		return 0, false
	}
	first, ok := NullMillis(s.FirstPageAtMs)
	if !ok {
		return 0, false
	}
	last, ok := NullMillis(s.LastPageAtMs)
	if !ok || last.Before(first) {
		return 0, false
	}
	span := last.Sub(first)
	if span < minWindow {
		span = minWindow
	}
	if span <= 0 {
		return 0, false
	}
	return float64(s.PageViews) / span.Minutes(), true
}

func (s *Session) CreatedAt() time.Time {
	return FromMillis(s.CreatedAtMs)
}

func (s *Session) LastActivityAt() time.Time {
	return FromMillis(s.LastActivityAtMs)
}

// LevelChangedAt is when the persisted throttle level last changed.
func (s *Session) LevelChangedAt() time.Time {
	t, _ := NullMillis(s.LevelChangedAtMs)
	return t
}
