package models

import (
	"database/sql"
	"time"
)

// TrustSetting is a runtime override of one trust settings document.
// Revision counts writes to the key since it was last reset.
type TrustSetting struct {
	Key         string `json:"key" db:"key"`
	Value       string `json:"value" db:"value"`
	UpdatedBy   string `json:"updated_by" db:"updated_by"`
	Revision    int64  `json:"revision" db:"revision"`
	UpdatedAtMs int64  `json:"updated_at_ms" db:"updated_at_ms"`
}

// Millis converts t to unix milliseconds, the storage format for every
// timestamp column.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// MinuteBucket truncates a millisecond timestamp to its minute.
func MinuteBucket(atMs int64) int64 {
	return atMs - atMs%60_000
}

// FromMillis converts a stored timestamp back to UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// NullMillis converts an optional stored timestamp. Missing or non-positive
// values yield the zero time and false.
func NullMillis(v sql.NullInt64) (time.Time, bool) {
	if !v.Valid || v.Int64 <= 0 {
		return time.Time{}, false
	}
	return FromMillis(v.Int64), true
}

// ToNullMillis converts t to an optional stored timestamp; the zero time is NULL.
func ToNullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
