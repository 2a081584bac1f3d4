package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMinuteBucket(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 34, 56, 789_000_000, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 34, 0, 0, time.UTC).UnixMilli(), MinuteBucket(at.UnixMilli()))
	assert.Equal(t, int64(0), MinuteBucket(59_999))
	assert.Equal(t, int64(60_000), MinuteBucket(60_000))
}

func TestIsDerivedFingerprint(t *testing.T) {
	assert.True(t, IsDerivedFingerprint(DerivedFingerprintPrefix+"0123456789abcdef"))
	assert.False(t, IsDerivedFingerprint("device-123"))
	assert.False(t, IsDerivedFingerprint(""))
}
