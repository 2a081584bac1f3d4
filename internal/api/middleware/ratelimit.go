package middleware

import (
	"math"
	"sync"
	"time"
)

// RateLimiter keeps one token bucket per key. Rate and capacity are
// supplied on every call so a trust level change takes effect on the next
// request without resetting the bucket.
type RateLimiter struct {
	visitors map[string]*Visitor
	mu       sync.Mutex
	now      func() time.Time
}

type Visitor struct {
	limiter  *TokenBucket
	lastSeen time.Time
}

// TokenBucket refills continuously at refillRate tokens per second.
type TokenBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
}

// NewRateLimiter creates an empty limiter
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*Visitor),
		now:      time.Now,
	}
}

// Capacity scales burst the same way the rate is scaled, keeping at least
// one token whenever the rate is positive.
func Capacity(burst int, multiplier float64) float64 {
	if multiplier <= 0 {
		return 0
	}
	c := math.Ceil(float64(burst) * multiplier)
	if c < 1 {
		c = 1
	}
	return c
}

// Allow takes one token from key's bucket. A rate of zero always refuses.
func (rl *RateLimiter) Allow(key string, rate, capacity float64) bool {
	return rl.AllowAll([]string{key}, rate, capacity)
}

// AllowAll takes one token from every key's bucket, or from none of them
// when any bucket is empty. Empty keys are ignored.
func (rl *RateLimiter) AllowAll(keys []string, rate, capacity float64) bool {
	if rate <= 0 || capacity <= 0 {
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	buckets := make([]*TokenBucket, 0, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		visitor, exists := rl.visitors[key]
		if !exists {
			visitor = &Visitor{
				limiter: &TokenBucket{
					tokens:     capacity,
					capacity:   capacity,
					refillRate: rate,
					lastRefill: now,
				},
			}
			rl.visitors[key] = visitor
		}
		visitor.lastSeen = now
		visitor.limiter.refill(rate, capacity, now)
		buckets = append(buckets, visitor.limiter)
	}
	if len(buckets) == 0 {
		return false
	}

	for _, tb := range buckets {
		if tb.tokens < 1 {
			return false
		}
	}
	for _, tb := range buckets {
		tb.tokens--
	}
	return true
}

func (tb *TokenBucket) refill(rate, capacity float64, now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens += elapsed * tb.refillRate
	}
	tb.lastRefill = now
	tb.refillRate = rate
	tb.capacity = capacity
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

// Prune forgets identities idle for longer than maxIdle and returns how many
// were dropped.
func (rl *RateLimiter) Prune(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxIdle)
	removed := 0
	for key, visitor := range rl.visitors {
		if visitor.lastSeen.Before(cutoff) {
			delete(rl.visitors, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked identities
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}
