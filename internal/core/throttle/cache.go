package throttle

import (
	"sync"
	"time"
)

// CachedLevel is one resolved identity component.
type CachedLevel struct {
	Level    Level `json:"level"`
	Override bool  `json:"override,omitempty"`
}

type cacheEntry struct {
	value     CachedLevel
	expiresAt time.Time
}

// LevelCache is the in-process level cache consulted on every admission.
// Unknown identities are cached as Normal like any other entry.
type LevelCache struct {
	mu         sync.RWMutex
	entries    map[string]cacheEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// NewLevelCache creates a cache. maxEntries bounds memory; when it is
// exceeded expired entries are dropped, then the whole cache if needed.
func NewLevelCache(ttl time.Duration, maxEntries int) *LevelCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	return &LevelCache{
		entries:    make(map[string]cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *LevelCache) Get(key string) (CachedLevel, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || !c.now().Before(entry.expiresAt) {
		return CachedLevel{}, false
	}
	return entry.value, true
}

// Set stores value until the cache TTL, or until notAfter when that is
// earlier and non-zero (an override expiring).
func (c *LevelCache) Set(key string, value CachedLevel, notAfter time.Time) {
	expires := c.now().Add(c.ttl)
	if !notAfter.IsZero() && notAfter.Before(expires) {
		expires = notAfter
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	c.entries[key] = cacheEntry{value: value, expiresAt: expires}
}

func (c *LevelCache) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
	}
}

func (c *LevelCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *LevelCache) TTL() time.Duration {
	return c.ttl
}

func (c *LevelCache) evictLocked() {
	now := c.now()
	for key, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
	if len(c.entries) >= c.maxEntries {
		c.entries = make(map[string]cacheEntry)
	}
}
