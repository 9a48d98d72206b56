// Package cache implements the capacity-bounded, TTL-expiring result cache.
package cache

import (
	"sync"
	"time"

	"github.com/prepstack/exportsrv/internal/export"
	"github.com/prepstack/exportsrv/internal/metrics"
)

type entry struct {
	data      []byte
	expiresAt time.Time
}

// Cache holds rendered artifacts just long enough for the owner to download
// them. Total stored bytes never exceed the configured capacity: inserts
// evict soonest-to-expire entries first until there is room.
type Cache struct {
	mu       sync.Mutex
	capacity int64
	total    int64
	entries  map[string]entry
	clock    export.Clock
}

// New creates a Cache bounded to capacity bytes.
func New(capacity int64, clock export.Clock) *Cache {
	return &Cache{
		capacity: capacity,
		entries:  make(map[string]entry),
		clock:    clock,
	}
}

// Store inserts data under key with the given ttl, evicting entries in
// ascending expiry order to make room. Returns export.ErrTooLarge when the
// payload could not fit even with every entry evicted.
func (c *Cache) Store(key string, data []byte, ttl time.Duration) error {
	size := int64(len(data))
	if size > c.capacity {
		return export.ErrTooLarge
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeLocked(key)
	for c.total+size > c.capacity {
		if !c.evictSoonestLocked() {
			break
		}
		metrics.IncCacheEvictions()
	}

	buf := make([]byte, size)
	copy(buf, data)
	c.entries[key] = entry{data: buf, expiresAt: c.clock.Now().Add(ttl)}
	c.total += size
	metrics.SetCacheUsage(c.total, len(c.entries))
	return nil
}

// Get returns the payload for key. Expired entries are treated as missing
// and removed lazily.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.clock.Now().After(e.expiresAt) {
		c.removeLocked(key)
		metrics.SetCacheUsage(c.total, len(c.entries))
		return nil, false
	}
	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out, true
}

// Delete removes key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
	metrics.SetCacheUsage(c.total, len(c.entries))
}

// SweepExpired removes every expired entry and returns how many were
// removed. Calling it with nothing expired is a no-op.
func (c *Cache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			c.removeLocked(key)
			removed++
		}
	}
	if removed > 0 {
		metrics.SetCacheUsage(c.total, len(c.entries))
	}
	return removed
}

// TotalBytes reports the current byte usage.
func (c *Cache) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(key string) {
	if e, ok := c.entries[key]; ok {
		c.total -= int64(len(e.data))
		delete(c.entries, key)
	}
}

// evictSoonestLocked removes the entry closest to expiry. Returns false when
// the cache is empty.
func (c *Cache) evictSoonestLocked() bool {
	var victim string
	var soonest time.Time
	found := false
	for key, e := range c.entries {
		if !found || e.expiresAt.Before(soonest) {
			victim = key
			soonest = e.expiresAt
			found = true
		}
	}
	if !found {
		return false
	}
	c.removeLocked(victim)
	return true
}
