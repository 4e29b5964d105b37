package memory

import (
	"context"
	"sync"
	"time"

	"fleetguard/internal/store"
)

// Compile-time check that SeenCache satisfies the interface.
var _ store.SeenCache = (*SeenCache)(nil)

// DefaultSeenCapacity bounds the number of IDs the in-memory cache retains.
const DefaultSeenCapacity = 100_000

// SeenCache is an in-memory implementation of store.SeenCache.
// Entries expire after the TTL (lazy expiration) and the oldest entry is
// evicted once the capacity is reached.
type SeenCache struct {
	mu sync.Mutex

	ttl      time.Duration
	capacity int
	now      func() time.Time

	// expires stores the expiry time keyed by event ID
	expires map[string]time.Time

	// order holds IDs in insertion order; with a fixed TTL this is also
	// expiry order, so pruning only ever inspects the front.
	order []seenEntry
}

type seenEntry struct {
	id        string
	expiresAt time.Time
}

// NewSeenCache creates a new in-memory seen cache.
// Non-positive ttl or capacity fall back to the defaults.
func NewSeenCache(ttl time.Duration, capacity int) *SeenCache {
	if ttl <= 0 {
		ttl = store.DefaultSeenTTL
	}
	if capacity <= 0 {
		capacity = DefaultSeenCapacity
	}
	return &SeenCache{
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		expires:  make(map[string]time.Time),
	}
}

// WithClock replaces the time source. Intended for tests.
func (c *SeenCache) WithClock(now func() time.Time) *SeenCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

// MarkSeen records the ID and reports whether it was new.
func (c *SeenCache) MarkSeen(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.pruneLocked(now)

	if exp, exists := c.expires[id]; exists && now.Before(exp) {
		return false, nil
	}

	exp := now.Add(c.ttl)
	c.expires[id] = exp
	c.order = append(c.order, seenEntry{id: id, expiresAt: exp})

	for len(c.expires) > c.capacity && len(c.order) > 0 {
		c.evictFrontLocked()
	}
	return true, nil
}

// pruneLocked drops expired entries from the front of the order queue.
func (c *SeenCache) pruneLocked(now time.Time) {
	for len(c.order) > 0 && !now.Before(c.order[0].expiresAt) {
		c.evictFrontLocked()
	}
	// Reclaim the backing array once it has drained.
	if len(c.order) == 0 && cap(c.order) > 1024 {
		c.order = nil
	}
}

func (c *SeenCache) evictFrontLocked() {
	front := c.order[0]
	c.order = c.order[1:]
	// A re-marked ID has a newer queue entry; only drop the map entry
	// when this queue entry is the current one.
	if exp, ok := c.expires[front.id]; ok && exp.Equal(front.expiresAt) {
		delete(c.expires, front.id)
	}
}

// Len returns the number of IDs currently remembered.
func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.expires)
}

// Close releases any resources (no-op for in-memory cache).
func (c *SeenCache) Close() error {
	return nil
}

// Clear removes all entries. Useful for test cleanup.
func (c *SeenCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expires = make(map[string]time.Time)
	c.order = nil
}
