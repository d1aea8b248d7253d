// Package cache provides a small in-memory TTL cache shared by the
// resolution and lookup layers. Entries expire lazily on read and in bulk
// via a periodic sweep; when bounded, the oldest-inserted entry is evicted
// first (FIFO, not LRU: reads do not refresh an entry's position).
package cache

import (
	"context"
	"sync"
	"time"
)

type entry[V any] struct {
	value      V
	insertedAt time.Time
}

type TTLCache[K comparable, V any] struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[K]entry[V]
	order      []K

	now func() time.Time
}

// New returns a cache whose entries expire ttl after insertion.
// maxEntries <= 0 means unbounded.
func New[K comparable, V any](ttl time.Duration, maxEntries int) *TTLCache[K, V] {
	return &TTLCache[K, V]{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[K]entry[V]),
		now:        time.Now,
	}
}

// SetClock overrides the cache's time source. Test hook.
func (c *TTLCache[K, V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.removeFromOrder(key)
	}
	c.entries[key] = entry[V]{value: value, insertedAt: c.now()}
	c.order = append(c.order, key)

	if c.maxEntries > 0 {
		for len(c.entries) > c.maxEntries {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
	}
}

func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.expired(e) {
		delete(c.entries, key)
		c.removeFromOrder(key)
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	c.removeFromOrder(key)
}

func (c *TTLCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]entry[V])
	c.order = nil
}

func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// SweepExpired removes every expired entry and returns how many were dropped.
func (c *TTLCache[K, V]) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	kept := c.order[:0]
	for _, key := range c.order {
		e, ok := c.entries[key]
		if !ok {
			continue
		}
		if c.expired(e) {
			delete(c.entries, key)
			removed++
			continue
		}
		kept = append(kept, key)
	}
	c.order = kept
	return removed
}

// StartSweeper runs SweepExpired every interval until ctx is done. It is a
// complement to lazy per-read expiry, not a replacement.
func (c *TTLCache[K, V]) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.SweepExpired()
			}
		}
	}()
}

func (c *TTLCache[K, V]) expired(e entry[V]) bool {
	if c.ttl <= 0 {
		return false
	}
	return c.now().Sub(e.insertedAt) >= c.ttl
}

func (c *TTLCache[K, V]) removeFromOrder(key K) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
