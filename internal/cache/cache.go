// Package cache provides the bounded TTL cache backing the live-request store
// and its per-tenant shard manager.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
	elem      *list.Element
}

// Cache is a bounded key/value store with per-entry expiry. Expiry is lazy on
// access; Sweep reclaims memory eagerly. When an insert would exceed the
// configured maximum, the oldest-inserted entries are evicted first.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	order   *list.List // element value is the entry key, oldest insert at front
	max     int
}

// New returns a cache holding at most max entries. max <= 0 means unbounded.
func New[V any](max int) *Cache[V] {
	return &Cache[V]{
		entries: make(map[string]*entry[V]),
		order:   list.New(),
		max:     max,
	}
}

// Set inserts or overwrites key. Overwriting refreshes both the TTL and the
// eviction slot. ttl <= 0 stores the entry without expiry.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expiresAt = expiryFrom(now, ttl)
		c.order.MoveToBack(e.elem)
		return
	}
	if c.max > 0 {
		for len(c.entries) >= c.max {
			c.evictOldestLocked()
		}
	}
	e := &entry[V]{key: key, value: value, expiresAt: expiryFrom(now, ttl)}
	e.elem = c.order.PushBack(key)
	c.entries[key] = e
}

// Get returns the live value for key. Entries past their expiry behave as
// absent even if a sweep has not run yet.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.expiredLocked(e, time.Now()) {
		c.removeLocked(e)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Update applies fn to the current value under the cache lock, serializing
// concurrent read-modify-write sequences on the same key. ttl > 0 also
// refreshes the entry expiry. Returns the updated value, or false if the key
// is absent or expired.
func (c *Cache[V]) Update(key string, ttl time.Duration, fn func(V) V) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	e, ok := c.entries[key]
	if !ok || c.expiredLocked(e, now) {
		if ok {
			c.removeLocked(e)
		}
		var zero V
		return zero, false
	}
	e.value = fn(e.value)
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	return e.value, true
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Values returns all live values in insertion order, skipping expired entries.
func (c *Cache[V]) Values() []V {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	out := make([]V, 0, len(c.entries))
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		e := c.entries[elem.Value.(string)]
		if c.expiredLocked(e, now) {
			continue
		}
		out = append(out, e.value)
	}
	return out
}

// Sweep removes expired entries and reports how many were reclaimed.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	removed := 0
	for _, e := range c.entries {
		if c.expiredLocked(e, now) {
			c.removeLocked(e)
			removed++
		}
	}
	return removed
}

// Start runs Sweep on the given interval until ctx is done.
func (c *Cache[V]) Start(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Sweep()
		}
	}
}

func (c *Cache[V]) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.removeLocked(c.entries[front.Value.(string)])
}

func (c *Cache[V]) removeLocked(e *entry[V]) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
}

func (c *Cache[V]) expiredLocked(e *entry[V], now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func expiryFrom(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
