// Package memory provides an in-memory TTL cache.
// This is suitable for per-process state that can be rebuilt on a miss.
package memory

import (
	"sync"
	"time"
)

// sweepInterval is the minimum time between two sweeps of expired items.
const sweepInterval = time.Minute

// Cache is a concurrency-safe map whose items expire after a fixed TTL.
// Expired items are removed by a sweep run from Set.
type Cache[V any] struct {
	mu        sync.RWMutex
	items     map[string]*cacheItem[V]
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// cacheItem represents a single cached item.
type cacheItem[V any] struct {
	value     V
	expiresAt time.Time
}

// isExpired checks if the item has expired.
func (i *cacheItem[V]) isExpired(now time.Time) bool {
	return now.After(i.expiresAt)
}

// NewCache creates a new in-memory cache whose items live for ttl.
func NewCache[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		items: make(map[string]*cacheItem[V]),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Get retrieves a value by key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, exists := c.items[key]
	if !exists || item.isExpired(c.now()) {
		var zero V
		return zero, false
	}
	return item.value, true
}

// Set stores a value for the cache TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Sub(c.lastSweep) >= sweepInterval {
		c.sweep(now)
	}
	c.items[key] = &cacheItem[V]{value: value, expiresAt: now.Add(c.ttl)}
}

// Delete removes a value by key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, key)
}

// Len returns the number of items, expired ones included until the next sweep.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.items)
}

// sweep removes expired items. The caller holds the write lock.
func (c *Cache[V]) sweep(now time.Time) {
	for key, item := range c.items {
		if item.isExpired(now) {
			delete(c.items, key)
		}
	}
	c.lastSweep = now
}
