package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker implements Locker using in-memory locks.
// This is suitable for single-node deployments where distributed locking is not needed.
// The locks are NOT shared across process restarts or multiple instances.
type MemoryLocker struct {
	mu       sync.Mutex
	locks    map[string]*lockEntry
	instance string
}

// lockEntry represents a single lock.
type lockEntry struct {
	expiresAt time.Time
	holder    string
}

// NewMemoryLocker creates a new in-memory locker.
// Expired entries are reclaimed lazily when their key is next touched.
func NewMemoryLocker(instance string) *MemoryLocker {
	return &MemoryLocker{
		locks:    make(map[string]*lockEntry),
		instance: instance,
	}
}

// live returns the unexpired entry for key, dropping it if it has expired.
// Callers must hold m.mu.
func (m *MemoryLocker) live(key string, now time.Time) *lockEntry {
	entry, exists := m.locks[key]
	if !exists {
		return nil
	}
	if now.After(entry.expiresAt) {
		delete(m.locks, key)
		return nil
	}
	return entry
}

// Acquire attempts to acquire a lock.
func (m *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if m.live(key, now) != nil {
		return false, nil
	}

	m.locks[key] = &lockEntry{
		expiresAt: now.Add(ttl),
		holder:    HolderFrom(ctx, m.instance),
	}

	return true, nil
}

// AcquireWithRetry attempts to acquire a lock with retries.
func (m *MemoryLocker) AcquireWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (bool, error) {
	return retryAcquire(ctx, maxRetries, retryDelay, nil, func() (bool, error) {
		return m.Acquire(ctx, key, ttl)
	})
}

// Release releases a lock held by the caller.
func (m *MemoryLocker) Release(ctx context.Context, key string) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.live(key, time.Now())
	if entry == nil || entry.holder != HolderFrom(ctx, m.instance) {
		return false, nil
	}

	delete(m.locks, key)
	return true, nil
}

// Extend extends the TTL of a lock held by the caller.
func (m *MemoryLocker) Extend(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	entry := m.live(key, now)
	if entry == nil || entry.holder != HolderFrom(ctx, m.instance) {
		return false, nil
	}

	entry.expiresAt = now.Add(ttl)
	return true, nil
}

// IsHeld checks if a lock is currently held.
func (m *MemoryLocker) IsHeld(ctx context.Context, key string) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.live(key, time.Now()) != nil, nil
}

// Ensure MemoryLocker implements Locker.
var _ Locker = (*MemoryLocker)(nil)
