// Package lock provides the mutual-exclusion primitives of the sync server.
// Sharing group critical sections are guarded by DatabaseLocker, which stores
// lock rows in the metadata database so that every server instance observes them.
// The deferred uploader's process-wide lock may also be backed by Redis or,
// for single-node deployments, by memory.
package lock

import (
	"context"
	"time"
)

// Locker defines the interface for distributed/local locking.
// Ownership is tied to the holder carried by ctx (see WithHolder); a lock can
// only be released or extended by the holder that acquired it.
type Locker interface {
	// Acquire attempts to acquire a lock.
	// Returns true if the lock was acquired, false if it's held by another holder.
	// The lock expires after the specified TTL.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// AcquireWithRetry attempts to acquire a lock with retries.
	// Will retry up to maxRetries times with retryDelay between attempts.
	AcquireWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (bool, error)

	// Release releases a lock.
	// Returns true if the lock was released, false if it wasn't held by the caller.
	Release(ctx context.Context, key string) (bool, error)

	// Extend extends the TTL of a held lock.
	// Returns true if the lock was extended, false if it's not held by the caller.
	Extend(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// IsHeld checks if the lock is currently held by anyone.
	IsHeld(ctx context.Context, key string) (bool, error)
}

type holderKey struct{}

// WithHolder returns a context whose lock operations act on behalf of holder,
// normally the requesting device UUID.
func WithHolder(ctx context.Context, holder string) context.Context {
	return context.WithValue(ctx, holderKey{}, holder)
}

// HolderFrom returns the holder carried by ctx, or fallback if none is set.
func HolderFrom(ctx context.Context, fallback string) string {
	if holder, ok := ctx.Value(holderKey{}).(string); ok && holder != "" {
		return holder
	}
	return fallback
}

// Lock is a convenience wrapper for a specific lock instance.
type Lock struct {
	locker Locker
	key    string
	held   bool
}

// NewLock creates a new Lock instance.
func NewLock(locker Locker, key string) *Lock {
	return &Lock{
		locker: locker,
		key:    key,
	}
}

// Acquire attempts to acquire the lock.
func (l *Lock) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	acquired, err := l.locker.Acquire(ctx, l.key, ttl)
	if err != nil {
		return false, err
	}
	l.held = acquired
	return acquired, nil
}

// AcquireWithin attempts to acquire the lock, waiting at most timeout for a
// current holder to release it.
func (l *Lock) AcquireWithin(ctx context.Context, ttl, timeout, retryDelay time.Duration) (bool, error) {
	maxRetries := 0
	if retryDelay > 0 {
		maxRetries = int(timeout / retryDelay)
	}
	acquired, err := l.locker.AcquireWithRetry(ctx, l.key, ttl, maxRetries, retryDelay)
	if err != nil {
		return false, err
	}
	l.held = acquired
	return acquired, nil
}

// Release releases the lock.
func (l *Lock) Release(ctx context.Context) error {
	if !l.held {
		return nil
	}
	_, err := l.locker.Release(ctx, l.key)
	l.held = false
	return err
}

// Extend extends the lock TTL.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	if !l.held {
		return nil
	}
	extended, err := l.locker.Extend(ctx, l.key, ttl)
	if err != nil {
		return err
	}
	if !extended {
		l.held = false
	}
	return nil
}

// IsHeld returns whether the lock is held.
func (l *Lock) IsHeld() bool {
	return l.held
}

// retryAcquire calls acquire until it succeeds, fails, or maxRetries is exhausted.
// Errors for which retryable returns true count as a failed attempt.
func retryAcquire(ctx context.Context, maxRetries int, retryDelay time.Duration, retryable func(error) bool, acquire func() (bool, error)) (bool, error) {
	for i := 0; i <= maxRetries; i++ {
		acquired, err := acquire()
		if err != nil && (retryable == nil || !retryable(err)) {
			return false, err
		}
		if acquired {
			return true, nil
		}

		// Don't sleep on the last attempt.
		if i < maxRetries {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
	return false, nil
}

// =============================================================================
// Common Lock Keys
// =============================================================================

// Keys provides lock key generation for common scenarios.
var Keys = lockKeys{}

type lockKeys struct{}

// SharingGroup returns the lock key serializing transfers into a sharing group's file index.
// The ShortLocks table is keyed by the sharing group UUID itself.
func (lockKeys) SharingGroup(sharingGroupUUID string) string {
	return sharingGroupUUID
}

// Uploader returns the lock key serializing deferred uploader runs across instances.
func (lockKeys) Uploader() string {
	return "syncserver:uploader"
}
