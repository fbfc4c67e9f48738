package lock

import (
	"context"
	"errors"
	"time"

	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/repository"
)

// DatabaseLocker implements Locker with rows of the ShortLocks table.
// The uniqueness constraint on the lock key is what guarantees a single holder:
// an insert that violates it is the "already held" signal. Expired rows are
// removed before every acquisition attempt so a crashed holder cannot block a
// sharing group past the lock expiry.
type DatabaseLocker struct {
	repo     repository.ShortLockRepository
	instance string
	now      func() time.Time
}

// NewDatabaseLocker creates a locker over the ShortLocks repository.
// instance names the holder used when ctx carries none.
func NewDatabaseLocker(repo repository.ShortLockRepository, instance string) *DatabaseLocker {
	return &DatabaseLocker{
		repo:     repo,
		instance: instance,
		now:      time.Now,
	}
}

// Acquire attempts to acquire a lock.
func (l *DatabaseLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := l.now().UTC()

	if _, err := l.repo.RemoveStale(ctx, key, now); err != nil {
		return false, err
	}

	err := l.repo.Insert(ctx, &domain.ShortLock{
		Key:    key,
		Holder: HolderFrom(ctx, l.instance),
		Expiry: now.Add(ttl),
	})
	if errors.Is(err, repository.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

// AcquireWithRetry attempts to acquire a lock with retries.
// Lock wait timeouts reported by the database count as a failed attempt.
func (l *DatabaseLocker) AcquireWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (bool, error) {
	return retryAcquire(ctx, maxRetries, retryDelay, repository.IsRetryable, func() (bool, error) {
		return l.Acquire(ctx, key, ttl)
	})
}

// Release releases a lock held by the caller.
func (l *DatabaseLocker) Release(ctx context.Context, key string) (bool, error) {
	return l.repo.Delete(ctx, key, HolderFrom(ctx, l.instance))
}

// Extend extends the TTL of a lock held by the caller.
func (l *DatabaseLocker) Extend(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.repo.Extend(ctx, key, HolderFrom(ctx, l.instance), l.now().UTC().Add(ttl))
}

// IsHeld checks if a non-stale lock row exists.
func (l *DatabaseLocker) IsHeld(ctx context.Context, key string) (bool, error) {
	row, err := l.repo.Get(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !row.IsStale(l.now()), nil
}

// Ensure DatabaseLocker implements Locker.
var _ Locker = (*DatabaseLocker)(nil)
