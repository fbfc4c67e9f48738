package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/repository"
)

// shortLockRepository implements repository.ShortLockRepository for SQLite.
// Lock rows are always written outside any transaction carried by ctx so that
// other holders observe them immediately; it must not be called inside WithTx.
type shortLockRepository struct {
	db *DB
}

// NewShortLockRepository creates a new SQLite short lock repository.
func NewShortLockRepository(db *DB) repository.ShortLockRepository {
	return &shortLockRepository{db: db}
}

// Insert creates the lock row.
func (r *shortLockRepository) Insert(ctx context.Context, lock *domain.ShortLock) error {
	_, err := r.db.db.ExecContext(ctx,
		`INSERT INTO short_locks (lock_key, holder, expiry) VALUES (?, ?, ?)`,
		lock.Key, lock.Holder, formatTime(lock.Expiry),
	)
	if err != nil {
		return fmt.Errorf("failed to insert short lock: %w", mapError(err))
	}
	return nil
}

// Get returns the lock row for a key.
func (r *shortLockRepository) Get(ctx context.Context, key string) (*domain.ShortLock, error) {
	lock := &domain.ShortLock{}
	var expiry string

	err := r.db.db.QueryRowContext(ctx,
		`SELECT lock_key, holder, expiry FROM short_locks WHERE lock_key = ?`, key,
	).Scan(&lock.Key, &lock.Holder, &expiry)
	if err != nil {
		return nil, fmt.Errorf("failed to get short lock: %w", mapError(err))
	}

	lock.Expiry = parseTime(expiry)
	return lock, nil
}

// Delete removes the lock row of a key held by holder.
func (r *shortLockRepository) Delete(ctx context.Context, key, holder string) (bool, error) {
	result, err := r.db.db.ExecContext(ctx,
		`DELETE FROM short_locks WHERE lock_key = ? AND holder = ?`, key, holder)
	if err != nil {
		return false, fmt.Errorf("failed to delete short lock: %w", mapError(err))
	}

	rowsAffected, _ := result.RowsAffected()
	return rowsAffected > 0, nil
}

// RemoveStale removes the lock row of a key if it expired before now.
func (r *shortLockRepository) RemoveStale(ctx context.Context, key string, now time.Time) (int64, error) {
	result, err := r.db.db.ExecContext(ctx,
		`DELETE FROM short_locks WHERE lock_key = ? AND expiry < ?`, key, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to remove stale short lock: %w", mapError(err))
	}
	return result.RowsAffected()
}

// Extend moves the expiry of a lock row held by holder.
func (r *shortLockRepository) Extend(ctx context.Context, key, holder string, expiry time.Time) (bool, error) {
	result, err := r.db.db.ExecContext(ctx,
		`UPDATE short_locks SET expiry = ? WHERE lock_key = ? AND holder = ?`,
		formatTime(expiry), key, holder)
	if err != nil {
		return false, fmt.Errorf("failed to extend short lock: %w", mapError(err))
	}

	rowsAffected, _ := result.RowsAffected()
	return rowsAffected > 0, nil
}
