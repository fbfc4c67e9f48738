package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/repository"
)

// shortLockRepository implements repository.ShortLockRepository for PostgreSQL.
// Lock rows always go through the pool, never a transaction carried by ctx,
// so they are visible to other holders as soon as they are written.
type shortLockRepository struct {
	db *DB
}

// NewShortLockRepository creates a new PostgreSQL short lock repository.
func NewShortLockRepository(db *DB) repository.ShortLockRepository {
	return &shortLockRepository{db: db}
}

func (r *shortLockRepository) Insert(ctx context.Context, lock *domain.ShortLock) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO short_locks (lock_key, holder, expiry) VALUES ($1, $2, $3)`,
		lock.Key, lock.Holder, lock.Expiry)
	if err != nil {
		return fmt.Errorf("failed to insert short lock: %w", mapError(err))
	}
	return nil
}

func (r *shortLockRepository) Get(ctx context.Context, key string) (*domain.ShortLock, error) {
	lock := &domain.ShortLock{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT lock_key, holder, expiry FROM short_locks WHERE lock_key = $1`, key,
	).Scan(&lock.Key, &lock.Holder, &lock.Expiry)
	if err != nil {
		return nil, fmt.Errorf("failed to get short lock: %w", mapError(err))
	}
	return lock, nil
}

func (r *shortLockRepository) Delete(ctx context.Context, key, holder string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM short_locks WHERE lock_key = $1 AND holder = $2`, key, holder)
	if err != nil {
		return false, fmt.Errorf("failed to delete short lock: %w", mapError(err))
	}
	return tag.RowsAffected() > 0, nil
}

func (r *shortLockRepository) RemoveStale(ctx context.Context, key string, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM short_locks WHERE lock_key = $1 AND expiry < $2`, key, now)
	if err != nil {
		return 0, fmt.Errorf("failed to remove stale short lock: %w", mapError(err))
	}
	return tag.RowsAffected(), nil
}

func (r *shortLockRepository) Extend(ctx context.Context, key, holder string, expiry time.Time) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE short_locks SET expiry = $1 WHERE lock_key = $2 AND holder = $3`, expiry, key, holder)
	if err != nil {
		return false, fmt.Errorf("failed to extend short lock: %w", mapError(err))
	}
	return tag.RowsAffected() > 0, nil
}
