package repository

import "errors"

// Repository errors
var (
	// ErrNotFound indicates the requested entity was not found.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate indicates an insert violated a uniqueness constraint.
	ErrDuplicate = errors.New("duplicate entry")

	// ErrDeadlock indicates the database aborted the statement to break a deadlock.
	ErrDeadlock = errors.New("deadlock detected")

	// ErrLockWaitTimeout indicates the statement timed out waiting for a row or table lock.
	ErrLockWaitTimeout = errors.New("lock wait timeout")
)

// Lock errors
var (
	// ErrLockNotAcquired indicates the lock could not be acquired.
	ErrLockNotAcquired = errors.New("lock not acquired")

	// ErrLockNotOwned indicates the operation failed because we don't own the lock.
	ErrLockNotOwned = errors.New("lock not owned")
)

// IsRetryable reports whether err is a transient contention error that may succeed
// when the statement is issued again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDeadlock) || errors.Is(err, ErrLockWaitTimeout)
}
