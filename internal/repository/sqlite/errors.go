package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/prn-tf/syncserver/internal/repository"
)

// Error handling utilities for SQLite.

// isUniqueViolation checks if an error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed: UNIQUE")
}

// isForeignKeyViolation checks if an error is a foreign key constraint violation.
func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// isBusy checks if an error reports a lock wait that ran past busy_timeout.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "SQLITE_BUSY")
}

// isNoRows checks if an error indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// mapError translates driver errors into repository errors, keeping the cause.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case isNoRows(err):
		return repository.ErrNotFound
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %v", repository.ErrDuplicate, err)
	case isForeignKeyViolation(err):
		return fmt.Errorf("%w: %v", repository.ErrNotFound, err)
	case isBusy(err):
		return fmt.Errorf("%w: %v", repository.ErrLockWaitTimeout, err)
	default:
		return err
	}
}
