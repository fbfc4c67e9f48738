package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/prn-tf/syncserver/internal/repository"
)

// PostgreSQL error codes used by the repositories.
const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeQueryCanceled        = "57014"
)

// mapError translates driver errors into repository errors, keeping the cause.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case codeUniqueViolation:
		return fmt.Errorf("%w: %v", repository.ErrDuplicate, err)
	case codeForeignKeyViolation:
		return fmt.Errorf("%w: %v", repository.ErrNotFound, err)
	case codeDeadlockDetected, codeSerializationFailure:
		return fmt.Errorf("%w: %v", repository.ErrDeadlock, err)
	case codeLockNotAvailable, codeQueryCanceled:
		return fmt.Errorf("%w: %v", repository.ErrLockWaitTimeout, err)
	default:
		return err
	}
}
