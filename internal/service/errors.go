// Package service provides the business logic of the sync server: uploads,
// deletions, the batch-completion coordinators, sharing groups, users and the
// deferred uploader.
package service

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/repository"
)

// Common service errors.
var (
	// Request errors
	ErrInvalidRequest  = errors.New("invalid request")
	ErrInvalidUUID     = errors.New("invalid UUID")
	ErrInvalidPassword = errors.New("invalid password: must be at least 8 characters")
	ErrInvalidUsername = errors.New("invalid username: must be 3-255 characters")

	// ErrOwnerRemoved indicates the v0 owner of a file is no longer a user.
	ErrOwnerRemoved = errors.New("file owner has been removed")

	// ErrSharingGroupBusy indicates the sharing group lock could not be acquired in time.
	ErrSharingGroupBusy = errors.New("sharing group is busy")

	// ErrContention indicates a database deadlock or lock wait timeout; the request may be retried.
	ErrContention = errors.New("database contention")

	// General errors
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrInternalError    = errors.New("internal server error")
)

// infrastructureError logs err and converts it into ErrContention when the
// database reported a retryable condition, and into ErrInternalError otherwise.
func infrastructureError(logger zerolog.Logger, err error, msg string) error {
	if repository.IsRetryable(err) {
		logger.Warn().Err(err).Msg(msg)
		return fmt.Errorf("%w: %w", ErrContention, err)
	}
	logger.Error().Err(err).Msg(msg)
	return fmt.Errorf("%w: %v", ErrInternalError, err)
}

// classifyError returns err unchanged when it is already a client-facing error
// (a domain error or one of the service errors above) and passes every other
// error through infrastructureError.
func classifyError(logger zerolog.Logger, err error, msg string) error {
	var domainErr *domain.DomainError
	switch {
	case errors.As(err, &domainErr),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrInvalidUUID),
		errors.Is(err, ErrOwnerRemoved),
		errors.Is(err, ErrSharingGroupBusy),
		errors.Is(err, ErrContention),
		errors.Is(err, ErrInternalError):
		return err
	}
	return infrastructureError(logger, err, msg)
}

// invariantViolation logs a failed internal consistency check loudly and
// returns the generic error the client sees.
func invariantViolation(logger zerolog.Logger, msg string, fields map[string]any) error {
	logger.Error().Fields(fields).Msg("invariant violated: " + msg)
	return fmt.Errorf("%w: %w: %s", ErrInternalError, domain.ErrInvariantViolation, msg)
}
