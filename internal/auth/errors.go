// Package auth provides bearer token authentication for the sync server.
package auth

import (
	"errors"
	"net/http"
)

// Authentication errors.
var (
	// ErrMissingToken indicates the request carries no bearer token.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidAuthorizationHeader indicates the Authorization header is malformed.
	ErrInvalidAuthorizationHeader = errors.New("invalid authorization header")

	// ErrInvalidToken indicates the token signature or claims are not acceptable.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired indicates the token is past its expiry.
	ErrTokenExpired = errors.New("token has expired")

	// ErrAccessDenied indicates the request is not authorized.
	ErrAccessDenied = errors.New("access denied")
)

// ErrorCode is the machine-readable code of an authentication failure.
type ErrorCode string

const (
	// ErrorCodeUnauthorized maps to HTTP 401
	ErrorCodeUnauthorized ErrorCode = "Unauthorized"

	// ErrorCodeTokenExpired maps to HTTP 401
	ErrorCodeTokenExpired ErrorCode = "TokenExpired"

	// ErrorCodeMalformedHeader maps to HTTP 400
	ErrorCodeMalformedHeader ErrorCode = "AuthorizationHeaderMalformed"

	// ErrorCodeAccessDenied maps to HTTP 403
	ErrorCodeAccessDenied ErrorCode = "AccessDenied"
)

// AuthError represents an authentication error with its client-facing code.
type AuthError struct {
	// Code is the error code.
	Code ErrorCode `json:"code"`

	// Message is the error message.
	Message string `json:"message"`

	// HTTPStatus is the HTTP status code.
	HTTPStatus int `json:"-"`
}

func (e *AuthError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// NewAuthError creates a new AuthError from a standard error.
func NewAuthError(err error) *AuthError {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return &AuthError{
			Code:       ErrorCodeTokenExpired,
			Message:    err.Error(),
			HTTPStatus: http.StatusUnauthorized,
		}

	case errors.Is(err, ErrInvalidAuthorizationHeader):
		return &AuthError{
			Code:       ErrorCodeMalformedHeader,
			Message:    err.Error(),
			HTTPStatus: http.StatusBadRequest,
		}

	case errors.Is(err, ErrMissingToken), errors.Is(err, ErrInvalidToken):
		return &AuthError{
			Code:       ErrorCodeUnauthorized,
			Message:    err.Error(),
			HTTPStatus: http.StatusUnauthorized,
		}

	default:
		return &AuthError{
			Code:       ErrorCodeAccessDenied,
			Message:    err.Error(),
			HTTPStatus: http.StatusForbidden,
		}
	}
}
