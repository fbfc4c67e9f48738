// Package handler provides the JSON HTTP API of the sync server.
package handler

import (
	"errors"
	"net/http"

	"github.com/prn-tf/syncserver/internal/auth"
	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/service"
)

// APIError is the error body returned to clients.
type APIError struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	HTTPStatusCode int    `json:"-"`
}

// errorMapping maps a service or domain error to its client-facing code and status.
type errorMapping struct {
	err    error
	code   string
	status int
}

// errorMappings is checked in order; the first match wins.
var errorMappings = []errorMapping{
	// Request validation
	{service.ErrInvalidUUID, "InvalidUUID", http.StatusBadRequest},
	{service.ErrInvalidUsername, "InvalidUsername", http.StatusBadRequest},
	{service.ErrInvalidPassword, "InvalidPassword", http.StatusBadRequest},
	{domain.ErrInvalidUploadIndex, "InvalidUploadIndex", http.StatusBadRequest},
	{domain.ErrInvalidFileVersion, "InvalidFileVersion", http.StatusBadRequest},
	{domain.ErrInvalidAppMetaData, "InvalidAppMetaData", http.StatusBadRequest},
	{domain.ErrChecksumMismatch, "ChecksumMismatch", http.StatusBadRequest},
	{domain.ErrMimeTypeMismatch, "MimeTypeMismatch", http.StatusBadRequest},
	{domain.ErrFileGroupMismatch, "FileGroupMismatch", http.StatusBadRequest},
	{domain.ErrBatchIncoherent, "BatchIncoherent", http.StatusBadRequest},
	{domain.ErrNoUploads, "NoUploads", http.StatusBadRequest},
	{domain.ErrChangeResolverNotFound, "ChangeResolverNotFound", http.StatusBadRequest},
	{domain.ErrUnsupportedAccountType, "UnsupportedAccountType", http.StatusBadRequest},
	{service.ErrInvalidRequest, "InvalidRequest", http.StatusBadRequest},

	// Authentication and membership
	{domain.ErrInvalidCredentials, "InvalidCredentials", http.StatusUnauthorized},
	{auth.ErrAccessDenied, "AccessDenied", http.StatusUnauthorized},
	{domain.ErrNotSharingGroupMember, "NotSharingGroupMember", http.StatusForbidden},
	{domain.ErrPermissionDenied, "PermissionDenied", http.StatusForbidden},

	// Missing resources
	{domain.ErrUserNotFound, "UserNotFound", http.StatusNotFound},
	{domain.ErrSharingGroupNotFound, "SharingGroupNotFound", http.StatusNotFound},
	{domain.ErrFileNotFound, "FileNotFound", http.StatusNotFound},
	{domain.ErrDeferredUploadNotFound, "DeferredUploadNotFound", http.StatusNotFound},
	{domain.ErrSharingGroupDeleted, "SharingGroupDeleted", http.StatusGone},
	{service.ErrOwnerRemoved, "OwnerRemoved", http.StatusGone},

	// State conflicts
	{domain.ErrFileDeleted, "FileDeleted", http.StatusConflict},
	{domain.ErrNotDeleted, "FileNotDeleted", http.StatusConflict},
	{domain.ErrFileAlreadyExists, "FileAlreadyExists", http.StatusConflict},
	{domain.ErrAlreadySharingGroupMember, "AlreadySharingGroupMember", http.StatusConflict},
	{domain.ErrUserAlreadyExists, "UserAlreadyExists", http.StatusConflict},

	// Retryable
	{service.ErrSharingGroupBusy, "SharingGroupBusy", http.StatusServiceUnavailable},
	{service.ErrContention, "Contention", http.StatusServiceUnavailable},
}

// errInternal is returned for every error without a mapping.
var errInternal = APIError{
	Code:           "InternalError",
	Message:        "We encountered an internal error. Please try again.",
	HTTPStatusCode: http.StatusInternalServerError,
}

// mapError converts an error returned by a service into an APIError.
// Internal errors never expose their message.
func mapError(err error) APIError {
	if errors.Is(err, service.ErrInternalError) {
		return errInternal
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return APIError{Code: m.code, Message: err.Error(), HTTPStatusCode: m.status}
		}
	}
	return errInternal
}

// retryable reports whether the client should retry the request unchanged.
func (e APIError) retryable() bool {
	return e.HTTPStatusCode == http.StatusServiceUnavailable
}
