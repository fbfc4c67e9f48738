// Package domain contains the core business entities for the sync server.
package domain

import (
	"errors"
	"fmt"
)

// Domain errors - these represent business rule violations.
// They are distinct from infrastructure errors (database, network, etc.).

var (
	// ===========================================
	// User Errors
	// ===========================================

	// ErrUserNotFound indicates the requested user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserAlreadyExists indicates a user with the same username exists.
	ErrUserAlreadyExists = errors.New("user already exists")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUnsupportedAccountType indicates no cloud storage vendor is registered for the account type.
	ErrUnsupportedAccountType = errors.New("unsupported cloud storage account type")

	// ===========================================
	// Sharing Group Errors
	// ===========================================

	// ErrSharingGroupNotFound indicates the sharing group does not exist.
	ErrSharingGroupNotFound = errors.New("sharing group not found")

	// ErrSharingGroupDeleted indicates the sharing group has been removed.
	ErrSharingGroupDeleted = errors.New("sharing group has been deleted")

	// ErrNotSharingGroupMember indicates the user is not a member of the sharing group.
	ErrNotSharingGroupMember = errors.New("user is not a member of the sharing group")

	// ErrPermissionDenied indicates the member lacks the permission for the operation.
	ErrPermissionDenied = errors.New("insufficient sharing group permission")

	// ErrAlreadySharingGroupMember indicates the user already belongs to the group.
	ErrAlreadySharingGroupMember = errors.New("user is already a member of the sharing group")

	// ===========================================
	// File Errors
	// ===========================================

	// ErrFileNotFound indicates the file has no FileIndex entry in the sharing group.
	ErrFileNotFound = errors.New("file not found in file index")

	// ErrFileDeleted indicates the file is marked deleted in the FileIndex.
	ErrFileDeleted = errors.New("file has been deleted")

	// ErrFileAlreadyExists indicates a v0 upload for a file that is already indexed.
	ErrFileAlreadyExists = errors.New("file already exists in file index")

	// ErrInvalidFileVersion indicates the presented file version is not the expected one.
	ErrInvalidFileVersion = errors.New("invalid file version")

	// ErrMimeTypeMismatch indicates a new version does not keep the file's mime type.
	ErrMimeTypeMismatch = errors.New("mime type does not match existing file")

	// ErrNotDeleted indicates an undelete was requested for a file that is not deleted.
	ErrNotDeleted = errors.New("file is not deleted")

	// ErrInvalidAppMetaData indicates the app metadata version or contents are not acceptable.
	ErrInvalidAppMetaData = errors.New("invalid app metadata upload")

	// ErrChecksumMismatch indicates the cloud-reported checksum differs from the client's.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrFileGroupMismatch indicates a file is being associated with a different file group.
	ErrFileGroupMismatch = errors.New("file group does not match existing file")

	// ===========================================
	// Upload Batch Errors
	// ===========================================

	// ErrInvalidUploadIndex indicates uploadIndex/uploadCount are out of range.
	ErrInvalidUploadIndex = errors.New("invalid upload index or count")

	// ErrNoUploads indicates there are no staged uploads to finish.
	ErrNoUploads = errors.New("no uploads found")

	// ErrBatchIncoherent indicates staged uploads disagree on fileGroupUUID or uploadCount.
	ErrBatchIncoherent = errors.New("upload batch is not coherent")

	// ErrDeferredUploadNotFound indicates the deferred upload does not exist for the user.
	ErrDeferredUploadNotFound = errors.New("deferred upload not found")

	// ErrChangeResolverNotFound indicates an unknown change resolver name.
	ErrChangeResolverNotFound = errors.New("change resolver not found")

	// ===========================================
	// Internal Errors
	// ===========================================

	// ErrInvariantViolation indicates an internal consistency check failed.
	ErrInvariantViolation = errors.New("internal invariant violated")
)

// DomainError wraps a domain error with additional context.
type DomainError struct {
	// Err is the underlying domain error.
	Err error

	// Message provides additional context.
	Message string

	// Resource identifies the affected resource (e.g., fileUUID, sharingGroupUUID).
	Resource string
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Err.Error(), e.Message, e.Resource)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/errors.As.
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new DomainError with context.
func NewDomainError(err error, message, resource string) *DomainError {
	return &DomainError{
		Err:      err,
		Message:  message,
		Resource: resource,
	}
}

// WrapError wraps an error with domain context if it's not already a DomainError.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}

	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return err
	}

	return &DomainError{
		Err:     err,
		Message: message,
	}
}
