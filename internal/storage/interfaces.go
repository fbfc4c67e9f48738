// Package storage defines the cloud storage contract of the sync server.
// File bytes never live in the metadata database: each file is stored in the
// cloud storage account of its v0 owner, through a vendor implementation of
// CloudStorage selected by the owner's account type.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/prn-tf/syncserver/internal/domain"
)

// Cloud storage errors. Vendors translate their own failure codes onto these so
// that callers can tell a missing object or a dead credential from a transient failure.
var (
	// ErrFileNotFound indicates the named object does not exist in the cloud folder.
	ErrFileNotFound = errors.New("cloud file not found")

	// ErrAccessTokenRevokedOrExpired indicates the vendor rejected the account credentials.
	ErrAccessTokenRevokedOrExpired = errors.New("cloud access token revoked or expired")
)

// Options carries the per-call parameters of a CloudStorage operation.
type Options struct {
	// CloudFolderName is the folder, within the account, holding synced files.
	CloudFolderName string

	// MimeType of the file, used by vendors that record a content type.
	MimeType string
}

// CloudStorage is one user's cloud storage account.
// Implementations can include S3-compatible buckets, the local filesystem, or memory.
type CloudStorage interface {
	// UploadFile stores data under name, replacing any existing object.
	// Returns the vendor checksum of the stored bytes.
	UploadFile(ctx context.Context, name string, data []byte, opts Options) (checksum string, err error)

	// DownloadFile returns the bytes stored under name and their vendor checksum.
	// Returns ErrFileNotFound if the object does not exist.
	DownloadFile(ctx context.Context, name string, opts Options) (data []byte, checksum string, err error)

	// DeleteFile removes the object stored under name.
	// Returns ErrFileNotFound if the object does not exist.
	DeleteFile(ctx context.Context, name string, opts Options) error

	// LookupFile reports whether an object exists under name.
	LookupFile(ctx context.Context, name string, opts Options) (bool, error)
}

// Factory builds the CloudStorage of one account from its decrypted credentials.
// credentials is the vendor-specific JSON document stored with the user and may be empty.
type Factory func(ctx context.Context, credentials []byte) (CloudStorage, error)

// Registry maps account types onto vendor factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[domain.AccountType]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[domain.AccountType]Factory),
	}
}

// Register adds or replaces the factory for an account type.
func (r *Registry) Register(accountType domain.AccountType, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[accountType] = factory
}

// Open returns the CloudStorage of an account.
// Returns domain.ErrUnsupportedAccountType if no vendor is registered for the type.
func (r *Registry) Open(ctx context.Context, accountType domain.AccountType, credentials []byte) (CloudStorage, error) {
	r.mu.RLock()
	factory, ok := r.factories[accountType]
	r.mu.RUnlock()

	if !ok {
		return nil, domain.NewDomainError(domain.ErrUnsupportedAccountType, "no vendor registered", string(accountType))
	}

	store, err := factory(ctx, credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s cloud storage: %w", accountType, err)
	}
	return store, nil
}

// AccountTypes returns the registered account types in sorted order.
func (r *Registry) AccountTypes() []domain.AccountType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]domain.AccountType, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// IsGone reports whether err means the object or the account behind it is gone,
// as opposed to a transient failure.
func IsGone(err error) bool {
	return errors.Is(err, ErrFileNotFound) || errors.Is(err, ErrAccessTokenRevokedOrExpired)
}

// GoneReason maps a gone-class error onto the reason reported to clients.
// Returns "" for any other error.
func GoneReason(err error) domain.GoneReason {
	switch {
	case errors.Is(err, ErrAccessTokenRevokedOrExpired):
		return domain.GoneReasonAuthTokenExpiredOrRevoked
	case errors.Is(err, ErrFileNotFound):
		return domain.GoneReasonFileRemovedOrRenamed
	}
	return ""
}
