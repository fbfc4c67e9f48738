// Package repository defines data access interfaces for the sync server.
// These interfaces abstract database operations, allowing for different implementations
// (PostgreSQL, SQLite) while keeping the service layer clean.
//
// Every method participates in the transaction carried by ctx when called inside
// TxManager.WithTx, and runs as its own statement otherwise.
package repository

import (
	"context"
	"time"

	"github.com/prn-tf/syncserver/internal/domain"
)

// =============================================================================
// User Repository
// =============================================================================

// UserRepository defines the interface for user data access.
type UserRepository interface {
	// Create creates a new user and sets its ID.
	// Returns ErrDuplicate if the username is taken.
	Create(ctx context.Context, user *domain.User) error

	// GetByID retrieves a user by ID.
	GetByID(ctx context.Context, id int64) (*domain.User, error)

	// GetByUsername retrieves a user by username.
	GetByUsername(ctx context.Context, username string) (*domain.User, error)

	// UpdateCredentials replaces the stored cloud credentials of a user.
	UpdateCredentials(ctx context.Context, id int64, credentials string) error

	// Delete deletes a user by ID.
	Delete(ctx context.Context, id int64) error
}

// =============================================================================
// Sharing Group Repositories
// =============================================================================

// SharingGroupRepository defines the interface for sharing group data access.
type SharingGroupRepository interface {
	// Create inserts a new sharing group.
	// Returns ErrDuplicate if the UUID already exists.
	Create(ctx context.Context, group *domain.SharingGroup) error

	// GetByUUID retrieves a sharing group, deleted or not.
	GetByUUID(ctx context.Context, sharingGroupUUID string) (*domain.SharingGroup, error)

	// UpdateName changes the display name of a sharing group.
	UpdateName(ctx context.Context, sharingGroupUUID string, name *string) error

	// MarkDeleted soft-deletes a sharing group.
	// Returns false if the group was already deleted or does not exist.
	MarkDeleted(ctx context.Context, sharingGroupUUID string) (bool, error)

	// ListForUser returns the non-deleted groups the user belongs to, with
	// their master versions and the user's permission.
	ListForUser(ctx context.Context, userID int64) ([]*domain.SharingGroupSummary, error)
}

// SharingGroupUserRepository defines the interface for sharing group membership.
type SharingGroupUserRepository interface {
	// Add adds a member. Returns ErrDuplicate if the user is already a member.
	Add(ctx context.Context, member *domain.SharingGroupUser) error

	// Get returns the membership of a user in a group.
	Get(ctx context.Context, sharingGroupUUID string, userID int64) (*domain.SharingGroupUser, error)

	// Remove removes one member. Returns false if the user was not a member.
	Remove(ctx context.Context, sharingGroupUUID string, userID int64) (bool, error)

	// RemoveAll removes every member of a group and returns the number removed.
	RemoveAll(ctx context.Context, sharingGroupUUID string) (int64, error)

	// Count returns the number of members of a group.
	Count(ctx context.Context, sharingGroupUUID string) (int64, error)
}

// =============================================================================
// Master Version Repository
// =============================================================================

// MasterVersionRepository defines the per-sharing-group optimistic concurrency counter.
type MasterVersionRepository interface {
	// Initialize creates the counter of a new sharing group at version 0.
	Initialize(ctx context.Context, sharingGroupUUID string) error

	// Get returns the current master version.
	Get(ctx context.Context, sharingGroupUUID string) (int64, error)

	// UpdateToNext increments the version if, and only if, it currently equals expected.
	// Returns false, without error, when the version did not match.
	UpdateToNext(ctx context.Context, sharingGroupUUID string, expected int64) (bool, error)
}

// =============================================================================
// Short Lock Repository
// =============================================================================

// ShortLockRepository backs the distributed lock with ShortLocks rows.
type ShortLockRepository interface {
	// Insert creates the lock row. Returns ErrDuplicate if the key is already held.
	Insert(ctx context.Context, lock *domain.ShortLock) error

	// Get returns the lock row for a key.
	Get(ctx context.Context, key string) (*domain.ShortLock, error)

	// Delete removes the lock row of a key held by holder.
	// Returns false if no such row exists.
	Delete(ctx context.Context, key, holder string) (bool, error)

	// RemoveStale removes the lock row of a key if it expired before now.
	RemoveStale(ctx context.Context, key string, now time.Time) (int64, error)

	// Extend moves the expiry of a lock row held by holder.
	// Returns false if no such row exists.
	Extend(ctx context.Context, key, holder string, expiry time.Time) (bool, error)
}

// =============================================================================
// Upload Repository
// =============================================================================

// UploadRepository defines the interface for the Upload staging table.
type UploadRepository interface {
	// Add inserts an Upload row and sets its ID.
	// Returns ErrDuplicate if a row for (fileUUID, userId, deviceUUID) already exists.
	Add(ctx context.Context, upload *domain.Upload) error

	// GetByKey returns the staged row for (fileUUID, userId, deviceUUID).
	GetByKey(ctx context.Context, fileUUID string, userID int64, deviceUUID string) (*domain.Upload, error)

	// ListPending returns rows of a (user, sharing group, device) not yet handed to
	// the deferred uploader, ordered by upload index.
	ListPending(ctx context.Context, userID int64, sharingGroupUUID, deviceUUID string) ([]*domain.Upload, error)

	// ListByDeferredUploadIDs returns rows referencing any of the given deferred uploads,
	// ordered by row id.
	ListByDeferredUploadIDs(ctx context.Context, deferredUploadIDs []int64) ([]*domain.Upload, error)

	// SetDeferredUploadID stamps rows with a deferred upload id and returns the number updated.
	SetDeferredUploadID(ctx context.Context, uploadIDs []int64, deferredUploadID int64) (int64, error)

	// DeleteByIDs removes rows and returns the number removed.
	DeleteByIDs(ctx context.Context, uploadIDs []int64) (int64, error)
}

// =============================================================================
// File Index Repository
// =============================================================================

// FileIndexRepository defines the interface for the authoritative file index.
type FileIndexRepository interface {
	// Add inserts a FileIndex row and sets its ID.
	// Returns ErrDuplicate if (sharingGroupUUID, fileUUID) already exists.
	Add(ctx context.Context, file *domain.FileIndex) error

	// Get returns the row for a file in a sharing group.
	Get(ctx context.Context, sharingGroupUUID, fileUUID string) (*domain.FileIndex, error)

	// Update writes every mutable column of an existing row identified by
	// (SharingGroupUUID, FileUUID). Returns ErrNotFound if no row matched.
	Update(ctx context.Context, file *domain.FileIndex) error

	// ListBySharingGroup returns every row of a sharing group, ordered by file UUID.
	ListBySharingGroup(ctx context.Context, sharingGroupUUID string) ([]*domain.FileIndex, error)

	// ListByFileGroup returns the rows of a file group within a sharing group.
	ListByFileGroup(ctx context.Context, sharingGroupUUID, fileGroupUUID string) ([]*domain.FileIndex, error)

	// MarkDeleted marks the given files deleted and returns the number of rows changed.
	MarkDeleted(ctx context.Context, sharingGroupUUID string, fileUUIDs []string) (int64, error)

	// MarkAllDeleted marks every file of a sharing group deleted.
	MarkAllDeleted(ctx context.Context, sharingGroupUUID string) (int64, error)
}

// =============================================================================
// Deferred Upload Repository
// =============================================================================

// DeferredUploadRepository defines the interface for the deferred work queue.
type DeferredUploadRepository interface {
	// Create inserts a DeferredUpload and sets its ID.
	Create(ctx context.Context, deferred *domain.DeferredUpload) error

	// GetByID returns a deferred upload.
	GetByID(ctx context.Context, id int64) (*domain.DeferredUpload, error)

	// ListByStatus returns deferred uploads in any of the given statuses, oldest first.
	ListByStatus(ctx context.Context, statuses ...domain.DeferredUploadStatus) ([]*domain.DeferredUpload, error)

	// UpdateStatus sets the status (and the error reason, if any) of the given rows.
	// Terminal statuses also stamp the completion time. Returns the number of rows updated.
	UpdateStatus(ctx context.Context, ids []int64, status domain.DeferredUploadStatus, reason *string) (int64, error)
}

// =============================================================================
// Transaction Support
// =============================================================================

// TxManager defines the interface for transaction management.
type TxManager interface {
	// WithTx executes the given function within a transaction carried by the
	// context passed to fn. If the function returns an error, the transaction is
	// rolled back; otherwise it is committed. Calls nested in an existing
	// transaction join it.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}
