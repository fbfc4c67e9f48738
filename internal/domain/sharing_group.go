package domain

import (
	"time"
)

// Permission is a sharing group member's access tier.
type Permission string

const (
	// PermissionRead allows index queries and downloads.
	PermissionRead Permission = "read"

	// PermissionWrite additionally allows uploads, deletions and app metadata changes.
	PermissionWrite Permission = "write"

	// PermissionAdmin additionally allows membership and group management.
	PermissionAdmin Permission = "admin"
)

// IsValid reports whether p is a known permission.
func (p Permission) IsValid() bool {
	switch p {
	case PermissionRead, PermissionWrite, PermissionAdmin:
		return true
	}
	return false
}

// rank orders permissions so that higher tiers include lower ones.
func (p Permission) rank() int {
	switch p {
	case PermissionRead:
		return 1
	case PermissionWrite:
		return 2
	case PermissionAdmin:
		return 3
	}
	return 0
}

// HasMinimum reports whether p grants at least the required permission.
func (p Permission) HasMinimum(required Permission) bool {
	return p.rank() >= required.rank()
}

// SharingGroup is a collaborative namespace of files and member users.
// Sharing groups are soft-deleted, never hard-removed.
type SharingGroup struct {
	// UUID identifies the sharing group.
	UUID string `json:"sharing_group_uuid"`

	// Name is an optional display name.
	Name *string `json:"name,omitempty"`

	// Deleted is true once the group has been removed.
	Deleted bool `json:"deleted"`

	// CreatedAt is when the group was created.
	CreatedAt time.Time `json:"created_at"`
}

// NewSharingGroup creates a new, non-deleted SharingGroup.
func NewSharingGroup(sharingGroupUUID string, name *string) *SharingGroup {
	return &SharingGroup{
		UUID:      sharingGroupUUID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
}

// SharingGroupUser links a user to a sharing group with a permission.
type SharingGroupUser struct {
	ID               int64      `json:"id"`
	SharingGroupUUID string     `json:"sharing_group_uuid"`
	UserID           int64      `json:"user_id"`
	Permission       Permission `json:"permission"`
}

// SharingGroupSummary is the per-group view returned by index queries.
type SharingGroupSummary struct {
	SharingGroup
	MasterVersion int64      `json:"master_version"`
	Permission    Permission `json:"permission"`
}

// MasterVersion is the per-sharing-group optimistic concurrency counter.
// It only increases, by exactly one, through a compare-and-swap update.
type MasterVersion struct {
	SharingGroupUUID string `json:"sharing_group_uuid"`
	Version          int64  `json:"master_version"`
}
