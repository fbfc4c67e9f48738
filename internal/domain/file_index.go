package domain

import (
	"time"
)

// WholeFileReplacerName is the default change resolver: each change replaces the file.
const WholeFileReplacerName = "WholeFileReplacer"

// FileIndex is the authoritative row for one file in a sharing group.
// FileVersion increases by exactly one per accepted content upload, and UserID (the v0
// owner, whose cloud storage hosts the bytes) never changes once set.
type FileIndex struct {
	// ID is the auto-generated row id.
	ID int64 `json:"file_index_id"`

	// FileUUID is unique within the sharing group.
	FileUUID string `json:"file_uuid"`

	// SharingGroupUUID is the owning sharing group.
	SharingGroupUUID string `json:"sharing_group_uuid"`

	// DeviceUUID names the cloud object together with FileUUID and FileVersion.
	DeviceUUID string `json:"device_uuid"`

	// UserID is the v0 owner.
	UserID int64 `json:"user_id"`

	// FileGroupUUID optionally groups files.
	FileGroupUUID *string `json:"file_group_uuid,omitempty"`

	// ObjectType optionally names the app-level object of the file group.
	ObjectType *string `json:"object_type,omitempty"`

	// MimeType is fixed at v0.
	MimeType string `json:"mime_type"`

	// AppMetaData is optional app-specific metadata.
	AppMetaData *string `json:"app_meta_data,omitempty"`

	// AppMetaDataVersion is nil until app metadata is first uploaded.
	AppMetaDataVersion *int32 `json:"app_meta_data_version,omitempty"`

	// FileVersion is the current content version.
	FileVersion int32 `json:"file_version"`

	// LastUploadedCheckSum is the vendor checksum of the current version.
	LastUploadedCheckSum *string `json:"last_uploaded_check_sum,omitempty"`

	// Deleted is true once the file has been deleted.
	Deleted bool `json:"deleted"`

	// ChangeResolverName names the resolver applying change uploads; nil disallows changes.
	ChangeResolverName *string `json:"change_resolver_name,omitempty"`

	// FileLabel is an app-assigned label, unique within a file group.
	FileLabel *string `json:"file_label,omitempty"`

	// CreationDate is the client-reported creation time of v0.
	CreationDate time.Time `json:"creation_date"`

	// UpdateDate is the time of the latest content change.
	UpdateDate time.Time `json:"update_date"`
}

// CloudFileName returns the cloud object name of the current version.
func (f *FileIndex) CloudFileName() string {
	return CloudFileName(f.DeviceUUID, f.FileUUID, f.MimeType, f.FileVersion)
}
