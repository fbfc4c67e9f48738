package domain

import (
	"time"
)

// UploadState describes what a staged Upload row represents.
type UploadState string

const (
	// UploadStateUploadedFile is a file content upload. The V0UploadFileVersion flag
	// distinguishes the initial version (bytes already in cloud storage) from a change
	// (bytes staged in UploadContents until the deferred uploader applies them).
	UploadStateUploadedFile UploadState = "uploadedFile"

	// UploadStateUploadedUndelete is a full-content upload that revives a deleted file.
	UploadStateUploadedUndelete UploadState = "uploadedUndelete"

	// UploadStateUploadingAppMetaData is an app-metadata-only change.
	UploadStateUploadingAppMetaData UploadState = "uploadingAppMetaData"

	// UploadStateToDeleteFromFileIndex is a pending file deletion.
	UploadStateToDeleteFromFileIndex UploadState = "toDeleteFromFileIndex"
)

// IsValid reports whether s is a known state.
func (s UploadState) IsValid() bool {
	switch s {
	case UploadStateUploadedFile, UploadStateUploadedUndelete,
		UploadStateUploadingAppMetaData, UploadStateToDeleteFromFileIndex:
		return true
	}
	return false
}

// UploadClass groups upload states by how a completed batch is processed.
// A batch must be homogeneous in class.
type UploadClass string

const (
	// UploadClassContent holds final bytes in cloud storage; transferred synchronously.
	UploadClassContent UploadClass = "content"

	// UploadClassChange holds change bytes staged in the database; processed deferred.
	UploadClassChange UploadClass = "change"

	// UploadClassAppMetaData updates app metadata only; transferred synchronously.
	UploadClassAppMetaData UploadClass = "appMetaData"

	// UploadClassDeletion removes files; cloud cleanup is deferred.
	UploadClassDeletion UploadClass = "deletion"

	// UploadClassUnknown marks a row that cannot be classified.
	UploadClassUnknown UploadClass = "unknown"
)

// Upload is a staging row for an in-flight upload or deletion of one file by one device.
// It is unique on (FileUUID, UserID, DeviceUUID) while un-transferred.
type Upload struct {
	// ID is the auto-generated row id.
	ID int64 `json:"upload_id"`

	// FileUUID is the client-assigned permanent reference to the file.
	FileUUID string `json:"file_uuid"`

	// UserID is the uploading user.
	UserID int64 `json:"user_id"`

	// DeviceUUID identifies the uploading device.
	DeviceUUID string `json:"device_uuid"`

	// SharingGroupUUID is the group the file belongs to.
	SharingGroupUUID string `json:"sharing_group_uuid"`

	// FileGroupUUID optionally groups files that are uploaded and deleted together.
	FileGroupUUID *string `json:"file_group_uuid,omitempty"`

	// ObjectType optionally names the app-level object the file group represents.
	ObjectType *string `json:"object_type,omitempty"`

	// FileVersion is the version being uploaded, or the version being deleted.
	// Nil for app metadata uploads.
	FileVersion *int32 `json:"file_version,omitempty"`

	// V0UploadFileVersion is true for an initial upload, false for a change. Nil for
	// deletions and app metadata uploads.
	V0UploadFileVersion *bool `json:"v0_upload_file_version,omitempty"`

	// UploadIndex is this row's 1-based position in the client-declared batch.
	UploadIndex int32 `json:"upload_index"`

	// UploadCount is the client-declared number of files in the batch.
	UploadCount int32 `json:"upload_count"`

	// State describes what the row represents.
	State UploadState `json:"state"`

	// MimeType of the file; nil for deletions and app metadata uploads.
	MimeType *string `json:"mime_type,omitempty"`

	// AppMetaData is optional app-specific metadata.
	AppMetaData *string `json:"app_meta_data,omitempty"`

	// AppMetaDataVersion is required whenever AppMetaData is set.
	AppMetaDataVersion *int32 `json:"app_meta_data_version,omitempty"`

	// LastUploadedCheckSum is the vendor checksum of the bytes now in cloud storage.
	LastUploadedCheckSum *string `json:"last_uploaded_check_sum,omitempty"`

	// ChangeResolverName is set on v0 uploads of files that accept change uploads.
	ChangeResolverName *string `json:"change_resolver_name,omitempty"`

	// FileLabel is an app-assigned label, unique within a file group.
	FileLabel *string `json:"file_label,omitempty"`

	// UploadContents holds the change bytes of a vN upload.
	UploadContents []byte `json:"-"`

	// DeferredUploadID is set once the row has been handed to the deferred uploader.
	DeferredUploadID *int64 `json:"deferred_upload_id,omitempty"`

	// CreationDate is required for uploads of files not yet in the FileIndex.
	CreationDate *time.Time `json:"creation_date,omitempty"`

	// UpdateDate is required for file uploads.
	UpdateDate *time.Time `json:"update_date,omitempty"`
}

// Class returns the batch class of the row.
func (u *Upload) Class() UploadClass {
	switch u.State {
	case UploadStateUploadedFile:
		if u.V0UploadFileVersion == nil {
			return UploadClassUnknown
		}
		if *u.V0UploadFileVersion {
			return UploadClassContent
		}
		return UploadClassChange
	case UploadStateUploadedUndelete:
		return UploadClassContent
	case UploadStateUploadingAppMetaData:
		return UploadClassAppMetaData
	case UploadStateToDeleteFromFileIndex:
		return UploadClassDeletion
	}
	return UploadClassUnknown
}

// IsV0 reports whether the row is the initial upload of a file.
func (u *Upload) IsV0() bool {
	return u.State == UploadStateUploadedFile && u.V0UploadFileVersion != nil && *u.V0UploadFileVersion
}

// MissingField returns the name of the first required field that is unset, or "".
// An Upload row with a missing required field must never be inserted.
func (u *Upload) MissingField(fileInFileIndex bool) string {
	switch {
	case u.FileUUID == "":
		return "fileUUID"
	case u.UserID == 0:
		return "userId"
	case u.DeviceUUID == "":
		return "deviceUUID"
	case u.SharingGroupUUID == "":
		return "sharingGroupUUID"
	case !u.State.IsValid():
		return "state"
	case u.UploadCount < 1 || u.UploadIndex < 1 || u.UploadIndex > u.UploadCount:
		return "uploadIndex"
	}

	if u.ChangeResolverName != nil && !u.IsV0() {
		return "changeResolverName"
	}
	if u.AppMetaData != nil && u.AppMetaDataVersion == nil {
		return "appMetaDataVersion"
	}

	isFile := u.State == UploadStateUploadedFile || u.State == UploadStateUploadedUndelete
	if isFile {
		if u.FileVersion == nil {
			return "fileVersion"
		}
		if u.UpdateDate == nil {
			return "updateDate"
		}
		if !fileInFileIndex && u.CreationDate == nil {
			return "creationDate"
		}
		if u.Class() == UploadClassContent && u.LastUploadedCheckSum == nil {
			return "lastUploadedCheckSum"
		}
		if u.Class() == UploadClassChange && u.UploadContents == nil {
			return "uploadContents"
		}
	}
	if u.State == UploadStateToDeleteFromFileIndex && u.FileVersion == nil {
		return "fileVersion"
	}
	return ""
}

// IsValidAppMetaDataUpload checks a proposed app metadata version against the file's
// current one. The first version must be 0, each later one exactly current+1. An identical
// resubmission of the current version is accepted and reported as a no-op.
func IsValidAppMetaDataUpload(currentVersion *int32, currentContents *string, version int32, contents string) (valid, noop bool) {
	if currentVersion == nil {
		return version == 0, false
	}
	if version == *currentVersion+1 {
		return true, false
	}
	if version == *currentVersion && currentContents != nil && *currentContents == contents {
		return true, true
	}
	return false, false
}
