package domain

import "time"

// DeferredUploadStatus tracks asynchronous processing of a batch.
type DeferredUploadStatus string

const (
	// DeferredUploadStatusPendingChange awaits application of change uploads.
	DeferredUploadStatusPendingChange DeferredUploadStatus = "pendingChange"

	// DeferredUploadStatusPendingDeletion awaits cloud deletion of removed files.
	DeferredUploadStatusPendingDeletion DeferredUploadStatus = "pendingDeletion"

	// DeferredUploadStatusCompleted is terminal: the work finished.
	DeferredUploadStatusCompleted DeferredUploadStatus = "completed"

	// DeferredUploadStatusError is terminal: the work failed and will not be retried.
	DeferredUploadStatusError DeferredUploadStatus = "error"
)

// IsPending reports whether the status is non-terminal.
func (s DeferredUploadStatus) IsPending() bool {
	return s == DeferredUploadStatusPendingChange || s == DeferredUploadStatusPendingDeletion
}

// DeferredUpload records a batch of change uploads, or a deletion, handed to the
// asynchronous uploader. Upload rows point at it through DeferredUploadID.
type DeferredUpload struct {
	ID               int64                `json:"deferred_upload_id"`
	SharingGroupUUID string               `json:"sharing_group_uuid"`
	UserID           int64                `json:"user_id"`
	FileGroupUUID    *string              `json:"file_group_uuid,omitempty"`
	Status           DeferredUploadStatus `json:"status"`
	ErrorReason      *string              `json:"error_reason,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	CompletedAt      *time.Time           `json:"completed_at,omitempty"`
}

// NewDeferredUpload creates a pending DeferredUpload.
func NewDeferredUpload(sharingGroupUUID string, userID int64, fileGroupUUID *string, status DeferredUploadStatus) *DeferredUpload {
	return &DeferredUpload{
		SharingGroupUUID: sharingGroupUUID,
		UserID:           userID,
		FileGroupUUID:    fileGroupUUID,
		Status:           status,
		CreatedAt:        time.Now().UTC(),
	}
}
