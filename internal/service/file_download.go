package service

import (
	"context"
	"errors"
	"time"

	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/pkg/crypto"
	"github.com/prn-tf/syncserver/internal/repository"
	"github.com/prn-tf/syncserver/internal/storage"
)

// =============================================================================
// Download File
// =============================================================================

// DownloadFileInput names one version of a file.
type DownloadFileInput struct {
	UserID           int64
	SharingGroupUUID string
	FileUUID         string
	FileVersion      int32
}

// DownloadFileOutput contains the file contents. When Gone is set, Data is nil and
// only the app metadata is returned.
type DownloadFileOutput struct {
	Data               []byte
	CheckSum           string
	AppMetaData        *string
	AppMetaDataVersion *int32

	// ContentsChanged is true when the cloud object no longer matches the
	// checksum of the last upload, i.e. it was changed outside the server.
	ContentsChanged bool

	Gone *domain.GoneReason
}

// DownloadFile reads the current version of a file from its owner's cloud storage.
func (s *FileService) DownloadFile(ctx context.Context, input DownloadFileInput) (*DownloadFileOutput, error) {
	if err := validateUUIDs(map[string]string{
		"fileUUID":         input.FileUUID,
		"sharingGroupUUID": input.SharingGroupUUID,
	}); err != nil {
		return nil, err
	}

	if _, err := authorize(ctx, s.repos, s.logger, input.SharingGroupUUID, input.UserID, domain.PermissionRead); err != nil {
		return nil, err
	}

	file, err := s.repos.FileIndex.Get(ctx, input.SharingGroupUUID, input.FileUUID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NewDomainError(domain.ErrFileNotFound, "", input.FileUUID)
		}
		return nil, infrastructureError(s.logger, err, "failed to look up file index")
	}
	if file.Deleted {
		return nil, domain.NewDomainError(domain.ErrFileDeleted, "", input.FileUUID)
	}
	if file.FileVersion != input.FileVersion {
		return nil, domain.NewDomainError(domain.ErrInvalidFileVersion, "not the current version", input.FileUUID)
	}

	output := &DownloadFileOutput{
		AppMetaData:        file.AppMetaData,
		AppMetaDataVersion: file.AppMetaDataVersion,
	}

	account, err := s.accounts.Open(ctx, file.UserID)
	if err != nil {
		if errors.Is(err, ErrOwnerRemoved) {
			output.Gone = gonePtr(domain.GoneReasonUserRemoved)
			return output, nil
		}
		return nil, classifyError(s.logger, err, "failed to open owner cloud storage")
	}

	data, checksum, err := account.Storage.DownloadFile(ctx, file.CloudFileName(), account.Options(file.MimeType))
	s.metrics.RecordCloudOperation("download", cloudResult(err))
	if err != nil {
		if storage.IsGone(err) {
			s.logger.Warn().Err(err).
				Str("file_uuid", input.FileUUID).
				Int64("owner_id", file.UserID).
				Msg("file gone from cloud storage")
			output.Gone = gonePtr(storage.GoneReason(err))
			return output, nil
		}
		return nil, infrastructureError(s.logger, err, "cloud download failed")
	}

	output.Data = data
	output.CheckSum = checksum
	output.ContentsChanged = file.LastUploadedCheckSum != nil && !crypto.ChecksumsEqual(checksum, *file.LastUploadedCheckSum)
	return output, nil
}

// =============================================================================
// Index
// =============================================================================

// IndexOutput contains the sharing groups of a user and, when one was asked for,
// the file index of that group.
type IndexOutput struct {
	SharingGroups []*domain.SharingGroupSummary

	// Files and MasterVersion are set when a sharing group was given.
	Files         []*domain.FileIndex
	MasterVersion *int64
}

// Index returns the caller's sharing groups. With a sharingGroupUUID it also returns
// the file index of that group together with the master version it corresponds to.
func (s *FileService) Index(ctx context.Context, userID int64, sharingGroupUUID *string) (*IndexOutput, error) {
	groups, err := s.repos.SharingGroup.ListForUser(ctx, userID)
	if err != nil {
		return nil, infrastructureError(s.logger, err, "failed to list sharing groups")
	}
	output := &IndexOutput{SharingGroups: groups}
	if sharingGroupUUID == nil {
		return output, nil
	}

	if err := validateUUIDs(map[string]string{"sharingGroupUUID": *sharingGroupUUID}); err != nil {
		return nil, err
	}
	if _, err := authorize(ctx, s.repos, s.logger, *sharingGroupUUID, userID, domain.PermissionRead); err != nil {
		return nil, err
	}

	err = s.repos.Tx.WithTx(ctx, func(ctx context.Context) error {
		files, err := s.repos.FileIndex.ListBySharingGroup(ctx, *sharingGroupUUID)
		if err != nil {
			return err
		}
		version, err := s.repos.MasterVersion.Get(ctx, *sharingGroupUUID)
		if err != nil {
			return err
		}
		output.Files = files
		output.MasterVersion = int64Ptr(version)
		return nil
	})
	if err != nil {
		return nil, infrastructureError(s.logger, err, "failed to read file index")
	}
	return output, nil
}

// =============================================================================
// Uploads Results
// =============================================================================

// UploadsResultsOutput reports the state of a deferred upload.
type UploadsResultsOutput struct {
	Status      domain.DeferredUploadStatus
	ErrorReason *string
	CompletedAt *time.Time
}

// GetUploadsResults returns the status of a deferred upload created for the caller.
func (s *FileService) GetUploadsResults(ctx context.Context, userID, deferredUploadID int64) (*UploadsResultsOutput, error) {
	var deferred *domain.DeferredUpload
	err := repository.RetryOnDeadlock(ctx, repository.DefaultRetryAttempts, func(ctx context.Context) error {
		var err error
		deferred, err = s.repos.DeferredUpload.GetByID(ctx, deferredUploadID)
		return err
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NewDomainError(domain.ErrDeferredUploadNotFound, "", "")
		}
		return nil, infrastructureError(s.logger, err, "failed to get deferred upload")
	}
	if deferred.UserID != userID {
		return nil, domain.NewDomainError(domain.ErrDeferredUploadNotFound, "", "")
	}
	return &UploadsResultsOutput{
		Status:      deferred.Status,
		ErrorReason: deferred.ErrorReason,
		CompletedAt: deferred.CompletedAt,
	}, nil
}
