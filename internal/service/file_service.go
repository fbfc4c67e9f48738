package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/syncserver/internal/changeresolver"
	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/metrics"
	"github.com/prn-tf/syncserver/internal/pkg/crypto"
	"github.com/prn-tf/syncserver/internal/repository"
	"github.com/prn-tf/syncserver/internal/storage"
)

// FileService handles the file operations of sharing group members.
type FileService struct {
	repos       *repository.Repositories
	coordinator *Coordinator
	accounts    *CloudAccounts
	resolvers   *changeresolver.Manager
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// NewFileService creates a new FileService.
func NewFileService(
	repos *repository.Repositories,
	coordinator *Coordinator,
	accounts *CloudAccounts,
	resolvers *changeresolver.Manager,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *FileService {
	return &FileService{
		repos:       repos,
		coordinator: coordinator,
		accounts:    accounts,
		resolvers:   resolvers,
		metrics:     m,
		logger:      logger.With().Str("service", "file").Logger(),
	}
}

// AppMetaData is app-specific metadata of a file with its version.
type AppMetaData struct {
	Version  int32
	Contents string
}

// =============================================================================
// Upload File
// =============================================================================

// UploadFileInput contains the data needed to upload one file of a batch.
type UploadFileInput struct {
	UserID           int64
	DeviceUUID       string
	SharingGroupUUID string
	FileUUID         string

	// MasterVersion is the version the client last observed.
	MasterVersion int64

	// FileVersion is 0 for a new file, and the next version for a change or undelete.
	FileVersion int32

	// UploadIndex is the 1-based position of this file in a batch of UploadCount files.
	UploadIndex int32
	UploadCount int32

	// MimeType is required for v0.
	MimeType *string

	// CheckSum is the client's checksum of Data, required for full-content uploads.
	CheckSum *string

	// ChangeResolverName enables change uploads for a new file.
	ChangeResolverName *string

	FileGroupUUID *string
	ObjectType    *string
	FileLabel     *string
	AppMetaData   *AppMetaData

	// Undelete revives a deleted file with the full contents in Data.
	Undelete bool

	// Data is the full contents for v0 and undelete, the change otherwise.
	Data []byte
}

// UploadFileOutput contains the result of an upload.
type UploadFileOutput struct {
	AllUploadsFinished AllUploadsFinished

	// MasterVersionUpdate is set, and nothing was stored, when the presented master
	// version was stale.
	MasterVersionUpdate *int64

	// DeferredUploadID is set when the completed batch was deferred.
	DeferredUploadID *int64

	NumberUploadsTransferred int

	// Gone is set, and nothing was stored, when the owner's cloud storage is unusable.
	Gone *domain.GoneReason

	CreationDate time.Time
	UpdateDate   time.Time
}

// uploadPlan is a validated upload waiting for its cloud transfer and staging.
type uploadPlan struct {
	upload        *domain.Upload
	ownerID       int64
	cloudFileName string
	mimeType      string
	inFileIndex   bool
}

// UploadFile stages one file upload and completes its batch when the last file of
// the batch has arrived. The contents of a new file are stored in the owner's cloud
// storage before the Upload row is written; a change is staged in the database.
func (s *FileService) UploadFile(ctx context.Context, input UploadFileInput) (*UploadFileOutput, error) {
	if err := s.validateUploadInput(input); err != nil {
		return nil, err
	}

	if _, err := authorize(ctx, s.repos, s.logger, input.SharingGroupUUID, input.UserID, domain.PermissionWrite); err != nil {
		return nil, err
	}

	update, err := staleMasterVersion(ctx, s.repos, s.logger, input.SharingGroupUUID, input.MasterVersion)
	if err != nil {
		return nil, err
	}
	if update != nil {
		s.metrics.RecordMasterVersionMismatch()
		return &UploadFileOutput{AllUploadsFinished: UploadsNotFinished, MasterVersionUpdate: update}, nil
	}

	existing, err := s.lookupFile(ctx, input.SharingGroupUUID, input.FileUUID)
	if err != nil {
		return nil, err
	}

	staged, err := s.repos.Upload.GetByKey(ctx, input.FileUUID, input.UserID, input.DeviceUUID)
	switch {
	case err == nil:
		s.logger.Info().
			Str("file_uuid", input.FileUUID).
			Str("device_uuid", input.DeviceUUID).
			Msg("file already staged, not uploading again")
		s.metrics.RecordUpload(string(staged.Class()), "duplicate")
		return duplicateUploadOutput(staged, existing), nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, infrastructureError(s.logger, err, "failed to look up staged upload")
	}

	plan, err := s.planUpload(ctx, input, existing)
	if err != nil {
		s.metrics.RecordUpload("unknown", "rejected")
		return nil, err
	}
	class := plan.upload.Class()

	var account *CloudAccount
	if class == domain.UploadClassContent {
		var gone *domain.GoneReason
		account, gone, err = s.storeContents(ctx, input, plan)
		if err != nil {
			s.metrics.RecordUpload(string(class), "failed")
			return nil, err
		}
		if gone != nil {
			s.metrics.RecordUpload(string(class), "gone")
			return &UploadFileOutput{AllUploadsFinished: UploadsNotFinished, Gone: gone}, nil
		}
	}

	if missing := plan.upload.MissingField(plan.inFileIndex); missing != "" {
		s.cleanupContents(ctx, account, plan)
		return nil, invariantViolation(s.logger, "upload is missing "+missing, map[string]any{
			"file_uuid": input.FileUUID,
		})
	}

	result, err := s.coordinator.stageAndFinishFiles(ctx, finishInputOf(input), plan.upload)
	if err != nil {
		if errors.Is(err, errDuplicateUpload) {
			// A concurrent request of the same device staged the same file version,
			// under the same cloud file name, first.
			staged, gerr := s.repos.Upload.GetByKey(ctx, input.FileUUID, input.UserID, input.DeviceUUID)
			if gerr == nil {
				s.metrics.RecordUpload(string(class), "duplicate")
				return duplicateUploadOutput(staged, existing), nil
			}
			return nil, infrastructureError(s.logger, gerr, "failed to look up staged upload")
		}
		s.cleanupContents(ctx, account, plan)
		s.metrics.RecordUpload(string(class), "failed")
		return nil, err
	}
	if result.MasterVersionUpdate != nil {
		// Nothing was staged, so the stored contents have no owner.
		s.cleanupContents(ctx, account, plan)
		s.metrics.RecordUpload(string(class), "stale")
		return &UploadFileOutput{
			AllUploadsFinished:  UploadsNotFinished,
			MasterVersionUpdate: result.MasterVersionUpdate,
		}, nil
	}

	s.metrics.RecordUpload(string(class), "staged")
	s.logger.Info().
		Str("file_uuid", input.FileUUID).
		Int32("file_version", input.FileVersion).
		Str("class", string(class)).
		Int32("upload_index", input.UploadIndex).
		Int32("upload_count", input.UploadCount).
		Str("all_uploads_finished", string(result.AllUploadsFinished)).
		Msg("file upload staged")

	output := &UploadFileOutput{
		AllUploadsFinished:       result.AllUploadsFinished,
		MasterVersionUpdate:      result.MasterVersionUpdate,
		DeferredUploadID:         result.DeferredUploadID,
		NumberUploadsTransferred: result.NumberUploadsTransferred,
		UpdateDate:               *plan.upload.UpdateDate,
	}
	if plan.upload.CreationDate != nil {
		output.CreationDate = *plan.upload.CreationDate
	} else if existing != nil {
		output.CreationDate = existing.CreationDate
	}
	return output, nil
}

func finishInputOf(input UploadFileInput) FinishInput {
	return FinishInput{
		UserID:           input.UserID,
		DeviceUUID:       input.DeviceUUID,
		SharingGroupUUID: input.SharingGroupUUID,
		MasterVersion:    input.MasterVersion,
	}
}

func duplicateUploadOutput(staged *domain.Upload, existing *domain.FileIndex) *UploadFileOutput {
	output := &UploadFileOutput{AllUploadsFinished: UploadsNotFinished}
	if staged.CreationDate != nil {
		output.CreationDate = *staged.CreationDate
	} else if existing != nil {
		output.CreationDate = existing.CreationDate
	}
	if staged.UpdateDate != nil {
		output.UpdateDate = *staged.UpdateDate
	}
	return output
}

func (s *FileService) validateUploadInput(input UploadFileInput) error {
	ids := map[string]string{
		"fileUUID":         input.FileUUID,
		"deviceUUID":       input.DeviceUUID,
		"sharingGroupUUID": input.SharingGroupUUID,
	}
	if input.FileGroupUUID != nil {
		ids["fileGroupUUID"] = *input.FileGroupUUID
	}
	if err := validateUUIDs(ids); err != nil {
		return err
	}

	if input.UploadCount < 1 || input.UploadIndex < 1 || input.UploadIndex > input.UploadCount {
		return domain.NewDomainError(domain.ErrInvalidUploadIndex,
			fmt.Sprintf("index %d of %d", input.UploadIndex, input.UploadCount), input.FileUUID)
	}
	if input.Data == nil {
		return domain.NewDomainError(ErrInvalidRequest, "no file contents", input.FileUUID)
	}
	if input.CheckSum != nil && !crypto.ValidateSHA256(*input.CheckSum) {
		return domain.NewDomainError(ErrInvalidRequest, "checkSum is not a SHA-256 hex digest", input.FileUUID)
	}
	if input.ObjectType != nil && input.FileGroupUUID == nil {
		return domain.NewDomainError(ErrInvalidRequest, "object type given without a file group", input.FileUUID)
	}
	return nil
}

// lookupFile returns the file index row of a file, or nil if it has none.
func (s *FileService) lookupFile(ctx context.Context, sharingGroupUUID, fileUUID string) (*domain.FileIndex, error) {
	file, err := s.repos.FileIndex.Get(ctx, sharingGroupUUID, fileUUID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, infrastructureError(s.logger, err, "failed to look up file index")
	}
	return file, nil
}

// planUpload validates an upload against the file's index row and builds its Upload row.
func (s *FileService) planUpload(ctx context.Context, input UploadFileInput, existing *domain.FileIndex) (*uploadPlan, error) {
	switch {
	case existing == nil:
		return s.planNewFile(ctx, input)
	case input.Undelete:
		return s.planUndelete(input, existing)
	default:
		return s.planChange(input, existing)
	}
}

func (s *FileService) planNewFile(ctx context.Context, input UploadFileInput) (*uploadPlan, error) {
	if input.Undelete {
		return nil, domain.NewDomainError(domain.ErrFileNotFound, "nothing to undelete", input.FileUUID)
	}
	if input.FileVersion != 0 {
		return nil, domain.NewDomainError(domain.ErrInvalidFileVersion,
			fmt.Sprintf("new file must be version 0, got %d", input.FileVersion), input.FileUUID)
	}
	if input.MimeType == nil || !domain.IsSupportedMimeType(*input.MimeType) {
		return nil, domain.NewDomainError(ErrInvalidRequest, "missing or unsupported mime type", input.FileUUID)
	}
	if input.CheckSum == nil {
		return nil, domain.NewDomainError(ErrInvalidRequest, "no checksum given for a new file", input.FileUUID)
	}

	if input.ChangeResolverName != nil {
		resolver, err := s.resolvers.Get(*input.ChangeResolverName)
		if err != nil {
			return nil, err
		}
		if err := changeresolver.ValidV0(resolver, input.Data); err != nil {
			return nil, domain.NewDomainError(ErrInvalidRequest, err.Error(), input.FileUUID)
		}
	}

	if input.AppMetaData != nil {
		if valid, _ := domain.IsValidAppMetaDataUpload(nil, nil, input.AppMetaData.Version, input.AppMetaData.Contents); !valid {
			return nil, domain.NewDomainError(domain.ErrInvalidAppMetaData, "first app metadata version must be 0", input.FileUUID)
		}
	}

	if input.FileGroupUUID != nil && input.FileLabel != nil {
		files, err := s.repos.FileIndex.ListByFileGroup(ctx, input.SharingGroupUUID, *input.FileGroupUUID)
		if err != nil {
			return nil, infrastructureError(s.logger, err, "failed to list file group")
		}
		for _, f := range files {
			if f.FileLabel != nil && *f.FileLabel == *input.FileLabel {
				return nil, domain.NewDomainError(ErrInvalidRequest, "file label already used in the file group", *input.FileLabel)
			}
		}
	}

	t := now()
	upload := s.newUpload(input, domain.UploadStateUploadedFile)
	upload.V0UploadFileVersion = boolPtr(true)
	upload.MimeType = input.MimeType
	upload.ChangeResolverName = input.ChangeResolverName
	upload.FileGroupUUID = input.FileGroupUUID
	upload.ObjectType = input.ObjectType
	upload.FileLabel = input.FileLabel
	upload.CreationDate = &t
	upload.UpdateDate = &t

	return &uploadPlan{
		upload:        upload,
		ownerID:       input.UserID,
		cloudFileName: domain.CloudFileName(input.DeviceUUID, input.FileUUID, *input.MimeType, 0),
		mimeType:      *input.MimeType,
	}, nil
}

func (s *FileService) planUndelete(input UploadFileInput, existing *domain.FileIndex) (*uploadPlan, error) {
	if !existing.Deleted {
		return nil, domain.NewDomainError(domain.ErrNotDeleted, "", input.FileUUID)
	}
	if err := checkNextVersion(input, existing); err != nil {
		return nil, err
	}
	if input.CheckSum == nil {
		return nil, domain.NewDomainError(ErrInvalidRequest, "no checksum given for an undelete", input.FileUUID)
	}
	if input.ChangeResolverName != nil || input.FileLabel != nil {
		return nil, domain.NewDomainError(ErrInvalidRequest, "change resolver and file label are fixed at v0", input.FileUUID)
	}
	if input.AppMetaData != nil {
		valid, _ := domain.IsValidAppMetaDataUpload(existing.AppMetaDataVersion, existing.AppMetaData, input.AppMetaData.Version, input.AppMetaData.Contents)
		if !valid {
			return nil, domain.NewDomainError(domain.ErrInvalidAppMetaData, "app metadata version is not the next one", input.FileUUID)
		}
	}

	t := now()
	upload := s.newUpload(input, domain.UploadStateUploadedUndelete)
	upload.MimeType = &existing.MimeType
	upload.FileGroupUUID = existing.FileGroupUUID
	upload.ObjectType = existing.ObjectType
	upload.UpdateDate = &t

	return &uploadPlan{
		upload:        upload,
		ownerID:       existing.UserID,
		cloudFileName: domain.CloudFileName(existing.DeviceUUID, input.FileUUID, existing.MimeType, input.FileVersion),
		mimeType:      existing.MimeType,
		inFileIndex:   true,
	}, nil
}

func (s *FileService) planChange(input UploadFileInput, existing *domain.FileIndex) (*uploadPlan, error) {
	if existing.Deleted {
		return nil, domain.NewDomainError(domain.ErrFileDeleted, "", input.FileUUID)
	}
	if err := checkNextVersion(input, existing); err != nil {
		return nil, err
	}
	if input.ChangeResolverName != nil || input.FileLabel != nil {
		return nil, domain.NewDomainError(ErrInvalidRequest, "change resolver and file label are fixed at v0", input.FileUUID)
	}
	if input.AppMetaData != nil {
		return nil, domain.NewDomainError(domain.ErrInvalidAppMetaData, "app metadata is uploaded with v0 or on its own", input.FileUUID)
	}
	if existing.ChangeResolverName == nil {
		return nil, domain.NewDomainError(domain.ErrChangeResolverNotFound, "file does not accept changes", input.FileUUID)
	}

	resolver, err := s.resolvers.Get(*existing.ChangeResolverName)
	if err != nil {
		return nil, err
	}
	if err := changeresolver.ValidChange(resolver, input.Data); err != nil {
		return nil, domain.NewDomainError(ErrInvalidRequest, err.Error(), input.FileUUID)
	}

	t := now()
	upload := s.newUpload(input, domain.UploadStateUploadedFile)
	upload.V0UploadFileVersion = boolPtr(false)
	upload.MimeType = &existing.MimeType
	upload.FileGroupUUID = existing.FileGroupUUID
	upload.ObjectType = existing.ObjectType
	upload.UploadContents = input.Data
	upload.UpdateDate = &t

	return &uploadPlan{
		upload:      upload,
		ownerID:     existing.UserID,
		mimeType:    existing.MimeType,
		inFileIndex: true,
	}, nil
}

// checkNextVersion checks the rules shared by every upload of an indexed file.
func checkNextVersion(input UploadFileInput, existing *domain.FileIndex) error {
	if input.FileVersion != existing.FileVersion+1 {
		return domain.NewDomainError(domain.ErrInvalidFileVersion,
			fmt.Sprintf("expected version %d, got %d", existing.FileVersion+1, input.FileVersion), input.FileUUID)
	}
	if input.MimeType != nil && *input.MimeType != existing.MimeType {
		return domain.NewDomainError(domain.ErrMimeTypeMismatch, existing.MimeType, input.FileUUID)
	}
	if input.FileGroupUUID != nil && !sameFileGroup(input.FileGroupUUID, existing.FileGroupUUID) {
		return domain.NewDomainError(domain.ErrFileGroupMismatch, "", input.FileUUID)
	}
	return nil
}

func (s *FileService) newUpload(input UploadFileInput, state domain.UploadState) *domain.Upload {
	upload := &domain.Upload{
		FileUUID:         input.FileUUID,
		UserID:           input.UserID,
		DeviceUUID:       input.DeviceUUID,
		SharingGroupUUID: input.SharingGroupUUID,
		FileVersion:      int32Ptr(input.FileVersion),
		UploadIndex:      input.UploadIndex,
		UploadCount:      input.UploadCount,
		State:            state,
	}
	if input.AppMetaData != nil {
		upload.AppMetaData = &input.AppMetaData.Contents
		upload.AppMetaDataVersion = int32Ptr(input.AppMetaData.Version)
	}
	return upload
}

// storeContents uploads full contents to the owner's cloud storage and verifies the
// checksum the vendor reports. A gone reason is returned, without error, when the
// owner or the owner's credentials are no longer usable.
func (s *FileService) storeContents(ctx context.Context, input UploadFileInput, plan *uploadPlan) (*CloudAccount, *domain.GoneReason, error) {
	account, err := s.accounts.Open(ctx, plan.ownerID)
	if err != nil {
		if errors.Is(err, ErrOwnerRemoved) {
			return nil, gonePtr(domain.GoneReasonUserRemoved), nil
		}
		return nil, nil, classifyError(s.logger, err, "failed to open owner cloud storage")
	}

	s.logger.Debug().
		Str("cloud_file_name", plan.cloudFileName).
		Int64("owner_id", plan.ownerID).
		Int("size", len(input.Data)).
		Msg("sending file to cloud storage")

	checksum, err := account.Storage.UploadFile(ctx, plan.cloudFileName, input.Data, account.Options(plan.mimeType))
	s.metrics.RecordCloudOperation("upload", cloudResult(err))
	if err != nil {
		if errors.Is(err, storage.ErrAccessTokenRevokedOrExpired) {
			// Nothing was stored.
			return nil, gonePtr(domain.GoneReasonAuthTokenExpiredOrRevoked), nil
		}
		s.accounts.cleanup(ctx, account, plan.cloudFileName, plan.mimeType)
		s.logger.Error().Err(err).Str("cloud_file_name", plan.cloudFileName).Msg("failed to upload file to cloud storage")
		return nil, nil, fmt.Errorf("%w: cloud upload failed: %v", ErrInternalError, err)
	}

	if !crypto.ChecksumsEqual(checksum, *input.CheckSum) {
		s.accounts.cleanup(ctx, account, plan.cloudFileName, plan.mimeType)
		return nil, nil, domain.NewDomainError(domain.ErrChecksumMismatch,
			fmt.Sprintf("cloud storage reported %s", checksum), input.FileUUID)
	}

	plan.upload.LastUploadedCheckSum = &checksum
	return account, nil, nil
}

// cleanupContents removes the bytes stored for a plan whose staging failed.
func (s *FileService) cleanupContents(ctx context.Context, account *CloudAccount, plan *uploadPlan) {
	if account == nil {
		return
	}
	s.accounts.cleanup(context.WithoutCancel(ctx), account, plan.cloudFileName, plan.mimeType)
}

// FinishUploads completes the device's staged batch on demand.
func (s *FileService) FinishUploads(ctx context.Context, input FinishInput) (*FinishResult, error) {
	return s.coordinator.FinishUploads(ctx, input)
}

func boolPtr(b bool) *bool                          { return &b }
func int32Ptr(v int32) *int32                       { return &v }
func int64Ptr(v int64) *int64                       { return &v }
func stringPtr(s string) *string                    { return &s }
func gonePtr(r domain.GoneReason) *domain.GoneReason { return &r }
