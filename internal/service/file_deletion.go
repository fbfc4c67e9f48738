package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/repository"
)

// UploadDeletionInput names either one file or one file group to delete.
type UploadDeletionInput struct {
	UserID           int64
	DeviceUUID       string
	SharingGroupUUID string
	MasterVersion    int64

	// FileUUID and FileVersion delete one file that belongs to no file group.
	FileUUID    *string
	FileVersion *int32

	// FileGroupUUID deletes every file of a file group.
	FileGroupUUID *string
}

// UploadDeletionOutput contains the result of a deletion.
type UploadDeletionOutput struct {
	// MasterVersionUpdate is set, and nothing changed, when the presented master
	// version was stale.
	MasterVersionUpdate *int64

	// DeferredUploadID identifies the cloud cleanup of the deleted files.
	DeferredUploadID *int64

	// AlreadyDeleted is true when every named file was deleted before.
	AlreadyDeleted bool
}

// UploadDeletion marks files deleted in the file index and hands the removal of
// their cloud objects to the deferred uploader. The index rows are marked, the
// master version is advanced and the deletion is staged in one transaction under
// the sharing group lock.
func (s *FileService) UploadDeletion(ctx context.Context, input UploadDeletionInput) (*UploadDeletionOutput, error) {
	ids := map[string]string{
		"deviceUUID":       input.DeviceUUID,
		"sharingGroupUUID": input.SharingGroupUUID,
	}
	switch {
	case input.FileUUID != nil && input.FileGroupUUID == nil:
		ids["fileUUID"] = *input.FileUUID
		if input.FileVersion == nil {
			return nil, domain.NewDomainError(ErrInvalidRequest, "file version is required", *input.FileUUID)
		}
	case input.FileGroupUUID != nil && input.FileUUID == nil:
		ids["fileGroupUUID"] = *input.FileGroupUUID
	default:
		return nil, domain.NewDomainError(ErrInvalidRequest, "exactly one of file and file group must be given", "")
	}
	if err := validateUUIDs(ids); err != nil {
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
		return &UploadDeletionOutput{MasterVersionUpdate: update}, nil
	}

	targets, err := s.deletionTargets(ctx, input)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		s.logger.Debug().Str("sharing_group_uuid", input.SharingGroupUUID).Msg("files already deleted")
		return &UploadDeletionOutput{AlreadyDeleted: true}, nil
	}

	in := FinishInput{
		UserID:           input.UserID,
		DeviceUUID:       input.DeviceUUID,
		SharingGroupUUID: input.SharingGroupUUID,
		MasterVersion:    input.MasterVersion,
	}
	stage := func(ctx context.Context) (*FinishResult, error) {
		return s.stageDeletion(ctx, in, input.FileGroupUUID, targets)
	}

	result, err := s.coordinator.stageAndFinishDeletion(ctx, in, stage)
	if err != nil {
		s.metrics.RecordUpload(string(domain.UploadClassDeletion), "failed")
		return nil, err
	}
	if result.MasterVersionUpdate != nil {
		return &UploadDeletionOutput{MasterVersionUpdate: result.MasterVersionUpdate}, nil
	}
	s.metrics.RecordUpload(string(domain.UploadClassDeletion), "staged")

	s.logger.Info().
		Str("sharing_group_uuid", input.SharingGroupUUID).
		Int("files", len(targets)).
		Msg("files deleted")
	return &UploadDeletionOutput{DeferredUploadID: result.DeferredUploadID}, nil
}

// deletionTargets returns the files still to delete. Files already deleted are
// left out.
func (s *FileService) deletionTargets(ctx context.Context, input UploadDeletionInput) ([]*domain.FileIndex, error) {
	if input.FileGroupUUID != nil {
		files, err := s.repos.FileIndex.ListByFileGroup(ctx, input.SharingGroupUUID, *input.FileGroupUUID)
		if err != nil {
			return nil, infrastructureError(s.logger, err, "failed to list file group")
		}
		if len(files) == 0 {
			return nil, domain.NewDomainError(domain.ErrFileNotFound, "empty file group", *input.FileGroupUUID)
		}

		targets := make([]*domain.FileIndex, 0, len(files))
		for _, f := range files {
			if !f.Deleted {
				targets = append(targets, f)
			}
		}
		return targets, nil
	}

	file, err := s.repos.FileIndex.Get(ctx, input.SharingGroupUUID, *input.FileUUID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NewDomainError(domain.ErrFileNotFound, "", *input.FileUUID)
		}
		return nil, infrastructureError(s.logger, err, "failed to look up file index")
	}
	if file.FileGroupUUID != nil {
		return nil, domain.NewDomainError(domain.ErrFileGroupMismatch, "file must be deleted with its file group", *input.FileUUID)
	}
	if file.FileVersion != *input.FileVersion {
		return nil, domain.NewDomainError(domain.ErrInvalidFileVersion,
			fmt.Sprintf("file is at version %d", file.FileVersion), *input.FileUUID)
	}
	if file.Deleted {
		return nil, nil
	}
	return []*domain.FileIndex{file}, nil
}

// stageDeletion runs inside the completion transaction. It advances the master
// version, marks the files deleted and stages one row per file for the cloud
// cleanup.
func (s *FileService) stageDeletion(ctx context.Context, in FinishInput, fileGroupUUID *string, targets []*domain.FileIndex) (*FinishResult, error) {
	pending, err := s.repos.Upload.ListPending(ctx, in.UserID, in.SharingGroupUUID, in.DeviceUUID)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return nil, domain.NewDomainError(domain.ErrBatchIncoherent,
			fmt.Sprintf("device has %d unfinished uploads", len(pending)), in.SharingGroupUUID)
	}

	update, err := nextMasterVersion(ctx, s.repos, in.SharingGroupUUID, in.MasterVersion)
	if err != nil {
		return nil, err
	}
	if update != nil {
		return &FinishResult{AllUploadsFinished: UploadsNotFinished, MasterVersionUpdate: update}, nil
	}

	fileUUIDs := make([]string, len(targets))
	for i, f := range targets {
		fileUUIDs[i] = f.FileUUID
	}
	marked, err := s.repos.FileIndex.MarkDeleted(ctx, in.SharingGroupUUID, fileUUIDs)
	if err != nil {
		return nil, err
	}
	if marked != int64(len(targets)) {
		return nil, invariantViolation(s.logger, "marked files do not match the deletion", map[string]any{
			"sharing_group_uuid": in.SharingGroupUUID,
			"files":              len(targets),
			"marked":             marked,
		})
	}

	count := int32(len(targets))
	for i, f := range targets {
		upload := &domain.Upload{
			FileUUID:         f.FileUUID,
			UserID:           in.UserID,
			DeviceUUID:       in.DeviceUUID,
			SharingGroupUUID: in.SharingGroupUUID,
			FileGroupUUID:    fileGroupUUID,
			FileVersion:      int32Ptr(f.FileVersion),
			UploadIndex:      int32(i) + 1,
			UploadCount:      count,
			State:            domain.UploadStateToDeleteFromFileIndex,
		}
		if err := s.repos.Upload.Add(ctx, upload); err != nil {
			return nil, err
		}
	}
	return nil, nil
}
