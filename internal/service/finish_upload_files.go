package service

import (
	"context"
	"errors"
	"time"

	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/repository"
)

// FinishUploadFiles completes the staged file or app metadata uploads of a device.
//
// For a complete batch of initial uploads (and undeletes) the bytes are already in
// cloud storage: the rows are transferred into the file index, removed from the
// staging table and the master version is advanced, all in one transaction. A
// batch of changes is handed to the deferred uploader instead.
func (c *Coordinator) FinishUploadFiles(ctx context.Context, in FinishInput) (*FinishResult, error) {
	return c.run(ctx, in, nil, acceptFileClasses)
}

// stageAndFinishFiles inserts an Upload row and completes the batch it belongs to,
// in the same transaction.
func (c *Coordinator) stageAndFinishFiles(ctx context.Context, in FinishInput, upload *domain.Upload) (*FinishResult, error) {
	stage := func(ctx context.Context) (*FinishResult, error) {
		if err := c.repos.Upload.Add(ctx, upload); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return nil, errDuplicateUpload
			}
			return nil, err
		}
		return nil, nil
	}
	return c.run(ctx, in, stage, acceptFileClasses)
}

func acceptFileClasses(class domain.UploadClass) bool {
	return class != domain.UploadClassDeletion
}

// transferContent moves a batch of full-content uploads into the file index.
func (c *Coordinator) transferContent(ctx context.Context, in FinishInput, batch *stagedBatch) (*FinishResult, error) {
	update, err := nextMasterVersion(ctx, c.repos, in.SharingGroupUUID, in.MasterVersion)
	if err != nil {
		return nil, err
	}
	if update != nil {
		return &FinishResult{AllUploadsFinished: UploadsNotFinished, MasterVersionUpdate: update}, nil
	}

	for _, upload := range batch.uploads {
		if missing := upload.MissingField(upload.State == domain.UploadStateUploadedUndelete); missing != "" {
			return nil, invariantViolation(c.logger, "staged upload is missing "+missing, map[string]any{
				"upload_id": upload.ID,
				"file_uuid": upload.FileUUID,
			})
		}

		switch upload.State {
		case domain.UploadStateUploadedUndelete:
			err = c.undelete(ctx, upload)
		default:
			err = c.addToFileIndex(ctx, upload)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := c.removeUploads(ctx, batch); err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("sharing_group_uuid", in.SharingGroupUUID).
		Str("device_uuid", in.DeviceUUID).
		Int("transferred", len(batch.uploads)).
		Int64("master_version", in.MasterVersion+1).
		Msg("uploads transferred to file index")

	return &FinishResult{
		AllUploadsFinished:       V0UploadsFinished,
		NumberUploadsTransferred: len(batch.uploads),
	}, nil
}

// addToFileIndex creates the file index row of an initial upload. The uploading
// user becomes the v0 owner.
func (c *Coordinator) addToFileIndex(ctx context.Context, upload *domain.Upload) error {
	file := &domain.FileIndex{
		FileUUID:             upload.FileUUID,
		SharingGroupUUID:     upload.SharingGroupUUID,
		DeviceUUID:           upload.DeviceUUID,
		UserID:               upload.UserID,
		FileGroupUUID:        upload.FileGroupUUID,
		ObjectType:           upload.ObjectType,
		MimeType:             deref(upload.MimeType),
		AppMetaData:          upload.AppMetaData,
		AppMetaDataVersion:   upload.AppMetaDataVersion,
		FileVersion:          *upload.FileVersion,
		LastUploadedCheckSum: upload.LastUploadedCheckSum,
		ChangeResolverName:   upload.ChangeResolverName,
		FileLabel:            upload.FileLabel,
		CreationDate:         *upload.CreationDate,
		UpdateDate:           *upload.UpdateDate,
	}
	if err := c.repos.FileIndex.Add(ctx, file); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return domain.NewDomainError(domain.ErrFileAlreadyExists, "uploaded concurrently", upload.FileUUID)
		}
		return err
	}
	return nil
}

// undelete revives a deleted file with the version uploaded in full.
func (c *Coordinator) undelete(ctx context.Context, upload *domain.Upload) error {
	file, err := c.repos.FileIndex.Get(ctx, upload.SharingGroupUUID, upload.FileUUID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.NewDomainError(domain.ErrFileNotFound, "", upload.FileUUID)
		}
		return err
	}
	if !file.Deleted {
		return domain.NewDomainError(domain.ErrNotDeleted, "", upload.FileUUID)
	}
	if *upload.FileVersion != file.FileVersion+1 {
		return domain.NewDomainError(domain.ErrInvalidFileVersion, "undelete must be the next version", upload.FileUUID)
	}

	file.Deleted = false
	file.FileVersion = *upload.FileVersion
	file.LastUploadedCheckSum = upload.LastUploadedCheckSum
	file.UpdateDate = *upload.UpdateDate
	if upload.AppMetaData != nil {
		file.AppMetaData = upload.AppMetaData
		file.AppMetaDataVersion = upload.AppMetaDataVersion
	}
	return c.repos.FileIndex.Update(ctx, file)
}

// transferAppMetaData applies a batch of app metadata uploads to the file index.
func (c *Coordinator) transferAppMetaData(ctx context.Context, in FinishInput, batch *stagedBatch) (*FinishResult, error) {
	update, err := nextMasterVersion(ctx, c.repos, in.SharingGroupUUID, in.MasterVersion)
	if err != nil {
		return nil, err
	}
	if update != nil {
		return &FinishResult{AllUploadsFinished: UploadsNotFinished, MasterVersionUpdate: update}, nil
	}

	for _, upload := range batch.uploads {
		if upload.AppMetaData == nil || upload.AppMetaDataVersion == nil {
			return nil, invariantViolation(c.logger, "app metadata upload without app metadata", map[string]any{
				"upload_id": upload.ID,
			})
		}

		file, err := c.repos.FileIndex.Get(ctx, upload.SharingGroupUUID, upload.FileUUID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, domain.NewDomainError(domain.ErrFileNotFound, "", upload.FileUUID)
			}
			return nil, err
		}
		if file.Deleted {
			return nil, domain.NewDomainError(domain.ErrFileDeleted, "", upload.FileUUID)
		}

		valid, noop := domain.IsValidAppMetaDataUpload(file.AppMetaDataVersion, file.AppMetaData, *upload.AppMetaDataVersion, *upload.AppMetaData)
		if !valid {
			return nil, domain.NewDomainError(domain.ErrInvalidAppMetaData, "app metadata version is not the next one", upload.FileUUID)
		}
		if noop {
			continue
		}

		file.AppMetaData = upload.AppMetaData
		file.AppMetaDataVersion = upload.AppMetaDataVersion
		if err := c.repos.FileIndex.Update(ctx, file); err != nil {
			return nil, err
		}
	}

	if err := c.removeUploads(ctx, batch); err != nil {
		return nil, err
	}

	return &FinishResult{
		AllUploadsFinished:       V0UploadsFinished,
		NumberUploadsTransferred: len(batch.uploads),
	}, nil
}

// deferChanges hands a batch of change uploads to the deferred uploader. The file
// index and the master version are updated once the uploader has applied them.
func (c *Coordinator) deferChanges(ctx context.Context, in FinishInput, batch *stagedBatch) (*FinishResult, error) {
	update, err := staleMasterVersion(ctx, c.repos, c.logger, in.SharingGroupUUID, in.MasterVersion)
	if err != nil {
		return nil, err
	}
	if update != nil {
		return &FinishResult{AllUploadsFinished: UploadsNotFinished, MasterVersionUpdate: update}, nil
	}

	id, err := c.deferBatch(ctx, in, batch, domain.DeferredUploadStatusPendingChange)
	if err != nil {
		return nil, err
	}
	return &FinishResult{AllUploadsFinished: VNUploadsTransferred, DeferredUploadID: &id}, nil
}

// deferBatch creates a DeferredUpload for a batch and stamps its rows with it.
func (c *Coordinator) deferBatch(ctx context.Context, in FinishInput, batch *stagedBatch, status domain.DeferredUploadStatus) (int64, error) {
	deferred := domain.NewDeferredUpload(in.SharingGroupUUID, in.UserID, batch.fileGroupUUID, status)
	if err := c.repos.DeferredUpload.Create(ctx, deferred); err != nil {
		return 0, err
	}

	stamped, err := c.repos.Upload.SetDeferredUploadID(ctx, batch.ids(), deferred.ID)
	if err != nil {
		return 0, err
	}
	if stamped != int64(len(batch.uploads)) {
		fields := batch.fields()
		fields["stamped"] = stamped
		return 0, invariantViolation(c.logger, "stamped upload rows do not match the batch", fields)
	}

	c.logger.Info().
		Int64("deferred_upload_id", deferred.ID).
		Str("status", string(status)).
		Str("sharing_group_uuid", in.SharingGroupUUID).
		Int("uploads", len(batch.uploads)).
		Msg("batch handed to deferred uploader")
	return deferred.ID, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func now() time.Time {
	return time.Now().UTC()
}
