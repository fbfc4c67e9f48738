package service

import (
	"context"
	"errors"

	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/repository"
)

// UploadAppMetaDataInput contains the data needed to change the app metadata of a file.
type UploadAppMetaDataInput struct {
	UserID           int64
	DeviceUUID       string
	SharingGroupUUID string
	FileUUID         string
	MasterVersion    int64
	UploadIndex      int32
	UploadCount      int32
	AppMetaData      AppMetaData
}

// UploadAppMetaData stages an app metadata change of an indexed file without
// touching its contents. A resubmission of the current version is accepted
// without staging anything when it is a batch of its own. Within a larger batch
// it is staged like a change, so the batch can still complete. The completion
// leaves such rows out of the file index update.
func (s *FileService) UploadAppMetaData(ctx context.Context, input UploadAppMetaDataInput) (*UploadFileOutput, error) {
	if err := validateUUIDs(map[string]string{
		"fileUUID":         input.FileUUID,
		"deviceUUID":       input.DeviceUUID,
		"sharingGroupUUID": input.SharingGroupUUID,
	}); err != nil {
		return nil, err
	}
	if input.UploadCount < 1 || input.UploadIndex < 1 || input.UploadIndex > input.UploadCount {
		return nil, domain.NewDomainError(domain.ErrInvalidUploadIndex, "", input.FileUUID)
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

	valid, noop := domain.IsValidAppMetaDataUpload(file.AppMetaDataVersion, file.AppMetaData, input.AppMetaData.Version, input.AppMetaData.Contents)
	if !valid {
		return nil, domain.NewDomainError(domain.ErrInvalidAppMetaData, "app metadata version is not the next one", input.FileUUID)
	}
	if noop && input.UploadCount == 1 {
		s.metrics.RecordUpload(string(domain.UploadClassAppMetaData), "noop")
		return &UploadFileOutput{
			AllUploadsFinished: V0UploadsFinished,
			CreationDate:       file.CreationDate,
			UpdateDate:         file.UpdateDate,
		}, nil
	}

	upload := &domain.Upload{
		FileUUID:           input.FileUUID,
		UserID:             input.UserID,
		DeviceUUID:         input.DeviceUUID,
		SharingGroupUUID:   input.SharingGroupUUID,
		FileGroupUUID:      file.FileGroupUUID,
		UploadIndex:        input.UploadIndex,
		UploadCount:        input.UploadCount,
		State:              domain.UploadStateUploadingAppMetaData,
		AppMetaData:        stringPtr(input.AppMetaData.Contents),
		AppMetaDataVersion: int32Ptr(input.AppMetaData.Version),
	}
	if missing := upload.MissingField(true); missing != "" {
		return nil, invariantViolation(s.logger, "app metadata upload is missing "+missing, map[string]any{
			"file_uuid": input.FileUUID,
		})
	}

	in := FinishInput{
		UserID:           input.UserID,
		DeviceUUID:       input.DeviceUUID,
		SharingGroupUUID: input.SharingGroupUUID,
		MasterVersion:    input.MasterVersion,
	}
	result, err := s.coordinator.stageAndFinishFiles(ctx, in, upload)
	if err != nil {
		if errors.Is(err, errDuplicateUpload) {
			s.metrics.RecordUpload(string(domain.UploadClassAppMetaData), "duplicate")
			return &UploadFileOutput{
				AllUploadsFinished: UploadsNotFinished,
				CreationDate:       file.CreationDate,
				UpdateDate:         file.UpdateDate,
			}, nil
		}
		s.metrics.RecordUpload(string(domain.UploadClassAppMetaData), "failed")
		return nil, err
	}
	if result.MasterVersionUpdate != nil {
		s.metrics.RecordUpload(string(domain.UploadClassAppMetaData), "stale")
		return &UploadFileOutput{AllUploadsFinished: UploadsNotFinished, MasterVersionUpdate: result.MasterVersionUpdate}, nil
	}
	s.metrics.RecordUpload(string(domain.UploadClassAppMetaData), "staged")

	s.logger.Info().
		Str("file_uuid", input.FileUUID).
		Int32("app_meta_data_version", input.AppMetaData.Version).
		Str("all_uploads_finished", string(result.AllUploadsFinished)).
		Msg("app metadata upload staged")

	return &UploadFileOutput{
		AllUploadsFinished:       result.AllUploadsFinished,
		MasterVersionUpdate:      result.MasterVersionUpdate,
		NumberUploadsTransferred: result.NumberUploadsTransferred,
		CreationDate:             file.CreationDate,
		UpdateDate:               file.UpdateDate,
	}, nil
}
