package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/repository"
)

// SharingGroupService handles sharing groups and their membership.
// Changes that affect the file index of a group go through the group lock and
// the master version, like uploads do.
type SharingGroupService struct {
	repos       *repository.Repositories
	coordinator *Coordinator
	logger      zerolog.Logger
}

// NewSharingGroupService creates a new SharingGroupService.
func NewSharingGroupService(repos *repository.Repositories, coordinator *Coordinator, logger zerolog.Logger) *SharingGroupService {
	return &SharingGroupService{
		repos:       repos,
		coordinator: coordinator,
		logger:      logger.With().Str("service", "sharing_group").Logger(),
	}
}

// CreateSharingGroupInput contains the data needed to create a sharing group.
type CreateSharingGroupInput struct {
	// UserID becomes the first member, with admin permission.
	UserID int64

	// SharingGroupUUID is chosen by the client; a new one is generated when nil.
	SharingGroupUUID *string

	Name *string
}

// Create creates a sharing group with its master version at 0.
func (s *SharingGroupService) Create(ctx context.Context, input CreateSharingGroupInput) (*domain.SharingGroup, error) {
	sharingGroupUUID := uuid.New().String()
	if input.SharingGroupUUID != nil {
		if err := validateUUIDs(map[string]string{"sharingGroupUUID": *input.SharingGroupUUID}); err != nil {
			return nil, err
		}
		sharingGroupUUID = *input.SharingGroupUUID
	}

	group := domain.NewSharingGroup(sharingGroupUUID, input.Name)
	err := s.repos.Tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.repos.SharingGroup.Create(ctx, group); err != nil {
			return err
		}
		if err := s.repos.MasterVersion.Initialize(ctx, sharingGroupUUID); err != nil {
			return err
		}
		return s.repos.SharingGroupUser.Add(ctx, &domain.SharingGroupUser{
			SharingGroupUUID: sharingGroupUUID,
			UserID:           input.UserID,
			Permission:       domain.PermissionAdmin,
		})
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, domain.NewDomainError(ErrInvalidRequest, "sharing group already exists", sharingGroupUUID)
		}
		return nil, infrastructureError(s.logger, err, "failed to create sharing group")
	}

	s.logger.Info().
		Str("sharing_group_uuid", sharingGroupUUID).
		Int64("user_id", input.UserID).
		Msg("sharing group created")
	return group, nil
}

// SharingGroupChangeInput identifies a master-version gated change of a sharing group.
type SharingGroupChangeInput struct {
	UserID           int64
	DeviceUUID       string
	SharingGroupUUID string
	MasterVersion    int64
}

// SharingGroupChangeOutput contains the result of a gated change.
type SharingGroupChangeOutput struct {
	// MasterVersionUpdate is set, and nothing changed, when the presented master
	// version was stale.
	MasterVersionUpdate *int64

	// DeferredUploadID identifies the cloud cleanup of files removed with the group.
	DeferredUploadID *int64
}

// UpdateName renames a sharing group. Requires admin permission.
func (s *SharingGroupService) UpdateName(ctx context.Context, input SharingGroupChangeInput, name *string) (*SharingGroupChangeOutput, error) {
	if err := s.checkChange(ctx, input, domain.PermissionAdmin); err != nil {
		return nil, err
	}

	output := &SharingGroupChangeOutput{}
	err := s.coordinator.inGroupTx(ctx, input.SharingGroupUUID, input.DeviceUUID, func(ctx context.Context) error {
		update, err := nextMasterVersion(ctx, s.repos, input.SharingGroupUUID, input.MasterVersion)
		if err != nil || update != nil {
			output.MasterVersionUpdate = update
			return err
		}
		return s.repos.SharingGroup.UpdateName(ctx, input.SharingGroupUUID, name)
	})
	if err != nil {
		return nil, classifyError(s.logger, err, "failed to rename sharing group")
	}
	return output, nil
}

// Remove soft-deletes a sharing group, marks its files deleted and removes its
// members. Requires admin permission.
func (s *SharingGroupService) Remove(ctx context.Context, input SharingGroupChangeInput) (*SharingGroupChangeOutput, error) {
	if err := s.checkChange(ctx, input, domain.PermissionAdmin); err != nil {
		return nil, err
	}

	output := &SharingGroupChangeOutput{}
	err := s.coordinator.inGroupTx(ctx, input.SharingGroupUUID, input.DeviceUUID, func(ctx context.Context) error {
		update, err := nextMasterVersion(ctx, s.repos, input.SharingGroupUUID, input.MasterVersion)
		if err != nil || update != nil {
			output.MasterVersionUpdate = update
			return err
		}
		output.DeferredUploadID, err = s.removeGroup(ctx, input.SharingGroupUUID, input.UserID, input.DeviceUUID)
		return err
	})
	if err != nil {
		return nil, classifyError(s.logger, err, "failed to remove sharing group")
	}
	if output.DeferredUploadID != nil {
		s.coordinator.triggerUploader()
	}
	return output, nil
}

// RemoveUser removes the calling user from a sharing group. The group is removed
// with its last member.
func (s *SharingGroupService) RemoveUser(ctx context.Context, input SharingGroupChangeInput) (*SharingGroupChangeOutput, error) {
	if err := s.checkChange(ctx, input, domain.PermissionRead); err != nil {
		return nil, err
	}

	output := &SharingGroupChangeOutput{}
	err := s.coordinator.inGroupTx(ctx, input.SharingGroupUUID, input.DeviceUUID, func(ctx context.Context) error {
		update, err := nextMasterVersion(ctx, s.repos, input.SharingGroupUUID, input.MasterVersion)
		if err != nil || update != nil {
			output.MasterVersionUpdate = update
			return err
		}
		output.DeferredUploadID, err = s.leave(ctx, input.SharingGroupUUID, input.UserID, input.DeviceUUID)
		return err
	})
	if err != nil {
		return nil, classifyError(s.logger, err, "failed to remove user from sharing group")
	}
	if output.DeferredUploadID != nil {
		s.coordinator.triggerUploader()
	}
	return output, nil
}

// evict removes a user from a group as part of deleting the user's account. It is
// not gated by a master version; the version is advanced when the group goes away.
func (s *SharingGroupService) evict(ctx context.Context, sharingGroupUUID string, userID int64) error {
	holder := fmt.Sprintf("user-removal:%d", userID)
	var deferredID *int64
	err := s.coordinator.inGroupTx(ctx, sharingGroupUUID, holder, func(ctx context.Context) error {
		id, err := s.leave(ctx, sharingGroupUUID, userID, holder)
		if err != nil {
			return err
		}
		if id != nil {
			deferredID = id
			current, err := s.repos.MasterVersion.Get(ctx, sharingGroupUUID)
			if err != nil {
				return err
			}
			if _, err := s.repos.MasterVersion.UpdateToNext(ctx, sharingGroupUUID, current); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return classifyError(s.logger, err, "failed to remove user from sharing group")
	}
	if deferredID != nil {
		s.coordinator.triggerUploader()
	}
	return nil
}

// leave removes one member, and the group if that was the last member.
func (s *SharingGroupService) leave(ctx context.Context, sharingGroupUUID string, userID int64, deviceUUID string) (*int64, error) {
	removed, err := s.repos.SharingGroupUser.Remove(ctx, sharingGroupUUID, userID)
	if err != nil {
		return nil, err
	}
	if !removed {
		return nil, domain.NewDomainError(domain.ErrNotSharingGroupMember, "", sharingGroupUUID)
	}

	remaining, err := s.repos.SharingGroupUser.Count(ctx, sharingGroupUUID)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("sharing_group_uuid", sharingGroupUUID).
		Int64("user_id", userID).
		Int64("remaining", remaining).
		Msg("user removed from sharing group")
	if remaining > 0 {
		return nil, nil
	}
	return s.removeGroup(ctx, sharingGroupUUID, userID, deviceUUID)
}

// removeGroup runs inside a locked transaction. When the group had live files it
// returns the deferred upload that removes their cloud objects.
func (s *SharingGroupService) removeGroup(ctx context.Context, sharingGroupUUID string, userID int64, deviceUUID string) (*int64, error) {
	files, err := s.repos.FileIndex.ListBySharingGroup(ctx, sharingGroupUUID)
	if err != nil {
		return nil, err
	}

	if _, err := s.repos.SharingGroup.MarkDeleted(ctx, sharingGroupUUID); err != nil {
		return nil, err
	}
	if _, err := s.repos.FileIndex.MarkAllDeleted(ctx, sharingGroupUUID); err != nil {
		return nil, err
	}
	if _, err := s.repos.SharingGroupUser.RemoveAll(ctx, sharingGroupUUID); err != nil {
		return nil, err
	}

	live := make([]*domain.FileIndex, 0, len(files))
	for _, f := range files {
		if !f.Deleted {
			live = append(live, f)
		}
	}

	s.logger.Info().
		Str("sharing_group_uuid", sharingGroupUUID).
		Int("files", len(live)).
		Msg("sharing group removed")
	if len(live) == 0 {
		return nil, nil
	}

	deferred := domain.NewDeferredUpload(sharingGroupUUID, userID, nil, domain.DeferredUploadStatusPendingDeletion)
	if err := s.repos.DeferredUpload.Create(ctx, deferred); err != nil {
		return nil, err
	}
	count := int32(len(live))
	for i, f := range live {
		upload := &domain.Upload{
			FileUUID:         f.FileUUID,
			UserID:           userID,
			DeviceUUID:       deviceUUID,
			SharingGroupUUID: sharingGroupUUID,
			FileGroupUUID:    f.FileGroupUUID,
			FileVersion:      int32Ptr(f.FileVersion),
			UploadIndex:      int32(i) + 1,
			UploadCount:      count,
			State:            domain.UploadStateToDeleteFromFileIndex,
			DeferredUploadID: &deferred.ID,
		}
		if err := s.repos.Upload.Add(ctx, upload); err != nil {
			return nil, err
		}
	}
	return &deferred.ID, nil
}

// AddMember adds a user to a sharing group. The acting user needs admin permission.
func (s *SharingGroupService) AddMember(ctx context.Context, actingUserID int64, sharingGroupUUID string, userID int64, permission domain.Permission) error {
	if err := validateUUIDs(map[string]string{"sharingGroupUUID": sharingGroupUUID}); err != nil {
		return err
	}
	if _, err := authorize(ctx, s.repos, s.logger, sharingGroupUUID, actingUserID, domain.PermissionAdmin); err != nil {
		return err
	}
	return s.Enroll(ctx, sharingGroupUUID, userID, permission)
}

// Enroll adds a user to a sharing group without checking the caller's permission.
// It serves operator tooling.
func (s *SharingGroupService) Enroll(ctx context.Context, sharingGroupUUID string, userID int64, permission domain.Permission) error {
	if !permission.IsValid() {
		return domain.NewDomainError(ErrInvalidRequest, "unknown permission", string(permission))
	}

	group, err := s.repos.SharingGroup.GetByUUID(ctx, sharingGroupUUID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.NewDomainError(domain.ErrSharingGroupNotFound, "", sharingGroupUUID)
		}
		return infrastructureError(s.logger, err, "failed to get sharing group")
	}
	if group.Deleted {
		return domain.NewDomainError(domain.ErrSharingGroupDeleted, "", sharingGroupUUID)
	}
	if _, err := s.repos.User.GetByID(ctx, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.NewDomainError(domain.ErrUserNotFound, "", fmt.Sprint(userID))
		}
		return infrastructureError(s.logger, err, "failed to get user")
	}

	err = s.repos.SharingGroupUser.Add(ctx, &domain.SharingGroupUser{
		SharingGroupUUID: sharingGroupUUID,
		UserID:           userID,
		Permission:       permission,
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return domain.NewDomainError(domain.ErrAlreadySharingGroupMember, "", sharingGroupUUID)
		}
		return infrastructureError(s.logger, err, "failed to add sharing group member")
	}

	s.logger.Info().
		Str("sharing_group_uuid", sharingGroupUUID).
		Int64("user_id", userID).
		Str("permission", string(permission)).
		Msg("user added to sharing group")
	return nil
}

func (s *SharingGroupService) checkChange(ctx context.Context, input SharingGroupChangeInput, required domain.Permission) error {
	if err := validateUUIDs(map[string]string{
		"sharingGroupUUID": input.SharingGroupUUID,
		"deviceUUID":       input.DeviceUUID,
	}); err != nil {
		return err
	}
	_, err := authorize(ctx, s.repos, s.logger, input.SharingGroupUUID, input.UserID, required)
	return err
}
