package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/repository"
)

// validateUUIDs checks that every named value parses as a UUID.
func validateUUIDs(values map[string]string) error {
	for field, value := range values {
		if _, err := uuid.Parse(value); err != nil {
			return domain.NewDomainError(ErrInvalidUUID, field, value)
		}
	}
	return nil
}

// authorize checks that the sharing group exists, is not deleted, and that the
// user is a member with at least the required permission.
func authorize(
	ctx context.Context,
	repos *repository.Repositories,
	logger zerolog.Logger,
	sharingGroupUUID string,
	userID int64,
	required domain.Permission,
) (*domain.SharingGroupUser, error) {
	group, err := repos.SharingGroup.GetByUUID(ctx, sharingGroupUUID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NewDomainError(domain.ErrSharingGroupNotFound, "", sharingGroupUUID)
		}
		return nil, infrastructureError(logger, err, "failed to get sharing group")
	}
	if group.Deleted {
		return nil, domain.NewDomainError(domain.ErrSharingGroupDeleted, "", sharingGroupUUID)
	}

	member, err := repos.SharingGroupUser.Get(ctx, sharingGroupUUID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NewDomainError(domain.ErrNotSharingGroupMember, "", sharingGroupUUID)
		}
		return nil, infrastructureError(logger, err, "failed to get sharing group membership")
	}
	if !member.Permission.HasMinimum(required) {
		return nil, domain.NewDomainError(domain.ErrPermissionDenied, string(required)+" required", sharingGroupUUID)
	}
	return member, nil
}

// staleMasterVersion returns the current master version of the group when it
// differs from the presented one, and nil when they match.
func staleMasterVersion(
	ctx context.Context,
	repos *repository.Repositories,
	logger zerolog.Logger,
	sharingGroupUUID string,
	presented int64,
) (*int64, error) {
	current, err := repos.MasterVersion.Get(ctx, sharingGroupUUID)
	if err != nil {
		return nil, infrastructureError(logger, err, "failed to get master version")
	}
	if current != presented {
		return &current, nil
	}
	return nil, nil
}

// nextMasterVersion advances the master version with a compare-and-swap from the
// presented value. On a mismatch nothing changes and the current version is returned.
func nextMasterVersion(ctx context.Context, repos *repository.Repositories, sharingGroupUUID string, presented int64) (*int64, error) {
	updated, err := repos.MasterVersion.UpdateToNext(ctx, sharingGroupUUID, presented)
	if err != nil {
		return nil, err
	}
	if updated {
		return nil, nil
	}
	current, err := repos.MasterVersion.Get(ctx, sharingGroupUUID)
	if err != nil {
		return nil, err
	}
	return &current, nil
}
