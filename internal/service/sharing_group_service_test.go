package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/repository"
)

func TestSharingGroupService_Create(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.newUser(t, "alice")

	sgUUID := newUUID()
	group, err := h.groups.Create(ctx, CreateSharingGroupInput{
		UserID:           alice.ID,
		SharingGroupUUID: &sgUUID,
		Name:             stringPtr("Family"),
	})
	require.NoError(t, err)
	assert.Equal(t, sgUUID, group.UUID)

	member, err := h.repos.SharingGroupUser.Get(ctx, sgUUID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PermissionAdmin, member.Permission)
	assert.Equal(t, int64(0), h.masterVersion(t, sgUUID))

	_, err = h.groups.Create(ctx, CreateSharingGroupInput{UserID: alice.ID, SharingGroupUUID: &sgUUID})
	require.ErrorIs(t, err, ErrInvalidRequest)

	invalid := "not-a-uuid"
	_, err = h.groups.Create(ctx, CreateSharingGroupInput{UserID: alice.ID, SharingGroupUUID: &invalid})
	require.ErrorIs(t, err, ErrInvalidUUID)
}

func TestSharingGroupService_Members(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.newUser(t, "alice")
	bob := h.newUser(t, "bobby")
	carol := h.newUser(t, "carol")
	sg := h.newSharingGroup(t, alice)

	tests := []struct {
		name       string
		acting     int64
		user       int64
		permission domain.Permission
		wantErr    error
	}{
		{name: "admin adds reader", acting: alice.ID, user: bob.ID, permission: domain.PermissionRead},
		{name: "already a member", acting: alice.ID, user: bob.ID, permission: domain.PermissionWrite, wantErr: domain.ErrAlreadySharingGroupMember},
		{name: "reader cannot add", acting: bob.ID, user: carol.ID, permission: domain.PermissionRead, wantErr: domain.ErrPermissionDenied},
		{name: "unknown permission", acting: alice.ID, user: carol.ID, permission: "owner", wantErr: ErrInvalidRequest},
		{name: "unknown user", acting: alice.ID, user: 9999, permission: domain.PermissionRead, wantErr: domain.ErrUserNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.groups.AddMember(ctx, tt.acting, sg, tt.user, tt.permission)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}

	count, err := h.repos.SharingGroupUser.Count(ctx, sg)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestSharingGroupService_UpdateName(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.newUser(t, "alice")
	bob := h.newUser(t, "bobby")
	sg := h.newSharingGroup(t, alice)
	require.NoError(t, h.groups.AddMember(ctx, alice.ID, sg, bob.ID, domain.PermissionWrite))

	input := SharingGroupChangeInput{UserID: alice.ID, DeviceUUID: newUUID(), SharingGroupUUID: sg}

	out, err := h.groups.UpdateName(ctx, input, stringPtr("Holidays"))
	require.NoError(t, err)
	assert.Nil(t, out.MasterVersionUpdate)
	assert.Equal(t, int64(1), h.masterVersion(t, sg))

	group, err := h.repos.SharingGroup.GetByUUID(ctx, sg)
	require.NoError(t, err)
	require.NotNil(t, group.Name)
	assert.Equal(t, "Holidays", *group.Name)

	out, err = h.groups.UpdateName(ctx, input, stringPtr("Stale"))
	require.NoError(t, err)
	require.NotNil(t, out.MasterVersionUpdate)
	assert.Equal(t, int64(1), *out.MasterVersionUpdate)

	group, err = h.repos.SharingGroup.GetByUUID(ctx, sg)
	require.NoError(t, err)
	assert.Equal(t, "Holidays", *group.Name)

	_, err = h.groups.UpdateName(ctx, SharingGroupChangeInput{
		UserID:           bob.ID,
		DeviceUUID:       newUUID(),
		SharingGroupUUID: sg,
		MasterVersion:    1,
	}, stringPtr("Bob's"))
	require.ErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestSharingGroupService_Remove(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.newUser(t, "alice")
	sg := h.newSharingGroup(t, alice)
	device := newUUID()
	fileUUID := newUUID()
	mv := h.uploadV0(t, alice, device, sg, fileUUID, "contents")

	out, err := h.groups.Remove(ctx, SharingGroupChangeInput{
		UserID:           alice.ID,
		DeviceUUID:       device,
		SharingGroupUUID: sg,
		MasterVersion:    mv,
	})
	require.NoError(t, err)
	require.NotNil(t, out.DeferredUploadID)

	group, err := h.repos.SharingGroup.GetByUUID(ctx, sg)
	require.NoError(t, err)
	assert.True(t, group.Deleted)

	file, err := h.repos.FileIndex.Get(ctx, sg, fileUUID)
	require.NoError(t, err)
	assert.True(t, file.Deleted)

	_, err = h.repos.SharingGroupUser.Get(ctx, sg, alice.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	run := h.uploader.RunOnce(ctx)
	assert.Equal(t, 1, run.Completed)
	assert.Zero(t, h.store.Len())

	_, err = h.files.UploadFile(ctx, v0Input(alice, device, sg, newUUID(), mv+1, "late"))
	require.ErrorIs(t, err, domain.ErrSharingGroupDeleted)
}

func TestSharingGroupService_RemoveUser(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.newUser(t, "alice")
	bob := h.newUser(t, "bobby")
	sg := h.newSharingGroup(t, alice)
	require.NoError(t, h.groups.AddMember(ctx, alice.ID, sg, bob.ID, domain.PermissionRead))

	out, err := h.groups.RemoveUser(ctx, SharingGroupChangeInput{
		UserID:           bob.ID,
		DeviceUUID:       newUUID(),
		SharingGroupUUID: sg,
		MasterVersion:    0,
	})
	require.NoError(t, err)
	assert.Nil(t, out.DeferredUploadID)
	assert.Equal(t, int64(1), h.masterVersion(t, sg))

	_, err = h.repos.SharingGroupUser.Get(ctx, sg, bob.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	group, err := h.repos.SharingGroup.GetByUUID(ctx, sg)
	require.NoError(t, err)
	assert.False(t, group.Deleted)

	// The last member takes the group with them.
	out, err = h.groups.RemoveUser(ctx, SharingGroupChangeInput{
		UserID:           alice.ID,
		DeviceUUID:       newUUID(),
		SharingGroupUUID: sg,
		MasterVersion:    1,
	})
	require.NoError(t, err)
	assert.Nil(t, out.DeferredUploadID, "no files to clean up")

	group, err = h.repos.SharingGroup.GetByUUID(ctx, sg)
	require.NoError(t, err)
	assert.True(t, group.Deleted)
}
