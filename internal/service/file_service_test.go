package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/pkg/crypto"
	"github.com/prn-tf/syncserver/internal/storage"
)

// uploadV0 uploads a new single file and returns the master version after it.
func (h *harness) uploadV0(t *testing.T, user *domain.User, deviceUUID, sharingGroupUUID, fileUUID, contents string) int64 {
	t.Helper()
	input := v0Input(user, deviceUUID, sharingGroupUUID, fileUUID, h.masterVersion(t, sharingGroupUUID), contents)
	input.ChangeResolverName = stringPtr(domain.WholeFileReplacerName)
	out, err := h.files.UploadFile(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, V0UploadsFinished, out.AllUploadsFinished)
	return h.masterVersion(t, sharingGroupUUID)
}

func TestUploadDeletion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.newUser(t, "alice")
	sg := h.newSharingGroup(t, alice)
	device := newUUID()
	fileUUID := newUUID()
	mv := h.uploadV0(t, alice, device, sg, fileUUID, "contents")
	cloudName := domain.CloudFileName(device, fileUUID, "text/plain", 0)

	deletion := func(masterVersion int64, fileVersion int32) UploadDeletionInput {
		return UploadDeletionInput{
			UserID:           alice.ID,
			DeviceUUID:       device,
			SharingGroupUUID: sg,
			MasterVersion:    masterVersion,
			FileUUID:         &fileUUID,
			FileVersion:      &fileVersion,
		}
	}

	t.Run("wrong file version", func(t *testing.T) {
		_, err := h.files.UploadDeletion(ctx, deletion(mv, 1))
		require.ErrorIs(t, err, domain.ErrInvalidFileVersion)
		assert.Empty(t, h.pending(t, alice, sg, device))
		assert.Equal(t, mv, h.masterVersion(t, sg))
	})

	t.Run("stale master version", func(t *testing.T) {
		out, err := h.files.UploadDeletion(ctx, deletion(mv-1, 0))
		require.NoError(t, err)
		require.NotNil(t, out.MasterVersionUpdate)
		assert.Equal(t, mv, *out.MasterVersionUpdate)
		assert.Nil(t, out.DeferredUploadID)

		file, err := h.repos.FileIndex.Get(ctx, sg, fileUUID)
		require.NoError(t, err)
		assert.False(t, file.Deleted)
	})

	t.Run("deleted and cleaned up", func(t *testing.T) {
		out, err := h.files.UploadDeletion(ctx, deletion(mv, 0))
		require.NoError(t, err)
		require.NotNil(t, out.DeferredUploadID)
		assert.False(t, out.AlreadyDeleted)

		file, err := h.repos.FileIndex.Get(ctx, sg, fileUUID)
		require.NoError(t, err)
		assert.True(t, file.Deleted)
		assert.Equal(t, mv+1, h.masterVersion(t, sg))
		assert.True(t, h.store.Has("alice", cloudName), "object kept until the uploader runs")

		results, err := h.files.GetUploadsResults(ctx, alice.ID, *out.DeferredUploadID)
		require.NoError(t, err)
		assert.Equal(t, domain.DeferredUploadStatusPendingDeletion, results.Status)

		run := h.uploader.RunOnce(ctx)
		assert.Equal(t, 1, run.Completed)
		assert.False(t, h.store.Has("alice", cloudName))

		results, err = h.files.GetUploadsResults(ctx, alice.ID, *out.DeferredUploadID)
		require.NoError(t, err)
		assert.Equal(t, domain.DeferredUploadStatusCompleted, results.Status)
	})

	t.Run("already deleted", func(t *testing.T) {
		out, err := h.files.UploadDeletion(ctx, deletion(mv+1, 0))
		require.NoError(t, err)
		assert.True(t, out.AlreadyDeleted)
		assert.Nil(t, out.DeferredUploadID)
		assert.Equal(t, mv+1, h.masterVersion(t, sg))
	})
}

func TestUploadDeletion_FileGroup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.newUser(t, "alice")
	sg := h.newSharingGroup(t, alice)
	device := newUUID()
	fileGroup := newUUID()

	files := []string{newUUID(), newUUID()}
	for i, fileUUID := range files {
		input := v0Input(alice, device, sg, fileUUID, 0, "contents")
		input.UploadIndex = int32(i) + 1
		input.UploadCount = 2
		input.FileGroupUUID = &fileGroup
		_, err := h.files.UploadFile(ctx, input)
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), h.masterVersion(t, sg))

	version := int32(0)
	_, err := h.files.UploadDeletion(ctx, UploadDeletionInput{
		UserID:           alice.ID,
		DeviceUUID:       device,
		SharingGroupUUID: sg,
		MasterVersion:    1,
		FileUUID:         &files[0],
		FileVersion:      &version,
	})
	require.ErrorIs(t, err, domain.ErrFileGroupMismatch)

	_, err = h.files.UploadDeletion(ctx, UploadDeletionInput{
		UserID:           alice.ID,
		DeviceUUID:       device,
		SharingGroupUUID: sg,
		MasterVersion:    1,
	})
	require.ErrorIs(t, err, ErrInvalidRequest)

	out, err := h.files.UploadDeletion(ctx, UploadDeletionInput{
		UserID:           alice.ID,
		DeviceUUID:       device,
		SharingGroupUUID: sg,
		MasterVersion:    1,
		FileGroupUUID:    &fileGroup,
	})
	require.NoError(t, err)
	require.NotNil(t, out.DeferredUploadID)

	indexed, err := h.repos.FileIndex.ListByFileGroup(ctx, sg, fileGroup)
	require.NoError(t, err)
	require.Len(t, indexed, 2)
	for _, f := range indexed {
		assert.True(t, f.Deleted)
	}

	run := h.uploader.RunOnce(ctx)
	assert.Equal(t, 1, run.Completed)
	assert.Zero(t, h.store.Len())
}

func TestUploadDeletion_UnfinishedBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.newUser(t, "alice")
	sg := h.newSharingGroup(t, alice)
	device := newUUID()
	fileUUID := newUUID()
	mv := h.uploadV0(t, alice, device, sg, fileUUID, "contents")

	partial := v0Input(alice, device, sg, newUUID(), mv, "partial")
	partial.UploadCount = 2
	partial.FileGroupUUID = stringPtr(newUUID())
	_, err := h.files.UploadFile(ctx, partial)
	require.NoError(t, err)

	version := int32(0)
	_, err = h.files.UploadDeletion(ctx, UploadDeletionInput{
		UserID:           alice.ID,
		DeviceUUID:       device,
		SharingGroupUUID: sg,
		MasterVersion:    mv,
		FileUUID:         &fileUUID,
		FileVersion:      &version,
	})
	require.ErrorIs(t, err, domain.ErrBatchIncoherent)

	file, err := h.repos.FileIndex.Get(ctx, sg, fileUUID)
	require.NoError(t, err)
	assert.False(t, file.Deleted)
	assert.Equal(t, mv, h.masterVersion(t, sg))
}

func TestUploadFile_Undelete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.newUser(t, "alice")
	sg := h.newSharingGroup(t, alice)
	device := newUUID()
	fileUUID := newUUID()
	mv := h.uploadV0(t, alice, device, sg, fileUUID, "contents")

	version := int32(0)
	_, err := h.files.UploadDeletion(ctx, UploadDeletionInput{
		UserID:           alice.ID,
		DeviceUUID:       device,
		SharingGroupUUID: sg,
		MasterVersion:    mv,
		FileUUID:         &fileUUID,
		FileVersion:      &version,
	})
	require.NoError(t, err)
	h.uploader.RunOnce(ctx)
	mv++

	// A change to a deleted file is refused.
	_, err = h.files.UploadFile(ctx, changeInput(alice, device, sg, fileUUID, mv, 1, "change"))
	require.ErrorIs(t, err, domain.ErrFileDeleted)

	revived := v0Input(alice, device, sg, fileUUID, mv, "revived")
	revived.FileVersion = 1
	revived.MimeType = nil
	revived.Undelete = true
	out, err := h.files.UploadFile(ctx, revived)
	require.NoError(t, err)
	assert.Equal(t, V0UploadsFinished, out.AllUploadsFinished)

	file, err := h.repos.FileIndex.Get(ctx, sg, fileUUID)
	require.NoError(t, err)
	assert.False(t, file.Deleted)
	assert.Equal(t, int32(1), file.FileVersion)
	assert.Equal(t, mv+1, h.masterVersion(t, sg))

	download, err := h.files.DownloadFile(ctx, DownloadFileInput{
		UserID:           alice.ID,
		SharingGroupUUID: sg,
		FileUUID:         fileUUID,
		FileVersion:      1,
	})
	require.NoError(t, err)
	assert.Equal(t, "revived", string(download.Data))

	again := revived
	again.DeviceUUID = newUUID()
	again.MasterVersion = mv + 1
	again.FileVersion = 2
	_, err = h.files.UploadFile(ctx, again)
	require.ErrorIs(t, err, domain.ErrNotDeleted)
}

func TestUploadAppMetaData(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.newUser(t, "alice")
	sg := h.newSharingGroup(t, alice)
	device := newUUID()
	fileUUID := newUUID()

	input := v0Input(alice, device, sg, fileUUID, 0, "contents")
	input.AppMetaData = &AppMetaData{Version: 0, Contents: "first"}
	_, err := h.files.UploadFile(ctx, input)
	require.NoError(t, err)

	metaData := func(version int32, contents string) UploadAppMetaDataInput {
		return UploadAppMetaDataInput{
			UserID:           alice.ID,
			DeviceUUID:       device,
			SharingGroupUUID: sg,
			FileUUID:         fileUUID,
			MasterVersion:    h.masterVersion(t, sg),
			UploadIndex:      1,
			UploadCount:      1,
			AppMetaData:      AppMetaData{Version: version, Contents: contents},
		}
	}

	tests := []struct {
		name          string
		input         UploadAppMetaDataInput
		wantErr       error
		wantFinished  AllUploadsFinished
		wantVersion   int32
		wantContents  string
		wantMVAdvance bool
	}{
		{
			name:         "resubmission of current version",
			input:        metaData(0, "first"),
			wantFinished: V0UploadsFinished,
			wantVersion:  0,
			wantContents: "first",
		},
		{
			name:    "version skipped",
			input:   metaData(2, "third"),
			wantErr: domain.ErrInvalidAppMetaData,
		},
		{
			name:    "current version with other contents",
			input:   metaData(0, "other"),
			wantErr: domain.ErrInvalidAppMetaData,
		},
		{
			name:          "next version",
			input:         metaData(1, "second"),
			wantFinished:  V0UploadsFinished,
			wantVersion:   1,
			wantContents:  "second",
			wantMVAdvance: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := h.masterVersion(t, sg)

			out, err := h.files.UploadAppMetaData(ctx, tt.input)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, before, h.masterVersion(t, sg))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFinished, out.AllUploadsFinished)

			file, err := h.repos.FileIndex.Get(ctx, sg, fileUUID)
			require.NoError(t, err)
			require.NotNil(t, file.AppMetaDataVersion)
			assert.Equal(t, tt.wantVersion, *file.AppMetaDataVersion)
			assert.Equal(t, tt.wantContents, *file.AppMetaData)
			assert.Equal(t, int32(0), file.FileVersion, "contents untouched")

			if tt.wantMVAdvance {
				assert.Equal(t, before+1, h.masterVersion(t, sg))
			} else {
				assert.Equal(t, before, h.masterVersion(t, sg))
			}
		})
	}
}

func TestUploadAppMetaData_ResubmissionInBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.newUser(t, "alice")
	sg := h.newSharingGroup(t, alice)
	device := newUUID()
	fileGroup := newUUID()
	firstUUID, secondUUID := newUUID(), newUUID()

	first := v0Input(alice, device, sg, firstUUID, 0, "one")
	first.UploadCount = 2
	first.FileGroupUUID = &fileGroup
	first.AppMetaData = &AppMetaData{Version: 0, Contents: "meta one"}
	_, err := h.files.UploadFile(ctx, first)
	require.NoError(t, err)

	second := v0Input(alice, device, sg, secondUUID, 0, "two")
	second.UploadIndex = 2
	second.UploadCount = 2
	second.FileGroupUUID = &fileGroup
	out, err := h.files.UploadFile(ctx, second)
	require.NoError(t, err)
	require.Equal(t, V0UploadsFinished, out.AllUploadsFinished)

	metaData := func(fileUUID string, index int32, contents string) UploadAppMetaDataInput {
		return UploadAppMetaDataInput{
			UserID:           alice.ID,
			DeviceUUID:       device,
			SharingGroupUUID: sg,
			FileUUID:         fileUUID,
			MasterVersion:    1,
			UploadIndex:      index,
			UploadCount:      2,
			AppMetaData:      AppMetaData{Version: 0, Contents: contents},
		}
	}

	// The first file already carries this app metadata.
	out, err = h.files.UploadAppMetaData(ctx, metaData(firstUUID, 1, "meta one"))
	require.NoError(t, err)
	assert.Equal(t, UploadsNotFinished, out.AllUploadsFinished)
	assert.Len(t, h.pending(t, alice, sg, device), 1)

	out, err = h.files.UploadAppMetaData(ctx, metaData(secondUUID, 2, "meta two"))
	require.NoError(t, err)
	assert.Equal(t, V0UploadsFinished, out.AllUploadsFinished)
	assert.Equal(t, 2, out.NumberUploadsTransferred)
	assert.Empty(t, h.pending(t, alice, sg, device))
	assert.Equal(t, int64(2), h.masterVersion(t, sg))

	file, err := h.repos.FileIndex.Get(ctx, sg, firstUUID)
	require.NoError(t, err)
	require.NotNil(t, file.AppMetaDataVersion)
	assert.Equal(t, int32(0), *file.AppMetaDataVersion)
	assert.Equal(t, "meta one", *file.AppMetaData)

	file, err = h.repos.FileIndex.Get(ctx, sg, secondUUID)
	require.NoError(t, err)
	require.NotNil(t, file.AppMetaDataVersion)
	assert.Equal(t, int32(0), *file.AppMetaDataVersion)
	assert.Equal(t, "meta two", *file.AppMetaData)

	// Nothing is left behind to make the device's next batch incoherent.
	out, err = h.files.UploadFile(ctx, v0Input(alice, device, sg, newUUID(), 2, "three"))
	require.NoError(t, err)
	assert.Equal(t, V0UploadsFinished, out.AllUploadsFinished)
}

func TestDownloadFile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.newUser(t, "alice")
	sg := h.newSharingGroup(t, alice)
	device := newUUID()
	fileUUID := newUUID()
	h.uploadV0(t, alice, device, sg, fileUUID, "contents")

	download := func(version int32) (*DownloadFileOutput, error) {
		return h.files.DownloadFile(ctx, DownloadFileInput{
			UserID:           alice.ID,
			SharingGroupUUID: sg,
			FileUUID:         fileUUID,
			FileVersion:      version,
		})
	}

	out, err := download(0)
	require.NoError(t, err)
	assert.Equal(t, "contents", string(out.Data))
	assert.Equal(t, crypto.ComputeSHA256([]byte("contents")), out.CheckSum)
	assert.False(t, out.ContentsChanged)
	assert.Nil(t, out.Gone)

	_, err = download(1)
	require.ErrorIs(t, err, domain.ErrInvalidFileVersion)

	// Replaced outside the server.
	opts := storage.Options{CloudFolderName: "alice", MimeType: "text/plain"}
	_, err = h.store.UploadFile(ctx, domain.CloudFileName(device, fileUUID, "text/plain", 0), []byte("edited"), opts)
	require.NoError(t, err)
	out, err = download(0)
	require.NoError(t, err)
	assert.True(t, out.ContentsChanged)

	require.NoError(t, h.store.DeleteFile(ctx, domain.CloudFileName(device, fileUUID, "text/plain", 0), opts))
	out, err = download(0)
	require.NoError(t, err)
	require.NotNil(t, out.Gone)
	assert.Equal(t, domain.GoneReasonFileRemovedOrRenamed, *out.Gone)
	assert.Nil(t, out.Data)

	h.store.Revoke("alice")
	out, err = download(0)
	require.NoError(t, err)
	require.NotNil(t, out.Gone)
	assert.Equal(t, domain.GoneReasonAuthTokenExpiredOrRevoked, *out.Gone)
}

func TestDownloadFile_OwnerRemoved(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.newUser(t, "alice")
	bob := h.newUser(t, "bobby")
	sg := h.newSharingGroup(t, alice)
	require.NoError(t, h.groups.AddMember(ctx, alice.ID, sg, bob.ID, domain.PermissionWrite))

	fileUUID := newUUID()
	input := v0Input(bob, newUUID(), sg, fileUUID, 0, "bob's file")
	input.AppMetaData = &AppMetaData{Version: 0, Contents: "meta"}
	_, err := h.files.UploadFile(ctx, input)
	require.NoError(t, err)

	require.NoError(t, h.users.Delete(ctx, bob.ID))
	assert.Equal(t, int64(1), h.masterVersion(t, sg), "group kept, master version unchanged")

	out, err := h.files.DownloadFile(ctx, DownloadFileInput{
		UserID:           alice.ID,
		SharingGroupUUID: sg,
		FileUUID:         fileUUID,
		FileVersion:      0,
	})
	require.NoError(t, err)
	require.NotNil(t, out.Gone)
	assert.Equal(t, domain.GoneReasonUserRemoved, *out.Gone)
	require.NotNil(t, out.AppMetaData)
	assert.Equal(t, "meta", *out.AppMetaData)

	change := changeInput(alice, newUUID(), sg, fileUUID, 1, 1, "change")
	_, err = h.files.UploadFile(ctx, change)
	require.ErrorIs(t, err, domain.ErrChangeResolverNotFound, "file was uploaded without a change resolver")

	fresh, err := h.files.UploadFile(ctx, v0Input(alice, newUUID(), sg, newUUID(), 1, "new"))
	require.NoError(t, err)
	assert.Equal(t, V0UploadsFinished, fresh.AllUploadsFinished)
}

func TestUploadFile_OwnerRemovedGone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.newUser(t, "alice")
	bob := h.newUser(t, "bobby")
	sg := h.newSharingGroup(t, alice)
	require.NoError(t, h.groups.AddMember(ctx, alice.ID, sg, bob.ID, domain.PermissionWrite))

	fileUUID := newUUID()
	mv := h.uploadV0(t, bob, newUUID(), sg, fileUUID, "bob's file")

	version := int32(0)
	_, err := h.files.UploadDeletion(ctx, UploadDeletionInput{
		UserID:           alice.ID,
		DeviceUUID:       newUUID(),
		SharingGroupUUID: sg,
		MasterVersion:    mv,
		FileUUID:         &fileUUID,
		FileVersion:      &version,
	})
	require.NoError(t, err)
	require.NoError(t, h.users.Delete(ctx, bob.ID))

	// The uploader skips objects whose owner is gone.
	run := h.uploader.RunOnce(ctx)
	assert.Equal(t, 1, run.Completed)

	device := newUUID()
	revived := v0Input(alice, device, sg, fileUUID, mv+1, "revived")
	revived.FileVersion = 1
	revived.MimeType = nil
	revived.Undelete = true
	out, err := h.files.UploadFile(ctx, revived)
	require.NoError(t, err)
	require.NotNil(t, out.Gone)
	assert.Equal(t, domain.GoneReasonUserRemoved, *out.Gone)
	assert.Empty(t, h.pending(t, alice, sg, device))
}

func TestIndex(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.newUser(t, "alice")
	bob := h.newUser(t, "bobby")
	sg := h.newSharingGroup(t, alice)
	other := h.newSharingGroup(t, alice)
	h.uploadV0(t, alice, newUUID(), sg, newUUID(), "one")
	h.uploadV0(t, alice, newUUID(), sg, newUUID(), "two")

	out, err := h.files.Index(ctx, alice.ID, nil)
	require.NoError(t, err)
	assert.Len(t, out.SharingGroups, 2)
	assert.Nil(t, out.Files)
	assert.Nil(t, out.MasterVersion)

	out, err = h.files.Index(ctx, alice.ID, &sg)
	require.NoError(t, err)
	assert.Len(t, out.Files, 2)
	require.NotNil(t, out.MasterVersion)
	assert.Equal(t, int64(2), *out.MasterVersion)

	out, err = h.files.Index(ctx, alice.ID, &other)
	require.NoError(t, err)
	assert.Empty(t, out.Files)
	assert.Equal(t, int64(0), *out.MasterVersion)

	out, err = h.files.Index(ctx, bob.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, out.SharingGroups)

	_, err = h.files.Index(ctx, bob.ID, &sg)
	require.ErrorIs(t, err, domain.ErrNotSharingGroupMember)

	unknown := newUUID()
	_, err = h.files.Index(ctx, alice.ID, &unknown)
	require.ErrorIs(t, err, domain.ErrSharingGroupNotFound)
}

func TestGetUploadsResults(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.newUser(t, "alice")
	bob := h.newUser(t, "bobby")
	sg := h.newSharingGroup(t, alice)
	device := newUUID()
	fileUUID := newUUID()
	mv := h.uploadV0(t, alice, device, sg, fileUUID, "v0")

	out, err := h.files.UploadFile(ctx, changeInput(alice, device, sg, fileUUID, mv, 1, "v1"))
	require.NoError(t, err)
	require.NotNil(t, out.DeferredUploadID)

	_, err = h.files.GetUploadsResults(ctx, bob.ID, *out.DeferredUploadID)
	require.ErrorIs(t, err, domain.ErrDeferredUploadNotFound)

	_, err = h.files.GetUploadsResults(ctx, alice.ID, *out.DeferredUploadID+100)
	require.ErrorIs(t, err, domain.ErrDeferredUploadNotFound)
}
