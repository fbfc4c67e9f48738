package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/repository"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()

	db, err := NewDB(ctx, DefaultConfig(filepath.Join(t.TempDir(), "sync.db")), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate(ctx))
	return db
}

func seedSharingGroup(t *testing.T, repos *repository.Repositories, sharingGroupUUID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repos.SharingGroup.Create(ctx, domain.NewSharingGroup(sharingGroupUUID, nil)))
	require.NoError(t, repos.MasterVersion.Initialize(ctx, sharingGroupUUID))
}

func ptr[T any](v T) *T { return &v }

func TestMigrate_Idempotent(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Migrate(context.Background()))
}

func TestUserRepository(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestDB(t))

	user := domain.NewUser("alice", "hash", domain.AccountTypeLocal, "Sync")
	require.NoError(t, repos.User.Create(ctx, user))
	assert.NotZero(t, user.ID)

	err := repos.User.Create(ctx, domain.NewUser("alice", "other", domain.AccountTypeLocal, "Sync"))
	assert.ErrorIs(t, err, repository.ErrDuplicate)

	got, err := repos.User.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, domain.AccountTypeLocal, got.AccountType)
	assert.WithinDuration(t, user.CreatedAt, got.CreatedAt, time.Millisecond)

	require.NoError(t, repos.User.UpdateCredentials(ctx, user.ID, "secret"))
	got, err = repos.User.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret", got.Credentials)

	_, err = repos.User.GetByID(ctx, 9999)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, repos.User.Delete(ctx, user.ID))
	assert.ErrorIs(t, repos.User.Delete(ctx, user.ID), repository.ErrNotFound)
}

func TestSharingGroupRepository_ListForUser(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestDB(t))

	user := domain.NewUser("bob", "hash", domain.AccountTypeMemory, "")
	require.NoError(t, repos.User.Create(ctx, user))

	seedSharingGroup(t, repos, "sg-1")
	seedSharingGroup(t, repos, "sg-2")
	require.NoError(t, repos.SharingGroupUser.Add(ctx, &domain.SharingGroupUser{
		SharingGroupUUID: "sg-1", UserID: user.ID, Permission: domain.PermissionAdmin,
	}))
	require.NoError(t, repos.SharingGroupUser.Add(ctx, &domain.SharingGroupUser{
		SharingGroupUUID: "sg-2", UserID: user.ID, Permission: domain.PermissionRead,
	}))

	err := repos.SharingGroupUser.Add(ctx, &domain.SharingGroupUser{
		SharingGroupUUID: "sg-2", UserID: user.ID, Permission: domain.PermissionWrite,
	})
	assert.ErrorIs(t, err, repository.ErrDuplicate)

	ok, err := repos.MasterVersion.UpdateToNext(ctx, "sg-1", 0)
	require.NoError(t, err)
	require.True(t, ok)

	deleted, err := repos.SharingGroup.MarkDeleted(ctx, "sg-2")
	require.NoError(t, err)
	assert.True(t, deleted)

	groups, err := repos.SharingGroup.ListForUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "sg-1", groups[0].UUID)
	assert.Equal(t, int64(1), groups[0].MasterVersion)
	assert.Equal(t, domain.PermissionAdmin, groups[0].Permission)

	count, err := repos.SharingGroupUser.Count(ctx, "sg-2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestMasterVersionRepository_UpdateToNext(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestDB(t))
	seedSharingGroup(t, repos, "sg-1")

	ok, err := repos.MasterVersion.UpdateToNext(ctx, "sg-1", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repos.MasterVersion.UpdateToNext(ctx, "sg-1", 0)
	require.NoError(t, err)
	assert.False(t, ok, "stale expected version must not advance the counter")

	version, err := repos.MasterVersion.Get(ctx, "sg-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func TestUploadRepository_PendingKeyIsUnique(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestDB(t))
	seedSharingGroup(t, repos, "sg-1")

	newUpload := func(index int32) *domain.Upload {
		now := time.Now()
		return &domain.Upload{
			FileUUID:             "file-1",
			UserID:               1,
			DeviceUUID:           "device-1",
			SharingGroupUUID:     "sg-1",
			FileVersion:          ptr(int32(1)),
			V0UploadFileVersion:  ptr(false),
			UploadIndex:          index,
			UploadCount:          1,
			State:                domain.UploadStateUploadedFile,
			LastUploadedCheckSum: ptr("abc"),
			UploadContents:       []byte("change"),
			UpdateDate:           &now,
		}
	}

	first := newUpload(1)
	require.NoError(t, repos.Upload.Add(ctx, first))

	err := repos.Upload.Add(ctx, newUpload(1))
	assert.ErrorIs(t, err, repository.ErrDuplicate)

	deferred := domain.NewDeferredUpload("sg-1", 1, nil, domain.DeferredUploadStatusPendingChange)
	require.NoError(t, repos.DeferredUpload.Create(ctx, deferred))

	n, err := repos.Upload.SetDeferredUploadID(ctx, []int64{first.ID}, deferred.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Once handed off, a new change for the same file may be staged.
	require.NoError(t, repos.Upload.Add(ctx, newUpload(1)))

	pending, err := repos.Upload.ListPending(ctx, 1, "sg-1", "device-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Nil(t, pending[0].DeferredUploadID)

	handedOff, err := repos.Upload.ListByDeferredUploadIDs(ctx, []int64{deferred.ID})
	require.NoError(t, err)
	require.Len(t, handedOff, 1)
	assert.Equal(t, []byte("change"), handedOff[0].UploadContents)
	require.NotNil(t, handedOff[0].V0UploadFileVersion)
	assert.False(t, *handedOff[0].V0UploadFileVersion)
	assert.Equal(t, int32(1), *handedOff[0].FileVersion)
	assert.Equal(t, domain.UploadClassChange, handedOff[0].Class())

	n, err = repos.Upload.DeleteByIDs(ctx, []int64{first.ID, pending[0].ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestFileIndexRepository(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestDB(t))
	seedSharingGroup(t, repos, "sg-1")

	now := time.Now().UTC()
	file := &domain.FileIndex{
		FileUUID:             "file-1",
		SharingGroupUUID:     "sg-1",
		DeviceUUID:           "device-1",
		UserID:               1,
		FileGroupUUID:        ptr("group-1"),
		MimeType:             "text/plain",
		FileVersion:          0,
		LastUploadedCheckSum: ptr("abc"),
		CreationDate:         now,
		UpdateDate:           now,
	}
	require.NoError(t, repos.FileIndex.Add(ctx, file))
	assert.ErrorIs(t, repos.FileIndex.Add(ctx, file), repository.ErrDuplicate)

	file.FileVersion = 1
	file.AppMetaData = ptr("meta")
	file.AppMetaDataVersion = ptr(int32(0))
	require.NoError(t, repos.FileIndex.Update(ctx, file))

	got, err := repos.FileIndex.Get(ctx, "sg-1", "file-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), got.FileVersion)
	assert.Equal(t, "meta", *got.AppMetaData)
	assert.Nil(t, got.ObjectType)

	inGroup, err := repos.FileIndex.ListByFileGroup(ctx, "sg-1", "group-1")
	require.NoError(t, err)
	assert.Len(t, inGroup, 1)

	n, err := repos.FileIndex.MarkDeleted(ctx, "sg-1", []string{"file-1", "missing"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repos.FileIndex.MarkAllDeleted(ctx, "sg-1")
	require.NoError(t, err)
	assert.Zero(t, n, "already deleted rows are not counted")

	missing := &domain.FileIndex{FileUUID: "nope", SharingGroupUUID: "sg-1", UpdateDate: now}
	assert.ErrorIs(t, repos.FileIndex.Update(ctx, missing), repository.ErrNotFound)
}

func TestDeferredUploadRepository_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestDB(t))

	change := domain.NewDeferredUpload("sg-1", 1, nil, domain.DeferredUploadStatusPendingChange)
	deletion := domain.NewDeferredUpload("sg-1", 1, ptr("group-1"), domain.DeferredUploadStatusPendingDeletion)
	require.NoError(t, repos.DeferredUpload.Create(ctx, change))
	require.NoError(t, repos.DeferredUpload.Create(ctx, deletion))

	pending, err := repos.DeferredUpload.ListByStatus(ctx,
		domain.DeferredUploadStatusPendingChange, domain.DeferredUploadStatusPendingDeletion)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, change.ID, pending[0].ID)

	n, err := repos.DeferredUpload.UpdateStatus(ctx, []int64{change.ID}, domain.DeferredUploadStatusCompleted, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repos.DeferredUpload.UpdateStatus(ctx, []int64{deletion.ID}, domain.DeferredUploadStatusError, ptr("cloud unavailable"))
	require.NoError(t, err)

	got, err := repos.DeferredUpload.GetByID(ctx, change.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeferredUploadStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	got, err = repos.DeferredUpload.GetByID(ctx, deletion.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeferredUploadStatusError, got.Status)
	assert.Equal(t, "cloud unavailable", *got.ErrorReason)
	assert.Equal(t, "group-1", *got.FileGroupUUID)

	_, err = repos.DeferredUpload.GetByID(ctx, 9999)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestShortLockRepository(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestDB(t))
	now := time.Now()

	require.NoError(t, repos.ShortLock.Insert(ctx, &domain.ShortLock{Key: "sg-1", Holder: "a", Expiry: now.Add(time.Minute)}))

	err := repos.ShortLock.Insert(ctx, &domain.ShortLock{Key: "sg-1", Holder: "b", Expiry: now.Add(time.Minute)})
	assert.ErrorIs(t, err, repository.ErrDuplicate)

	removed, err := repos.ShortLock.RemoveStale(ctx, "sg-1", now)
	require.NoError(t, err)
	assert.Zero(t, removed)

	ok, err := repos.ShortLock.Delete(ctx, "sg-1", "b")
	require.NoError(t, err)
	assert.False(t, ok, "only the holder may release")

	ok, err = repos.ShortLock.Extend(ctx, "sg-1", "a", now.Add(-time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	removed, err = repos.ShortLock.RemoveStale(ctx, "sg-1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = repos.ShortLock.Get(ctx, "sg-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestWithTx(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repos := NewRepositories(db)
	errBoom := errors.New("boom")

	err := db.WithTx(ctx, func(ctx context.Context) error {
		require.NoError(t, repos.SharingGroup.Create(ctx, domain.NewSharingGroup("sg-rollback", nil)))

		// Nested calls join the enclosing transaction.
		return db.WithTx(ctx, func(ctx context.Context) error {
			require.NoError(t, repos.MasterVersion.Initialize(ctx, "sg-rollback"))
			return errBoom
		})
	})
	assert.ErrorIs(t, err, errBoom)

	_, err = repos.SharingGroup.GetByUUID(ctx, "sg-rollback")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = repos.MasterVersion.Get(ctx, "sg-rollback")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	err = db.WithTx(ctx, func(ctx context.Context) error {
		if err := repos.SharingGroup.Create(ctx, domain.NewSharingGroup("sg-commit", ptr("Family"))); err != nil {
			return err
		}
		return repos.MasterVersion.Initialize(ctx, "sg-commit")
	})
	require.NoError(t, err)

	group, err := repos.SharingGroup.GetByUUID(ctx, "sg-commit")
	require.NoError(t, err)
	assert.Equal(t, "Family", *group.Name)
}
