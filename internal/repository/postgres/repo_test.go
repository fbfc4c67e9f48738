package postgres

import (
	"context"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/syncserver/internal/config"
	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/lock"
	"github.com/prn-tf/syncserver/internal/repository"
)

// newTestDB connects to DATABASE_URL and applies the migrations, skipping when unset.
func newTestDB(t *testing.T) *DB {
	t.Helper()

	raw := os.Getenv("DATABASE_URL")
	if raw == "" {
		t.Skip("DATABASE_URL not set")
	}

	u, err := url.Parse(raw)
	require.NoError(t, err)
	port := 5432
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		require.NoError(t, err)
	}
	password, _ := u.User.Password()
	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	ctx := context.Background()
	db, err := NewDB(ctx, config.DatabaseConfig{
		Driver:       "postgres",
		Host:         u.Hostname(),
		Port:         port,
		User:         u.User.Username(),
		Password:     password,
		Database:     strings.TrimPrefix(u.Path, "/"),
		SSLMode:      sslMode,
		MaxOpenConns: 8,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))
	return db
}

func newSharingGroup(t *testing.T, repos *repository.Repositories) string {
	t.Helper()
	ctx := context.Background()

	sg := uuid.NewString()
	require.NoError(t, repos.SharingGroup.Create(ctx, &domain.SharingGroup{UUID: sg, CreatedAt: time.Now().UTC()}))
	require.NoError(t, repos.MasterVersion.Initialize(ctx, sg))
	return sg
}

func TestMasterVersion_UpdateToNext(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestDB(t))
	sg := newSharingGroup(t, repos)

	updated, err := repos.MasterVersion.UpdateToNext(ctx, sg, 0)
	require.NoError(t, err)
	assert.True(t, updated)

	updated, err = repos.MasterVersion.UpdateToNext(ctx, sg, 0)
	require.NoError(t, err)
	assert.False(t, updated, "a stale expected version changes nothing")

	v, err := repos.MasterVersion.Get(ctx, sg)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestMasterVersion_ConcurrentUpdateOneWinner(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestDB(t))
	sg := newSharingGroup(t, repos)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			updated, err := repos.MasterVersion.UpdateToNext(ctx, sg, 0)
			if !assert.NoError(t, err) {
				return
			}
			if updated {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	v, err := repos.MasterVersion.Get(ctx, sg)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestMasterVersion_RolledBackWithTx(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestDB(t))
	sg := newSharingGroup(t, repos)

	err := repos.Tx.WithTx(ctx, func(ctx context.Context) error {
		updated, err := repos.MasterVersion.UpdateToNext(ctx, sg, 0)
		require.NoError(t, err)
		require.True(t, updated)
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	v, err := repos.MasterVersion.Get(ctx, sg)
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestShortLock_Insert(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestDB(t))
	key := uuid.NewString()
	expiry := time.Now().UTC().Add(time.Minute)

	require.NoError(t, repos.ShortLock.Insert(ctx, &domain.ShortLock{Key: key, Holder: "holder-a", Expiry: expiry}))

	err := repos.ShortLock.Insert(ctx, &domain.ShortLock{Key: key, Holder: "holder-b", Expiry: expiry})
	require.ErrorIs(t, err, repository.ErrDuplicate)

	row, err := repos.ShortLock.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "holder-a", row.Holder)

	deleted, err := repos.ShortLock.Delete(ctx, key, "holder-b")
	require.NoError(t, err)
	assert.False(t, deleted, "only the holder deletes its row")

	deleted, err = repos.ShortLock.Delete(ctx, key, "holder-a")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = repos.ShortLock.Get(ctx, key)
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestShortLock_RemoveStale(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestDB(t))
	key := uuid.NewString()
	now := time.Now().UTC()

	require.NoError(t, repos.ShortLock.Insert(ctx, &domain.ShortLock{Key: key, Holder: "crashed", Expiry: now.Add(-time.Second)}))

	removed, err := repos.ShortLock.RemoveStale(ctx, key, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	require.NoError(t, repos.ShortLock.Insert(ctx, &domain.ShortLock{Key: key, Holder: "live", Expiry: now.Add(time.Minute)}))
	removed, err = repos.ShortLock.RemoveStale(ctx, key, now)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestDatabaseLocker_Postgres(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestDB(t))
	locker := lock.NewDatabaseLocker(repos.ShortLock, "instance-1")
	key := lock.Keys.SharingGroup(uuid.NewString())
	holderA := lock.WithHolder(ctx, "holder-a")
	holderB := lock.WithHolder(ctx, "holder-b")

	ok, err := locker.Acquire(holderA, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = locker.Acquire(holderB, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	released, err := locker.Release(holderB, key)
	require.NoError(t, err)
	assert.False(t, released)

	released, err = locker.Release(holderA, key)
	require.NoError(t, err)
	assert.True(t, released)

	ok, err = locker.Acquire(holderB, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = locker.Release(holderB, key)
	require.NoError(t, err)
}
