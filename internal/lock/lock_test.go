package lock

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/prn-tf/syncserver/internal/repository/sqlite"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// database/sql keeps a connection opener goroutine per pool until Close.
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

func newDatabaseLocker(t *testing.T) *DatabaseLocker {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.NewDB(ctx, sqlite.DefaultConfig(filepath.Join(t.TempDir(), "locks.db")), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	return NewDatabaseLocker(sqlite.NewShortLockRepository(db), "instance-1")
}

func TestDatabaseLocker_SingleHolder(t *testing.T) {
	locker := newDatabaseLocker(t)
	deviceA := WithHolder(context.Background(), "device-a")
	deviceB := WithHolder(context.Background(), "device-b")
	key := Keys.SharingGroup("sg-1")

	ok, err := locker.Acquire(deviceA, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = locker.Acquire(deviceB, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must see the lock as already held")

	released, err := locker.Release(deviceB, key)
	require.NoError(t, err)
	assert.False(t, released, "a non-holder cannot release")

	held, err := locker.IsHeld(deviceB, key)
	require.NoError(t, err)
	assert.True(t, held)

	released, err = locker.Release(deviceA, key)
	require.NoError(t, err)
	assert.True(t, released)

	ok, err = locker.Acquire(deviceB, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDatabaseLocker_ReclaimsStaleLock(t *testing.T) {
	locker := newDatabaseLocker(t)
	ctx := context.Background()

	ok, err := locker.Acquire(WithHolder(ctx, "crashed"), "sg-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	locker.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	held, err := locker.IsHeld(ctx, "sg-1")
	require.NoError(t, err)
	assert.False(t, held)

	ok, err = locker.Acquire(WithHolder(ctx, "device-b"), "sg-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "an expired row must be reclaimed before acquisition")
}

func TestDatabaseLocker_ConcurrentAcquire(t *testing.T) {
	locker := newDatabaseLocker(t)

	const contenders = 8
	var acquired atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := WithHolder(context.Background(), fmt.Sprintf("device-%d", i))
			ok, err := locker.Acquire(ctx, "sg-1", time.Minute)
			if assert.NoError(t, err) && ok {
				acquired.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), acquired.Load())
}

func TestDatabaseLocker_AcquireWithRetryWaitsForRelease(t *testing.T) {
	locker := newDatabaseLocker(t)
	holderA := WithHolder(context.Background(), "device-a")
	holderB := WithHolder(context.Background(), "device-b")

	ok, err := locker.Acquire(holderA, "sg-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(30 * time.Millisecond)
		_, _ = locker.Release(holderA, "sg-1")
	}()

	ok, err = locker.AcquireWithRetry(holderB, "sg-1", time.Minute, 100, 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	<-done
}

func TestLock_AcquireWithinGivesUp(t *testing.T) {
	locker := NewMemoryLocker("instance-1")
	ctx := context.Background()

	ok, err := locker.Acquire(WithHolder(ctx, "device-a"), "sg-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	l := NewLock(locker, "sg-1")
	ok, err = l.AcquireWithin(WithHolder(ctx, "device-b"), time.Minute, 30*time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, l.IsHeld())
	assert.NoError(t, l.Release(ctx), "releasing an unheld lock is a no-op")
}

func TestMemoryLocker(t *testing.T) {
	locker := NewMemoryLocker("instance-1")
	ctx := context.Background()

	ok, err := locker.Acquire(ctx, Keys.Uploader(), 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = locker.Acquire(WithHolder(ctx, "other"), Keys.Uploader(), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	extended, err := locker.Extend(WithHolder(ctx, "other"), Keys.Uploader(), time.Minute)
	require.NoError(t, err)
	assert.False(t, extended)

	time.Sleep(40 * time.Millisecond)

	held, err := locker.IsHeld(ctx, Keys.Uploader())
	require.NoError(t, err)
	assert.False(t, held, "expired locks are not held")

	ok, err = locker.Acquire(WithHolder(ctx, "other"), Keys.Uploader(), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	released, err := locker.Release(ctx, Keys.Uploader())
	require.NoError(t, err)
	assert.False(t, released, "instance holder did not acquire the new lock")
}

func TestMemoryLocker_CanceledContext(t *testing.T) {
	locker := NewMemoryLocker("instance-1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := locker.Acquire(ctx, "sg-1", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHolderFrom(t *testing.T) {
	assert.Equal(t, "fallback", HolderFrom(context.Background(), "fallback"))
	assert.Equal(t, "device-1", HolderFrom(WithHolder(context.Background(), "device-1"), "fallback"))
}
