package lease

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/ledgersync/internal/testutil"
)

func newLock(t *testing.T, ttl time.Duration) (*sqlLock, *testutil.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	return NewSQLLock(db.SQL, HistoricalSync, ttl).(*sqlLock), db
}

func TestSQLLockExcludesOtherHolders(t *testing.T) {
	lock, db := newLock(t, time.Minute)
	ctx := context.Background()

	ok, err := lock.TryAcquire(ctx, "sync-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lock.TryAcquire(ctx, "sync-b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = lock.TryAcquire(ctx, "sync-a")
	require.NoError(t, err)
	assert.True(t, ok, "the holder can renew")

	require.NoError(t, lock.Release(ctx, "sync-b"), "releasing someone else's lease is a no-op")
	assert.Equal(t, 1, db.Count(t, "sync_leases"))

	require.NoError(t, lock.Release(ctx, "sync-a"))
	ok, err = lock.TryAcquire(ctx, "sync-b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLLockExpiredLeaseIsTakenOver(t *testing.T) {
	lock, _ := newLock(t, time.Minute)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	lock.now = func() time.Time { return now }

	ok, err := lock.TryAcquire(ctx, "crashed")
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(30 * time.Second)
	ok, err = lock.TryAcquire(ctx, "next")
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(31 * time.Second)
	ok, err = lock.TryAcquire(ctx, "next")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lock.TryAcquire(ctx, "crashed")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHoldWaitsForRelease(t *testing.T) {
	lock, db := newLock(t, time.Minute)
	ctx := context.Background()

	ok, err := lock.TryAcquire(ctx, "first")
	require.NoError(t, err)
	require.True(t, ok)

	var waits int32
	acquired := make(chan func(), 1)
	go func() {
		release, err := Hold(ctx, lock, "second", HoldOptions{
			Poll:   5 * time.Millisecond,
			OnWait: func() { atomic.AddInt32(&waits, 1) },
		})
		if assert.NoError(t, err) {
			acquired <- release
		}
	}()

	select {
	case <-acquired:
		t.Fatal("acquired while another holder owned the lease")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, lock.Release(ctx, "first"))

	var release func()
	select {
	case release = <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("lease never handed over")
	}
	assert.Positive(t, atomic.LoadInt32(&waits))

	var holder string
	require.NoError(t, db.SQL.QueryRow(`SELECT holder FROM sync_leases WHERE name = $1`, HistoricalSync).Scan(&holder))
	assert.Equal(t, "second", holder)

	release()
	release()
	assert.Equal(t, 0, db.Count(t, "sync_leases"))
}

func TestHoldGivesUpWhenCancelled(t *testing.T) {
	lock, _ := newLock(t, time.Minute)
	ok, err := lock.TryAcquire(context.Background(), "busy")
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = Hold(ctx, lock, "waiting", HoldOptions{Poll: 5 * time.Millisecond})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHoldRenewsWhileHeld(t *testing.T) {
	lock, db := newLock(t, time.Minute)
	ctx := context.Background()
	var ticks int64
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	lock.now = func() time.Time { return base.Add(time.Duration(atomic.AddInt64(&ticks, 1)) * time.Second) }

	release, err := Hold(ctx, lock, "long-run", HoldOptions{Renew: 5 * time.Millisecond})
	require.NoError(t, err)
	defer release()

	assert.Eventually(t, func() bool { return atomic.LoadInt64(&ticks) >= 3 }, time.Second, 5*time.Millisecond)

	var holder string
	require.NoError(t, db.SQL.QueryRow(`SELECT holder FROM sync_leases WHERE name = $1`, HistoricalSync).Scan(&holder))
	assert.Equal(t, "long-run", holder)
}
