package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stanstork/ledgersync/internal/models"
	"github.com/stanstork/ledgersync/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJob(syncID string) models.SyncJob {
	return models.SyncJob{
		SyncID:   syncID,
		UserID:   "user-1",
		TenantID: testTenant,
		Entities: []models.Entity{models.EntityAccounts, models.EntityTransactions},
	}
}

func TestSyncLogLifecycle(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewSyncLogRepository(db.SQL)
	ctx := context.Background()
	job := testJob("sync-1")

	require.NoError(t, repo.Create(ctx, models.SyncLog{
		SyncID:   job.SyncID,
		UserID:   job.UserID,
		TenantID: job.TenantID,
		Entities: job.Entities,
	}))
	log, err := repo.Get(ctx, "user-1", "sync-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusQueued, log.Status)
	assert.Equal(t, job.Entities, log.Entities)
	assert.Zero(t, log.Attempts)

	started := time.Now()
	require.NoError(t, repo.MarkRunning(ctx, job, started))
	require.NoError(t, repo.MarkFailed(ctx, "sync-1", "xero: 503", map[models.Entity]int{models.EntityAccounts: 3}, time.Now()))

	log, err = repo.Get(ctx, "user-1", "sync-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusFailed, log.Status)
	require.NotNil(t, log.Error)
	assert.Equal(t, "xero: 503", *log.Error)

	require.NoError(t, repo.MarkRunning(ctx, job, time.Now()))
	counts := map[models.Entity]int{models.EntityAccounts: 3, models.EntityTransactions: 250}
	require.NoError(t, repo.MarkSucceeded(ctx, "sync-1", counts, time.Now()))

	log, err = repo.Get(ctx, "user-1", "sync-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSucceeded, log.Status)
	assert.Equal(t, 2, log.Attempts)
	assert.Equal(t, counts, log.Counts)
	assert.Nil(t, log.Error)
	assert.NotNil(t, log.StartedAt)
	assert.NotNil(t, log.CompletedAt)
}

func TestSyncLogMarkRunningWithoutQueuedRow(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewSyncLogRepository(db.SQL)
	ctx := context.Background()

	require.NoError(t, repo.MarkRunning(ctx, testJob("direct"), time.Now()))
	log, err := repo.Get(ctx, "user-1", "direct")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusRunning, log.Status)
	assert.Equal(t, 1, log.Attempts)
}

func TestSyncLogNotFound(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewSyncLogRepository(db.SQL)
	ctx := context.Background()

	_, err := repo.Get(ctx, "user-1", "nope")
	assert.ErrorIs(t, err, ErrSyncLogNotFound)
	assert.ErrorIs(t, repo.MarkSucceeded(ctx, "nope", nil, time.Now()), ErrSyncLogNotFound)

	require.NoError(t, repo.MarkRunning(ctx, testJob("owned"), time.Now()))
	_, err = repo.Get(ctx, "someone-else", "owned")
	assert.ErrorIs(t, err, ErrSyncLogNotFound)
}

func TestSyncLogCreateKeepsOwnership(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewSyncLogRepository(db.SQL)
	ctx := context.Background()

	owned := models.SyncLog{SyncID: "owned", UserID: "user-1", TenantID: testTenant, Entities: []models.Entity{models.EntityAccounts}}
	require.NoError(t, repo.Create(ctx, owned))

	assert.ErrorIs(t, repo.Create(ctx, owned), ErrSyncIDTaken, "queued syncs are not re-queued")

	require.NoError(t, repo.MarkFailed(ctx, "owned", "boom", nil, time.Now()))
	other := owned
	other.UserID = "user-2"
	assert.ErrorIs(t, repo.Create(ctx, other), ErrSyncIDTaken)
	otherTenant := owned
	otherTenant.TenantID = "tenant-other"
	assert.ErrorIs(t, repo.Create(ctx, otherTenant), ErrSyncIDTaken)

	log, err := repo.Get(ctx, "user-1", "owned")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusFailed, log.Status)
	assert.Equal(t, testTenant, log.TenantID)
	_, err = repo.Get(ctx, "user-2", "owned")
	assert.ErrorIs(t, err, ErrSyncLogNotFound)

	require.NoError(t, repo.Create(ctx, owned))
	log, err = repo.Get(ctx, "user-1", "owned")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusQueued, log.Status)
	assert.Nil(t, log.Error)
}

func TestSyncLogListByUserNewestFirst(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewSyncLogRepository(db.SQL)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, repo.Create(ctx, models.SyncLog{
			SyncID:   id,
			UserID:   "user-1",
			TenantID: testTenant,
			QueuedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	logs, err := repo.ListByUser(ctx, "user-1", 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "new", logs[0].SyncID)
	assert.Equal(t, "mid", logs[1].SyncID)
}

func TestProgressSaveAndGet(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewProgressRepository(db.SQL)
	ctx := context.Background()

	p := models.SyncProgress{
		SyncID:     "sync-1",
		UserID:     "user-1",
		Status:     models.ProgressRunning,
		Percentage: 40,
		Step:       "Syncing transactions",
		Entities: map[models.Entity]models.EntityProgress{
			models.EntityAccounts:     {Status: models.StepCompleted, Count: 3},
			models.EntityTransactions: {Status: models.StepInProgress, Count: 100},
		},
	}
	require.NoError(t, repo.Save(ctx, p))

	p.Status = models.ProgressCompleted
	p.Percentage = 100
	require.NoError(t, repo.Save(ctx, p))

	got, err := repo.Get(ctx, "user-1", "sync-1")
	require.NoError(t, err)
	assert.Equal(t, models.ProgressCompleted, got.Status)
	assert.Equal(t, 100, got.Percentage)
	assert.Equal(t, p.Entities, got.Entities)
	assert.Nil(t, got.Error)

	_, err = repo.Get(ctx, "user-2", "sync-1")
	assert.ErrorIs(t, err, ErrProgressNotFound)
}
