package activities

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.temporal.io/sdk/activity"
	sdktemporal "go.temporal.io/sdk/temporal"

	"github.com/stanstork/ledgersync/internal/lease"
	"github.com/stanstork/ledgersync/internal/models"
	"github.com/stanstork/ledgersync/internal/notification"
	"github.com/stanstork/ledgersync/internal/repository"
	"github.com/stanstork/ledgersync/internal/syncer"
	"github.com/stanstork/ledgersync/internal/temporal"
	"github.com/stanstork/ledgersync/internal/xero"
)

type CredentialOpener interface {
	Open(sealed models.SealedCredentials) (models.XeroCredentials, error)
}

type Runner interface {
	Run(ctx context.Context, job models.SyncJob, source syncer.Source) (*models.SyncSummary, error)
}

// SourceFactory builds an authenticated provider client for one job.
type SourceFactory func(ctx context.Context, creds models.XeroCredentials) syncer.Source

type Activities struct {
	Credentials   CredentialOpener
	NewSource     SourceFactory
	Runner        Runner
	SyncLogs      repository.SyncLogRepository
	Notifications notification.Service
	// Lock, when set, allows one historical sync at a time across every
	// worker process sharing the database.
	Lock     lease.Lock
	LockPoll time.Duration
}

// Heartbeat reports orchestrator progress to Temporal. Pass it as
// syncer.Options.Heartbeat on the worker.
func Heartbeat(ctx context.Context, details syncer.HeartbeatDetails) {
	activity.RecordHeartbeat(ctx, details)
}

func (a *Activities) RunHistoricalSyncActivity(ctx context.Context, job models.SyncJob) (*models.SyncSummary, error) {
	logger := activity.GetLogger(ctx)
	info := activity.GetInfo(ctx)
	logger.Info("Running historical sync", "syncID", job.SyncID, "tenantID", job.TenantID, "attempt", info.Attempt)

	creds, err := a.Credentials.Open(job.Credentials)
	if err != nil {
		msg := "failed to open credentials"
		if a.SyncLogs != nil {
			if markErr := a.SyncLogs.MarkFailed(context.WithoutCancel(ctx), job.SyncID, msg, nil, time.Now().UTC()); markErr != nil {
				logger.Error("Failed to record sync failure", "syncID", job.SyncID, "error", markErr)
			}
		}
		return nil, sdktemporal.NewNonRetryableApplicationError(msg, temporal.ErrTypeInvalidJob, err)
	}

	if a.Lock != nil {
		release, err := lease.Hold(ctx, a.Lock, job.SyncID, lease.HoldOptions{
			Poll: a.LockPoll,
			OnWait: func() {
				logger.Debug("Waiting for another sync to finish", "syncID", job.SyncID)
				activity.RecordHeartbeat(ctx, syncer.HeartbeatDetails{})
			},
		})
		if err != nil {
			return nil, pkgerrors.Wrap(err, "wait for sync lease")
		}
		defer release()
	}

	summary, err := a.Runner.Run(ctx, job, a.NewSource(ctx, creds))
	if err != nil {
		logger.Error("Historical sync failed", "syncID", job.SyncID, "error", err)
		return nil, classify(err)
	}

	logger.Info("Historical sync completed", "syncID", job.SyncID, "records", summary.Total())
	return summary, nil
}

// classify marks errors a retry cannot fix as non-retryable.
func classify(err error) error {
	switch {
	case errors.Is(err, syncer.ErrInvalidJob):
		return sdktemporal.NewNonRetryableApplicationError(err.Error(), temporal.ErrTypeInvalidJob, err)
	case errors.Is(err, xero.ErrUnauthorized):
		return sdktemporal.NewNonRetryableApplicationError(err.Error(), temporal.ErrTypeUnauthorized, err)
	default:
		return pkgerrors.Wrap(err, "historical sync")
	}
}

func (a *Activities) NotifySyncSucceededActivity(ctx context.Context, params temporal.NotifyParams) error {
	err := a.Notifications.NotifySyncSucceeded(ctx, params.UserID, params.SyncID, params.TenantID, params.Counts)
	if err != nil {
		activity.GetLogger(ctx).Error("Failed to publish sync success", "syncID", params.SyncID, "error", err)
		return pkgerrors.Wrap(err, "failed to publish sync success")
	}
	return nil
}

func (a *Activities) NotifySyncFailedActivity(ctx context.Context, params temporal.NotifyParams) error {
	err := a.Notifications.NotifySyncFailed(ctx, params.UserID, params.SyncID, params.TenantID, params.Reason)
	if err != nil {
		activity.GetLogger(ctx).Error("Failed to publish sync failure", "syncID", params.SyncID, "error", err)
		return pkgerrors.Wrap(err, "failed to publish sync failure")
	}
	return nil
}
