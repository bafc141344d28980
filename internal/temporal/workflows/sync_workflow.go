package workflows

import (
	"errors"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/stanstork/ledgersync/internal/models"
	ltemporal "github.com/stanstork/ledgersync/internal/temporal"
	"github.com/stanstork/ledgersync/internal/temporal/activities"
)

// HistoricalSyncWorkflow runs one sync to completion. Retries of the sync
// activity resume from the checkpoint left by the previous attempt.
func HistoricalSyncWorkflow(ctx workflow.Context, params ltemporal.SyncParams) (*models.SyncSummary, error) {
	logger := workflow.GetLogger(ctx)
	job := params.Job

	state := ltemporal.SyncState{SyncID: job.SyncID, Status: models.SyncStatusQueued}
	if err := workflow.SetQueryHandler(ctx, ltemporal.ProgressQueryName, func() (ltemporal.SyncState, error) {
		return state, nil
	}); err != nil {
		return nil, err
	}

	heartbeat := params.HeartbeatTimeout
	if heartbeat <= 0 {
		heartbeat = ltemporal.DefaultHeartbeatTimeout
	}
	attempts := params.MaxAttempts
	if attempts <= 0 {
		attempts = ltemporal.DefaultMaxAttempts
	}
	syncCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: ltemporal.DefaultStartToCloseTimeout,
		HeartbeatTimeout:    heartbeat,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        ltemporal.RetryInitialInterval,
			BackoffCoefficient:     ltemporal.RetryBackoffCoefficient,
			MaximumAttempts:        attempts,
			NonRetryableErrorTypes: []string{ltemporal.ErrTypeInvalidJob, ltemporal.ErrTypeUnauthorized},
		},
	})

	var a *activities.Activities

	logger.Info("Starting historical sync", "SyncID", job.SyncID, "TenantID", job.TenantID, "Entities", job.Entities)
	state.Status = models.SyncStatusRunning

	var summary *models.SyncSummary
	err := workflow.ExecuteActivity(syncCtx, a.RunHistoricalSyncActivity, job).Get(syncCtx, &summary)

	// Notifications must go out even when the workflow is being cancelled.
	notifyCtx, _ := workflow.NewDisconnectedContext(ctx)
	notifyCtx = workflow.WithActivityOptions(notifyCtx, workflow.ActivityOptions{
		StartToCloseTimeout: ltemporal.NotifyActivityTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	})
	notify := ltemporal.NotifyParams{SyncID: job.SyncID, UserID: job.UserID, TenantID: job.TenantID}

	if err != nil {
		state.Status = models.SyncStatusFailed
		state.Error = failureReason(err)
		logger.Error("Historical sync failed", "SyncID", job.SyncID, "error", err)

		notify.Reason = state.Error
		if nerr := workflow.ExecuteActivity(notifyCtx, a.NotifySyncFailedActivity, notify).Get(notifyCtx, nil); nerr != nil {
			logger.Error("Failed to notify sync failure", "SyncID", job.SyncID, "error", nerr)
		}
		return nil, err
	}

	state.Status = models.SyncStatusSucceeded
	state.Summary = summary
	if summary != nil {
		notify.Counts = summary.Counts
	}
	if nerr := workflow.ExecuteActivity(notifyCtx, a.NotifySyncSucceededActivity, notify).Get(notifyCtx, nil); nerr != nil {
		logger.Error("Failed to notify sync success", "SyncID", job.SyncID, "error", nerr)
	}

	logger.Info("Historical sync completed", "SyncID", job.SyncID)
	return summary, nil
}

// failureReason strips the activity wrapper so users see the cause.
func failureReason(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Error()
	}
	var timeoutErr *temporal.TimeoutError
	if errors.As(err, &timeoutErr) {
		return "sync stalled: " + timeoutErr.Error()
	}
	return err.Error()
}
