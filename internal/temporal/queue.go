package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"github.com/stanstork/ledgersync/internal/models"
)

// ErrAlreadyQueued means a workflow for the sync id is already open or has
// already completed successfully.
var ErrAlreadyQueued = errors.New("sync already queued")

// WorkflowStarter is the part of client.Client the queue needs.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

type QueueOptions struct {
	TaskQueue        string
	HeartbeatTimeout time.Duration
	MaxAttempts      int
}

type Queue struct {
	starter WorkflowStarter
	opts    QueueOptions
}

func NewQueue(starter WorkflowStarter, opts QueueOptions) *Queue {
	if opts.TaskQueue == "" {
		opts.TaskQueue = TaskQueueName
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Queue{starter: starter, opts: opts}
}

// Enqueue starts the historical sync workflow for job and returns its run id.
// A failed sync id may be enqueued again; the new run resumes from the
// checkpoint the failed one left behind.
func (q *Queue) Enqueue(ctx context.Context, job models.SyncJob) (string, error) {
	options := client.StartWorkflowOptions{
		ID:                                       WorkflowID(job.SyncID),
		TaskQueue:                                q.opts.TaskQueue,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE_FAILED_ONLY,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
		Memo: map[string]interface{}{
			"user_id":   job.UserID,
			"tenant_id": job.TenantID,
		},
	}
	params := SyncParams{
		Job:              job,
		HeartbeatTimeout: q.opts.HeartbeatTimeout,
		MaxAttempts:      int32(q.opts.MaxAttempts),
	}

	run, err := q.starter.ExecuteWorkflow(ctx, options, SyncWorkflowName, params)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return "", fmt.Errorf("%w: %s", ErrAlreadyQueued, job.SyncID)
		}
		return "", fmt.Errorf("failed to start workflow for sync %s: %w", job.SyncID, err)
	}
	return run.GetRunID(), nil
}
