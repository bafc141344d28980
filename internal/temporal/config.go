package temporal

import (
	"time"

	"github.com/stanstork/ledgersync/internal/models"
)

// TaskQueueName is the default task queue for historical syncs.
const TaskQueueName = "LEDGERSYNC_HISTORICAL"

// SyncWorkflowIDPrefix prefixes the sync id to form the workflow id, so one
// sync id maps to at most one open workflow.
const SyncWorkflowIDPrefix = "historical-sync-"

// SyncWorkflowName is the registered name of the historical sync workflow.
const SyncWorkflowName = "HistoricalSyncWorkflow"

// ProgressQueryName answers with the workflow's SyncState.
const ProgressQueryName = "progress"

const (
	DefaultHeartbeatTimeout = 5 * time.Minute
	// DefaultStartToCloseTimeout is deliberately generous; stalls are caught
	// by the heartbeat timeout instead.
	DefaultStartToCloseTimeout = 24 * time.Hour
	DefaultMaxAttempts         = 3
	NotifyActivityTimeout      = time.Minute
	RetryInitialInterval       = 30 * time.Second
	RetryBackoffCoefficient    = 2.0
)

// Non-retryable application error types.
const (
	ErrTypeInvalidJob   = "InvalidSyncJob"
	ErrTypeUnauthorized = "XeroUnauthorized"
)

func WorkflowID(syncID string) string {
	return SyncWorkflowIDPrefix + syncID
}

// SyncParams is the workflow input.
type SyncParams struct {
	Job              models.SyncJob
	HeartbeatTimeout time.Duration
	MaxAttempts      int32
}

// NotifyParams is the input of the notification activities.
type NotifyParams struct {
	SyncID   string
	UserID   string
	TenantID string
	Counts   map[models.Entity]int
	Reason   string
}

type SyncState struct {
	SyncID  string              `json:"sync_id"`
	Status  models.SyncStatus   `json:"status"`
	Summary *models.SyncSummary `json:"summary,omitempty"`
	Error   string              `json:"error,omitempty"`
}
