package workflows

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/stanstork/ledgersync/internal/models"
	ltemporal "github.com/stanstork/ledgersync/internal/temporal"
	"github.com/stanstork/ledgersync/internal/temporal/activities"
)

func newEnv(t *testing.T) (*testsuite.TestWorkflowEnvironment, *activities.Activities) {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterWorkflowWithOptions(HistoricalSyncWorkflow, workflow.RegisterOptions{Name: ltemporal.SyncWorkflowName})
	acts := &activities.Activities{}
	env.RegisterActivity(acts)
	return env, acts
}

func params() ltemporal.SyncParams {
	return ltemporal.SyncParams{
		Job:         models.SyncJob{SyncID: "s-1", UserID: "u-1", TenantID: "t-1", Entities: models.EntityOrder},
		MaxAttempts: 2,
	}
}

func queryState(t *testing.T, env *testsuite.TestWorkflowEnvironment) ltemporal.SyncState {
	t.Helper()
	val, err := env.QueryWorkflow(ltemporal.ProgressQueryName)
	require.NoError(t, err)
	var state ltemporal.SyncState
	require.NoError(t, val.Get(&state))
	return state
}

func TestWorkflowSuccessNotifies(t *testing.T) {
	env, acts := newEnv(t)
	summary := &models.SyncSummary{SyncID: "s-1", Counts: map[models.Entity]int{models.EntityContacts: 4}}

	env.OnActivity(acts.RunHistoricalSyncActivity, mock.Anything, mock.Anything).Return(summary, nil).Once()
	env.OnActivity(acts.NotifySyncSucceededActivity, mock.Anything, mock.MatchedBy(func(p ltemporal.NotifyParams) bool {
		return p.SyncID == "s-1" && p.UserID == "u-1" && p.Counts[models.EntityContacts] == 4
	})).Return(nil).Once()

	env.ExecuteWorkflow(ltemporal.SyncWorkflowName, params())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var got models.SyncSummary
	require.NoError(t, env.GetWorkflowResult(&got))
	assert.Equal(t, 4, got.Counts[models.EntityContacts])

	state := queryState(t, env)
	assert.Equal(t, models.SyncStatusSucceeded, state.Status)
	require.NotNil(t, state.Summary)
	env.AssertExpectations(t)
}

func TestWorkflowNonRetryableFailure(t *testing.T) {
	env, acts := newEnv(t)

	env.OnActivity(acts.RunHistoricalSyncActivity, mock.Anything, mock.Anything).
		Return(nil, temporal.NewNonRetryableApplicationError("invalid sync job: tenant id is required", ltemporal.ErrTypeInvalidJob, nil)).
		Once()
	env.OnActivity(acts.NotifySyncFailedActivity, mock.Anything, mock.MatchedBy(func(p ltemporal.NotifyParams) bool {
		return p.Reason == "invalid sync job: tenant id is required"
	})).Return(nil).Once()

	env.ExecuteWorkflow(ltemporal.SyncWorkflowName, params())

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	state := queryState(t, env)
	assert.Equal(t, models.SyncStatusFailed, state.Status)
	assert.Equal(t, "invalid sync job: tenant id is required", state.Error)
	env.AssertExpectations(t)
}

func TestWorkflowRetriesUntilAttemptsExhausted(t *testing.T) {
	env, acts := newEnv(t)

	env.OnActivity(acts.RunHistoricalSyncActivity, mock.Anything, mock.Anything).
		Return(nil, errors.New("xero: unexpected status 500")).
		Times(2)
	env.OnActivity(acts.NotifySyncFailedActivity, mock.Anything, mock.Anything).Return(nil).Once()

	env.ExecuteWorkflow(ltemporal.SyncWorkflowName, params())

	require.True(t, env.IsWorkflowCompleted())
	assert.Error(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}

func TestWorkflowNotificationFailureIsNotFatal(t *testing.T) {
	env, acts := newEnv(t)

	env.OnActivity(acts.RunHistoricalSyncActivity, mock.Anything, mock.Anything).
		Return(&models.SyncSummary{SyncID: "s-1"}, nil)
	env.OnActivity(acts.NotifySyncSucceededActivity, mock.Anything, mock.Anything).
		Return(errors.New("smtp down"))

	env.ExecuteWorkflow(ltemporal.SyncWorkflowName, params())

	require.True(t, env.IsWorkflowCompleted())
	assert.NoError(t, env.GetWorkflowError())
}
