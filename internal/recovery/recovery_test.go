package recovery

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/dotcommander/orchestron/internal/memorystore"
	"github.com/dotcommander/orchestron/internal/models"
	"github.com/dotcommander/orchestron/internal/store"
	"github.com/dotcommander/orchestron/internal/taskqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.InitDBWithPath(t.TempDir() + "/recovery-test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.CloseDB(db) })
	return db
}

type fixture struct {
	ws    *models.Workspace
	goal  *models.Goal
	agent *models.Agent
}

func setupFixture(t *testing.T, db *sql.DB) *fixture {
	t.Helper()
	ws, err := store.CreateWorkspace(db, "ws", "ship it")
	require.NoError(t, err)

	var goal *models.Goal
	var agent *models.Agent
	require.NoError(t, store.Transact(db, func(tx *sql.Tx) error {
		var err error
		goal, err = store.CreateGoalTx(tx, ws.ID, "reach 10", models.GoalMetricCount, 10, models.GoalPriorityMedium)
		if err != nil {
			return err
		}
		agent, err = store.RegisterAgentTx(tx, ws.ID, "Ada", "writer", models.SenioritySenior, []string{"writing"})
		return err
	}))
	return &fixture{ws: ws, goal: goal, agent: agent}
}

func enqueueAndAssign(t *testing.T, db *sql.DB, f *fixture, name string) *models.Task {
	t.Helper()
	q := taskqueue.New(db, nil)
	task, err := q.Enqueue(context.Background(), f.ws.ID, f.goal.ID, name, "do "+name, 1.0)
	require.NoError(t, err)
	require.NoError(t, q.MarkInProgress(task.ID, task.Version, f.agent.ID))
	reloaded, err := store.GetTask(db, task.ID)
	require.NoError(t, err)
	return reloaded
}

func TestHandleFailureTransientRetriesWithDelayAndSchedulesJob(t *testing.T) {
	db := setupTestDB(t)
	f := setupFixture(t, db)
	task := enqueueAndAssign(t, db, f, "do the thing")

	q := taskqueue.New(db, nil)
	eng := New(db, q, memorystore.New(db), nil, nil)

	execErr := &models.ExecutionError{Kind: models.FailureTimeout, Message: "context deadline exceeded", IsTransient: true}
	decision, err := eng.HandleFailure(context.Background(), task, execErr)
	require.NoError(t, err)
	assert.Equal(t, models.StrategyRetryWithDelay, decision.Strategy)
	assert.Greater(t, decision.RetryDelay.Seconds(), 0.0)

	reloaded, err := store.GetTask(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, reloaded.Status)
	assert.Equal(t, 1, reloaded.RecoveryCount)

	agent, err := store.GetAgent(db, f.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusIdle, agent.Status)
}

func TestHandleFailureExhaustedRetriesSkipsWithDegradedFallback(t *testing.T) {
	db := setupTestDB(t)
	f := setupFixture(t, db)
	task := enqueueAndAssign(t, db, f, "do the thing")

	for i := 0; i < DefaultMaxRecoveryAttempts; i++ {
		require.NoError(t, store.Transact(db, func(tx *sql.Tx) error {
			return store.RecordTaskFailureTx(tx, task.ID, models.FailureTimeout, models.TaskStatusFailed, nil, task.Version)
		}))
		var err error
		task, err = store.GetTask(db, task.ID)
		require.NoError(t, err)
	}
	require.Equal(t, DefaultMaxRecoveryAttempts, task.RecoveryCount)
	require.Equal(t, f.agent.ID, task.AgentID)

	q := taskqueue.New(db, nil)
	eng := New(db, q, memorystore.New(db), nil, nil)

	execErr := &models.ExecutionError{Kind: models.FailureTimeout, Message: "still timing out", IsTransient: true}
	decision, err := eng.HandleFailure(context.Background(), task, execErr)
	require.NoError(t, err)
	assert.Equal(t, models.StrategySkipWithFallback, decision.Strategy)

	reloaded, err := store.GetTask(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, reloaded.Status)
	assert.Equal(t, models.QualityFlagDegraded, reloaded.QualityFlag)

	insights, err := memorystore.New(db).Query(f.ws.ID, models.InsightFailureLesson, 0, 10)
	require.NoError(t, err)
	require.Len(t, insights, 1)
}

func TestHandleFailureContextOverflowReconstructsImmediately(t *testing.T) {
	db := setupTestDB(t)
	f := setupFixture(t, db)
	task := enqueueAndAssign(t, db, f, "do the thing")

	q := taskqueue.New(db, nil)
	eng := New(db, q, memorystore.New(db), nil, nil)

	execErr := &models.ExecutionError{Kind: models.FailureContextOverflow, Message: "response too large", IsTransient: true}
	decision, err := eng.HandleFailure(context.Background(), task, execErr)
	require.NoError(t, err)
	assert.Equal(t, models.StrategyContextReconstruction, decision.Strategy)

	reloaded, err := store.GetTask(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusReady, reloaded.Status)
	assert.Nil(t, reloaded.CooldownUntil)
}

func TestHandleFailureParseErrorRetriesWithDifferentAgent(t *testing.T) {
	db := setupTestDB(t)
	f := setupFixture(t, db)
	task := enqueueAndAssign(t, db, f, "do the thing")

	q := taskqueue.New(db, nil)
	eng := New(db, q, memorystore.New(db), nil, nil)

	execErr := &models.ExecutionError{Kind: models.FailureParseError, Message: "unparseable", IsTransient: false}
	decision, err := eng.HandleFailure(context.Background(), task, execErr)
	require.NoError(t, err)
	assert.Equal(t, models.StrategyRetryDifferentAgent, decision.Strategy)

	reloaded, err := store.GetTask(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusReady, reloaded.Status)
	assert.Empty(t, reloaded.AgentID)
}

func TestHandleFailureRepeatedPatternDecomposesAndCancelsOriginal(t *testing.T) {
	db := setupTestDB(t)
	f := setupFixture(t, db)

	q := taskqueue.New(db, nil)
	eng := New(db, q, memorystore.New(db), nil, nil)

	// Drive the same failure signature to 3 occurrences across distinct
	// tasks before the final failure that should trigger decompose.
	for i := 0; i < 2; i++ {
		other, err := q.Enqueue(context.Background(), f.ws.ID, f.goal.ID, fmt.Sprintf("other task %d", i), "filler", 1.0)
		require.NoError(t, err)
		require.NoError(t, q.MarkInProgress(other.ID, other.Version, f.agent.ID))
		other, err = store.GetTask(db, other.ID)
		require.NoError(t, err)
		_, err = eng.HandleFailure(context.Background(), other, &models.ExecutionError{
			Kind: models.FailureLLMRefusal, Message: "refused to answer", IsTransient: false,
		})
		require.NoError(t, err)
	}

	task := enqueueAndAssign(t, db, f, "final task")
	decision, err := eng.HandleFailure(context.Background(), task, &models.ExecutionError{
		Kind: models.FailureLLMRefusal, Message: "refused to answer", IsTransient: false,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StrategyDecompose, decision.Strategy)
	require.NotEmpty(t, decision.SubtaskSpecs)

	reloaded, err := store.GetTask(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, reloaded.Status)

	ready, err := q.PickReady(f.ws.ID, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, ready)
}

func TestHandleFailureLowConfidenceAlternativeApproachFallsBackToRetryWithDelay(t *testing.T) {
	db := setupTestDB(t)
	f := setupFixture(t, db)
	task := enqueueAndAssign(t, db, f, "do the thing")

	q := taskqueue.New(db, nil)
	eng := New(db, q, memorystore.New(db), nil, nil)

	execErr := &models.ExecutionError{Kind: models.FailureUnknown, Message: "something odd happened", IsTransient: true}
	decision, err := eng.HandleFailure(context.Background(), task, execErr)
	require.NoError(t, err)
	assert.Equal(t, models.StrategyRetryWithDelay, decision.Strategy, "an unknown failure selects alternative_approach, whose 0.5 confidence is below the 0.7 floor, so retry_with_delay is used instead")
}

type fakeClassifier struct {
	responses []string
	calls     int
}

func (f *fakeClassifier) Complete(context.Context, string) (string, error) {
	i := f.calls
	f.calls++
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return "", nil
}

func TestHandleFailureLowConfidenceFallsBackToRetryWithDelay(t *testing.T) {
	db := setupTestDB(t)
	f := setupFixture(t, db)
	task := enqueueAndAssign(t, db, f, "do the thing")

	q := taskqueue.New(db, nil)
	// parse_error would normally choose retry_with_different_agent at 0.75
	// confidence; force the classifier to report low confidence instead.
	eng := New(db, q, memorystore.New(db), nil, &fakeClassifier{responses: []string{"0.1"}})

	execErr := &models.ExecutionError{Kind: models.FailureParseError, Message: "unparseable", IsTransient: false}
	decision, err := eng.HandleFailure(context.Background(), task, execErr)
	require.NoError(t, err)
	assert.Equal(t, models.StrategyRetryWithDelay, decision.Strategy)
}

func TestExplanationPersistedWithExpectedSeverity(t *testing.T) {
	db := setupTestDB(t)
	f := setupFixture(t, db)
	task := enqueueAndAssign(t, db, f, "do the thing")

	q := taskqueue.New(db, nil)
	eng := New(db, q, memorystore.New(db), nil, nil)

	execErr := &models.ExecutionError{Kind: models.FailureTimeout, Message: "timed out", IsTransient: true}
	decision, err := eng.HandleFailure(context.Background(), task, execErr)
	require.NoError(t, err)
	require.NotNil(t, decision.Explanation)
	assert.Equal(t, models.SeverityLow, decision.Explanation.Severity)

	explanations, err := store.ListUnacknowledgedRecoveryExplanations(db, f.ws.ID)
	require.NoError(t, err)
	require.Len(t, explanations, 1)
}
