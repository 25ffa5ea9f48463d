package taskqueue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/dotcommander/orchestron/internal/models"
	"github.com/dotcommander/orchestron/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.InitDBWithPath(t.TempDir() + "/taskqueue-test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.CloseDB(db) })
	return db
}

func createTestWorkspace(t *testing.T, db *sql.DB) *models.Workspace {
	t.Helper()
	ws, err := store.CreateWorkspace(db, "test workspace", "ship the thing")
	require.NoError(t, err)
	return ws
}

func createTestGoal(t *testing.T, db *sql.DB, workspaceID string, priority models.GoalPriority) *models.Goal {
	t.Helper()
	var g *models.Goal
	require.NoError(t, store.Transact(db, func(tx *sql.Tx) error {
		var err error
		g, err = store.CreateGoalTx(tx, workspaceID, "a goal", models.GoalMetricCount, 10, priority)
		return err
	}))
	return g
}

func TestEnqueueRejectsUnknownGoal(t *testing.T) {
	db := setupTestDB(t)
	ws := createTestWorkspace(t, db)
	q := New(db, nil)

	_, err := q.Enqueue(context.Background(), ws.ID, "nonexistent-goal", "n", "d", 1.0)
	require.Error(t, err)
	var unknownErr *models.UnknownGoalError
	assert.ErrorAs(t, err, &unknownErr)
}

func TestEnqueueRejectsInactiveGoal(t *testing.T) {
	db := setupTestDB(t)
	ws := createTestWorkspace(t, db)
	goal := createTestGoal(t, db, ws.ID, models.GoalPriorityMedium)
	require.NoError(t, store.Transact(db, func(tx *sql.Tx) error {
		return store.UpdateGoalStatusTx(tx, goal.ID, models.GoalStatusCancelled, goal.Version)
	}))

	q := New(db, nil)
	_, err := q.Enqueue(context.Background(), ws.ID, goal.ID, "n", "d", 1.0)
	require.Error(t, err)
	var inactiveErr *models.GoalInactiveError
	assert.ErrorAs(t, err, &inactiveErr)
}

func TestEnqueueDedupesOnSemanticHash(t *testing.T) {
	db := setupTestDB(t)
	ws := createTestWorkspace(t, db)
	goal := createTestGoal(t, db, ws.ID, models.GoalPriorityMedium)
	q := New(db, nil)

	first, err := q.Enqueue(context.Background(), ws.ID, goal.ID, "build widget", "make a widget", 1.0)
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), ws.ID, goal.ID, "build widget", "make a widget", 1.0)
	require.Error(t, err)
	var dupErr *models.DuplicateTaskError
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, first.ID, dupErr.ExistingTaskID)
}

func TestEnqueueRejectsOverBackpressureCeiling(t *testing.T) {
	db := setupTestDB(t)
	ws := createTestWorkspace(t, db)
	goal := createTestGoal(t, db, ws.ID, models.GoalPriorityMedium)
	q := New(db, nil)
	q.SetBackpressureCeiling(1)

	_, err := q.Enqueue(context.Background(), ws.ID, goal.ID, "first", "first task", 1.0)
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), ws.ID, goal.ID, "second", "second task", 1.0)
	require.Error(t, err)
	var bpErr *models.QueueBackpressureError
	assert.ErrorAs(t, err, &bpErr)
}

func TestPickReadyOrdersByPriorityThenCreatedAt(t *testing.T) {
	db := setupTestDB(t)
	ws := createTestWorkspace(t, db)
	low := createTestGoal(t, db, ws.ID, models.GoalPriorityLow)
	high := createTestGoal(t, db, ws.ID, models.GoalPriorityHigh)
	q := New(db, nil)

	lowTask, err := q.Enqueue(context.Background(), ws.ID, low.ID, "low prio", "low prio task", 1.0)
	require.NoError(t, err)
	highTask, err := q.Enqueue(context.Background(), ws.ID, high.ID, "high prio", "high prio task", 1.0)
	require.NoError(t, err)

	ready, err := q.PickReady(ws.ID, 10)
	require.NoError(t, err)
	require.Len(t, ready, 2)
	assert.Equal(t, highTask.ID, ready[0].ID)
	assert.Equal(t, lowTask.ID, ready[1].ID)
}

func TestPickReadyExcludesTasksOnPausedOrTerminalGoals(t *testing.T) {
	db := setupTestDB(t)
	ws := createTestWorkspace(t, db)
	goal := createTestGoal(t, db, ws.ID, models.GoalPriorityMedium)
	q := New(db, nil)

	task, err := q.Enqueue(context.Background(), ws.ID, goal.ID, "n", "d", 1.0)
	require.NoError(t, err)

	require.NoError(t, store.Transact(db, func(tx *sql.Tx) error {
		return store.UpdateGoalStatusTx(tx, goal.ID, models.GoalStatusPaused, goal.Version)
	}))

	ready, err := q.PickReady(ws.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, ready)
	_ = task
}

func TestPickReadyExcludesTasksUnderCooldown(t *testing.T) {
	db := setupTestDB(t)
	ws := createTestWorkspace(t, db)
	goal := createTestGoal(t, db, ws.ID, models.GoalPriorityMedium)
	q := New(db, nil)

	task, err := q.Enqueue(context.Background(), ws.ID, goal.ID, "n", "d", 1.0)
	require.NoError(t, err)

	require.NoError(t, q.Requeue(task.ID, task.Version, time.Hour))

	ready, err := q.PickReady(ws.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func TestMarkInProgressCompleteRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ws := createTestWorkspace(t, db)
	goal := createTestGoal(t, db, ws.ID, models.GoalPriorityMedium)
	q := New(db, nil)

	task, err := q.Enqueue(context.Background(), ws.ID, goal.ID, "n", "d", 1.0)
	require.NoError(t, err)

	var agent *models.Agent
	require.NoError(t, store.Transact(db, func(tx *sql.Tx) error {
		var err error
		agent, err = store.RegisterAgentTx(tx, ws.ID, "Ada", "engineer", models.SenioritySenior, []string{"go"})
		return err
	}))

	require.NoError(t, q.MarkInProgress(task.ID, task.Version, agent.ID))
	inProgress, err := store.GetTask(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInProgress, inProgress.Status)

	out := &models.TaskOutput{Kind: models.OutputDocument, Summary: "done", DocumentBody: "the result"}
	require.NoError(t, q.MarkComplete(task.ID, inProgress.Version, out, `{"kind":"document"}`, models.QualityFlagNone))

	completed, err := store.GetTask(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, completed.Status)
}

func TestMarkFailedSetsCooldownAndRecoveryCount(t *testing.T) {
	db := setupTestDB(t)
	ws := createTestWorkspace(t, db)
	goal := createTestGoal(t, db, ws.ID, models.GoalPriorityMedium)
	q := New(db, nil)

	task, err := q.Enqueue(context.Background(), ws.ID, goal.ID, "n", "d", 1.0)
	require.NoError(t, err)

	until := time.Now().Add(30 * time.Second)
	require.NoError(t, q.MarkFailed(task.ID, task.Version, models.FailureTimeout, models.TaskStatusReady, &until))

	reloaded, err := store.GetTask(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusReady, reloaded.Status)
	assert.Equal(t, 1, reloaded.RecoveryCount)
	assert.Equal(t, "timeout", reloaded.LastFailureType)
	require.NotNil(t, reloaded.CooldownUntil)
}

type fakeClassifier struct {
	response string
	err      error
}

func (f fakeClassifier) Complete(context.Context, string) (string, error) {
	return f.response, f.err
}

func TestEnqueueUsesClassifierRefinedPriorityWhenAvailable(t *testing.T) {
	db := setupTestDB(t)
	ws := createTestWorkspace(t, db)
	goal := createTestGoal(t, db, ws.ID, models.GoalPriorityLow)
	q := New(db, fakeClassifier{response: "9.5"})

	task, err := q.Enqueue(context.Background(), ws.ID, goal.ID, "n", "d", 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 9.5, task.PriorityScore, 0.001)
}

func TestEnqueueFallsBackToDeterministicScoreWhenClassifierErrors(t *testing.T) {
	db := setupTestDB(t)
	ws := createTestWorkspace(t, db)
	goal := createTestGoal(t, db, ws.ID, models.GoalPriorityHigh)
	q := New(db, fakeClassifier{err: assertErr{}})

	task, err := q.Enqueue(context.Background(), ws.ID, goal.ID, "n", "d", 1.0)
	require.NoError(t, err)
	assert.Greater(t, task.PriorityScore, 20.0, "high-priority goal weight (20) should dominate the deterministic score")
}

type assertErr struct{}

func (assertErr) Error() string { return "classifier unavailable" }
