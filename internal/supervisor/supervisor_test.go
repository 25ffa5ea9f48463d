package supervisor

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dotcommander/orchestron/internal/agentpool"
	"github.com/dotcommander/orchestron/internal/aggregator"
	"github.com/dotcommander/orchestron/internal/capability"
	"github.com/dotcommander/orchestron/internal/eventbus"
	"github.com/dotcommander/orchestron/internal/executor"
	"github.com/dotcommander/orchestron/internal/goalregistry"
	"github.com/dotcommander/orchestron/internal/memorystore"
	"github.com/dotcommander/orchestron/internal/models"
	"github.com/dotcommander/orchestron/internal/recovery"
	"github.com/dotcommander/orchestron/internal/store"
	"github.com/dotcommander/orchestron/internal/taskqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.InitDBWithPath(t.TempDir() + "/supervisor-test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.CloseDB(db) })
	return db
}

type scriptedCapability struct {
	responses []string
	calls     int
}

func (s *scriptedCapability) Complete(context.Context, string) (string, error) {
	i := s.calls
	s.calls++
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	if len(s.responses) == 0 {
		return "", nil
	}
	return s.responses[len(s.responses)-1], nil
}

type fixture struct {
	ws    *models.Workspace
	goal  *models.Goal
	agent *models.Agent
}

// setupFixture creates an active workspace with one goal and one idle agent
// whose keywords share one word ("summary") with the fixture's task
// descriptions; newSupervisor lowers the match threshold to accept that.
func setupFixture(t *testing.T, db *sql.DB, target float64) *fixture {
	t.Helper()
	ws, err := store.CreateWorkspace(db, "ws", "ship it")
	require.NoError(t, err)

	var goal *models.Goal
	var agent *models.Agent
	require.NoError(t, store.Transact(db, func(tx *sql.Tx) error {
		var err error
		goal, err = store.CreateGoalTx(tx, ws.ID, "reach target", models.GoalMetricCount, target, models.GoalPriorityMedium)
		if err != nil {
			return err
		}
		agent, err = store.RegisterAgentTx(tx, ws.ID, "Ada", "writer", models.SenioritySenior, []string{"writing", "summary"})
		if err != nil {
			return err
		}
		return store.UpdateWorkspaceStatusTx(tx, ws.ID, models.WorkspaceStatusActive, ws.Version)
	}))
	ws, err = store.GetWorkspace(db, ws.ID)
	require.NoError(t, err)
	return &fixture{ws: ws, goal: goal, agent: agent}
}

func newSupervisor(db *sql.DB, f *fixture, cap *scriptedCapability, bus *eventbus.Client) (*Supervisor, *taskqueue.Queue) {
	mem := memorystore.New(db)
	goals := goalregistry.New(db, mem, bus)
	queue := taskqueue.New(db, nil)
	pool := agentpool.New(db, mem, bus, nil)
	// The fixture tasks score 1/6 or 1/7 Jaccard overlap against Ada's
	// keywords, under the default 0.3 threshold.
	pool.SetThreshold(0.1)
	var cp capability.Capability = cap
	ex := executor.New(db, cp, nil, mem, goals)
	rec := recovery.New(db, queue, mem, bus, nil)
	agg := aggregator.New(db, goals, bus)
	sup := New(db, f.ws.ID, queue, pool, ex, rec, agg, goals, mem, bus, semaphore.NewWeighted(32))
	return sup, queue
}

func TestDispatchTickCompletesTaskAndFoldsIntoDeliverable(t *testing.T) {
	db := setupTestDB(t)
	f := setupFixture(t, db, 10)
	cap := &scriptedCapability{responses: []string{
		`{"final":{"kind":"document","summary":"did it","document_body":"body"}}`,
	}}
	sup, queue := newSupervisor(db, f, cap, nil)

	_, err := queue.Enqueue(context.Background(), f.ws.ID, f.goal.ID, "write summary", "write a short summary", 4.0)
	require.NoError(t, err)

	require.NoError(t, sup.dispatchTick(context.Background()))

	ws, err := store.GetWorkspace(db, f.ws.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, ws.ConsecutiveNoDone)
	assert.Equal(t, 1, ws.ConsecutiveDone)

	goal, err := goalregistry.New(db, memorystore.New(db), nil).Get(f.goal.ID)
	require.NoError(t, err)
	assert.Equal(t, 4.0, goal.CurrentValue)
}

func TestDispatchTickExecutionFailureRoutesToRecovery(t *testing.T) {
	db := setupTestDB(t)
	f := setupFixture(t, db, 10)
	cap := &scriptedCapability{responses: []string{"not json at all"}}
	sup, queue := newSupervisor(db, f, cap, nil)

	task, err := queue.Enqueue(context.Background(), f.ws.ID, f.goal.ID, "do a thing", "write a summary", 1.0)
	require.NoError(t, err)

	require.NoError(t, sup.dispatchTick(context.Background()))

	reloaded, err := store.GetTask(db, task.ID)
	require.NoError(t, err)
	assert.Greater(t, reloaded.RecoveryCount, 0)

	ws, err := store.GetWorkspace(db, f.ws.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, ws.ConsecutiveNoDone)
	assert.Equal(t, 0, ws.ConsecutiveDone)
}

func TestUpdateDegradedModeEntersDegradedAfterThreeNoCompletionTicks(t *testing.T) {
	db := setupTestDB(t)
	f := setupFixture(t, db, 10)
	sup, _ := newSupervisor(db, f, &scriptedCapability{}, nil)

	ws, err := store.GetWorkspace(db, f.ws.ID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, sup.updateDegradedMode(ws, false, true))
		ws, err = store.GetWorkspace(db, f.ws.ID)
		require.NoError(t, err)
	}

	assert.Equal(t, models.WorkspaceStatusDegradedMode, ws.Status)
}

func TestUpdateDegradedModeReturnsToActiveAfterTwoCompletionTicks(t *testing.T) {
	db := setupTestDB(t)
	f := setupFixture(t, db, 10)
	sup, _ := newSupervisor(db, f, &scriptedCapability{}, nil)

	ws, err := store.GetWorkspace(db, f.ws.ID)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, sup.updateDegradedMode(ws, false, true))
		ws, err = store.GetWorkspace(db, f.ws.ID)
		require.NoError(t, err)
	}
	require.Equal(t, models.WorkspaceStatusDegradedMode, ws.Status)

	for i := 0; i < 2; i++ {
		require.NoError(t, sup.updateDegradedMode(ws, true, false))
		ws, err = store.GetWorkspace(db, f.ws.ID)
		require.NoError(t, err)
	}

	assert.Equal(t, models.WorkspaceStatusActive, ws.Status)
}

func TestRecoverySweepTickRequeuesDueJobToReady(t *testing.T) {
	db := setupTestDB(t)
	f := setupFixture(t, db, 10)
	sup, queue := newSupervisor(db, f, &scriptedCapability{}, nil)

	task, err := queue.Enqueue(context.Background(), f.ws.ID, f.goal.ID, "flaky", "do the flaky thing", 1.0)
	require.NoError(t, err)
	require.NoError(t, queue.MarkInProgress(task.ID, task.Version, f.agent.ID))
	reloaded, err := store.GetTask(db, task.ID)
	require.NoError(t, err)

	require.NoError(t, queue.MarkFailed(reloaded.ID, reloaded.Version, models.FailureTimeout, models.TaskStatusFailed, nil))
	reloaded, err = store.GetTask(db, task.ID)
	require.NoError(t, err)

	require.NoError(t, store.Transact(db, func(tx *sql.Tx) error {
		_, err := store.ScheduleRecoveryJobTx(tx, f.ws.ID, task.ID, 0, 3)
		return err
	}))

	require.NoError(t, sup.recoverySweepTick(context.Background()))

	final, err := store.GetTask(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusReady, final.Status)
}

func TestGoalValidationTickMarksWorkspaceCompletedWhenAllGoalsDone(t *testing.T) {
	db := setupTestDB(t)
	f := setupFixture(t, db, 1)
	sup, _ := newSupervisor(db, f, &scriptedCapability{}, nil)

	require.NoError(t, store.Transact(db, func(tx *sql.Tx) error {
		return store.UpdateGoalProgressTx(tx, f.goal.ID, 1, 100, f.goal.Version)
	}))
	reloadedGoal, err := store.GetGoal(db, f.goal.ID)
	require.NoError(t, err)
	require.NoError(t, store.Transact(db, func(tx *sql.Tx) error {
		return store.UpdateGoalStatusTx(tx, f.goal.ID, models.GoalStatusCompleted, reloadedGoal.Version)
	}))

	require.NoError(t, sup.goalValidationTick(context.Background()))

	ws, err := store.GetWorkspace(db, f.ws.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkspaceStatusCompleted, ws.Status)
}

func TestGoalValidationTickLeavesWorkspaceActiveWhileGoalsRemainUnsatisfied(t *testing.T) {
	db := setupTestDB(t)
	f := setupFixture(t, db, 10)
	sup, _ := newSupervisor(db, f, &scriptedCapability{}, nil)

	require.NoError(t, sup.goalValidationTick(context.Background()))

	ws, err := store.GetWorkspace(db, f.ws.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkspaceStatusActive, ws.Status)
}

func TestGuardedTickRecordsInsightAndEventWithoutAbortingLoop(t *testing.T) {
	db := setupTestDB(t)
	f := setupFixture(t, db, 10)
	mem := memorystore.New(db)

	srv, err := eventbus.NewServer()
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	bus, err := eventbus.Connect(srv.URL())
	require.NoError(t, err)
	t.Cleanup(bus.Close)

	sup := &Supervisor{
		db: db, workspaceID: f.ws.ID, workerName: "w", mem: mem, bus: bus, cfg: DefaultConfig(),
	}

	err = sup.guardedTick(context.Background(), func(context.Context) error {
		return assert.AnError
	})
	require.NoError(t, err)

	insights, err := mem.Query(f.ws.ID, models.InsightRisk, 0, 0)
	require.NoError(t, err)
	require.Len(t, insights, 1)
	assert.NotNil(t, sup.firstStoreFailure)
}

func TestGuardedTickPropagatesErrorOnceGracePeriodExceeded(t *testing.T) {
	db := setupTestDB(t)
	f := setupFixture(t, db, 10)
	mem := memorystore.New(db)

	sup := &Supervisor{db: db, workspaceID: f.ws.ID, workerName: "w", mem: mem, cfg: DefaultConfig()}
	sup.cfg.StoreUnavailableGrace = 10 * time.Millisecond

	err := sup.guardedTick(context.Background(), func(context.Context) error { return assert.AnError })
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	err = sup.guardedTick(context.Background(), func(context.Context) error { return assert.AnError })
	require.Error(t, err)
}
