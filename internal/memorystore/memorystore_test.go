package memorystore

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/dotcommander/orchestron/internal/models"
	"github.com/dotcommander/orchestron/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.InitDBWithPath(t.TempDir() + "/memorystore-test.db")
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

func TestNormalizeKeyCanonicalizesFreeText(t *testing.T) {
	assert.Equal(t, "retry_on_timeout", NormalizeKey("  Retry On Timeout "))
	assert.Equal(t, "retry_on_timeout", NormalizeKey("retry_on_timeout"))
	assert.Equal(t, NormalizeKey("a b"), NormalizeKey("A   B"))
}

func TestClampConfidenceBounds(t *testing.T) {
	assert.Equal(t, 0.0, ClampConfidence(-1))
	assert.Equal(t, 1.0, ClampConfidence(2))
	assert.Equal(t, 0.42, ClampConfidence(0.42))
}

func TestRecordAndQueryOrdersByScoreDescending(t *testing.T) {
	db := setupTestDB(t)
	ws := createTestWorkspace(t, db)
	mem := New(db)

	_, err := mem.Record(models.InsightFailureLesson, ws.ID, "weak", 0.2, 0.2, nil, "")
	require.NoError(t, err)
	_, err = mem.Record(models.InsightSuccessPattern, ws.ID, "strong", 0.9, 0.9, nil, "")
	require.NoError(t, err)

	results, err := mem.Query(ws.ID, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "strong", results[0].Content)
	assert.Equal(t, "weak", results[1].Content)
}

func TestQueryFiltersByKindAndMinConfidence(t *testing.T) {
	db := setupTestDB(t)
	ws := createTestWorkspace(t, db)
	mem := New(db)

	_, err := mem.Record(models.InsightFailureLesson, ws.ID, "low confidence failure", 0.1, 0.5, nil, "")
	require.NoError(t, err)
	_, err = mem.Record(models.InsightSuccessPattern, ws.ID, "confident success", 0.8, 0.5, nil, "")
	require.NoError(t, err)

	onlySuccess, err := mem.Query(ws.ID, models.InsightSuccessPattern, 0, 0)
	require.NoError(t, err)
	require.Len(t, onlySuccess, 1)
	assert.Equal(t, "confident success", onlySuccess[0].Content)

	highConfidence, err := mem.Query(ws.ID, "", 0.5, 0)
	require.NoError(t, err)
	require.Len(t, highConfidence, 1)
	assert.Equal(t, "confident success", highConfidence[0].Content)
}

// backdateInsight rewrites an insight's created_at directly, since Record
// always stamps CURRENT_TIMESTAMP and the eviction age guard needs rows
// older than MinEvictionAge to test against.
func backdateInsight(t *testing.T, db *sql.DB, id string, age time.Duration) {
	t.Helper()
	_, err := db.Exec(`UPDATE insights SET created_at = ? WHERE id = ?`, time.Now().Add(-age), id)
	require.NoError(t, err)
}

func TestRecordEvictsLowestScoreWhenOverCapacity(t *testing.T) {
	db := setupTestDB(t)
	ws := createTestWorkspace(t, db)
	mem := New(db)

	var weakest *models.Insight
	for i := 0; i < MaxInsightsPerWorkspace; i++ {
		ins, err := mem.Record(models.InsightDiscovery, ws.ID, fmt.Sprintf("insight-%d", i), 0.5, 0.5, nil, "")
		require.NoError(t, err)
		if i == 0 {
			weakest = ins
		}
	}
	// Re-insert the weakest with a deliberately low score and backdate it
	// past the eviction age floor so it's the guaranteed eviction target.
	_, err := db.Exec(`UPDATE insights SET confidence = 0.01, business_value = 0.01 WHERE id = ?`, weakest.ID)
	require.NoError(t, err)
	backdateInsight(t, db, weakest.ID, MinEvictionAge+time.Hour)

	countBefore, err := store.CountInsightsByWorkspace(db, ws.ID)
	require.NoError(t, err)
	require.Equal(t, MaxInsightsPerWorkspace, countBefore)

	_, err = mem.Record(models.InsightDiscovery, ws.ID, "one more", 0.5, 0.5, nil, "")
	require.NoError(t, err)

	countAfter, err := store.CountInsightsByWorkspace(db, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, MaxInsightsPerWorkspace, countAfter)

	remaining, err := mem.Query(ws.ID, "", 0, 0)
	require.NoError(t, err)
	for _, ins := range remaining {
		assert.NotEqual(t, weakest.ID, ins.ID, "weakest insight should have been evicted")
	}
}

func TestRecordNeverEvictsInsightSourcingAnActiveDeliverable(t *testing.T) {
	db := setupTestDB(t)
	ws := createTestWorkspace(t, db)
	var goal *models.Goal
	err := store.Transact(db, func(tx *sql.Tx) error {
		var txErr error
		goal, txErr = store.CreateGoalTx(tx, ws.ID, "ship it", models.GoalMetricCount, 10, models.GoalPriorityHigh)
		return txErr
	})
	require.NoError(t, err)

	var task *models.Task
	err = store.Transact(db, func(tx *sql.Tx) error {
		var txErr error
		task, txErr = store.EnqueueTaskTx(tx, ws.ID, goal.ID, "write section", "d", 1, 1)
		return txErr
	})
	require.NoError(t, err)

	var deliverable *models.Deliverable
	err = store.Transact(db, func(tx *sql.Tx) error {
		var txErr error
		deliverable, txErr = store.CreateDeliverableTx(tx, ws.ID, goal.ID, "Report")
		return txErr
	})
	require.NoError(t, err)
	err = store.Transact(db, func(tx *sql.Tx) error {
		return store.ContributeTaskOutputTx(tx, deliverable.ID, task.ID, 0.1, 1.0, 2, deliverable.Version)
	})
	require.NoError(t, err)

	mem := New(db)
	protected, err := mem.Record(models.InsightSuccessPattern, ws.ID, "protected insight", 0.01, 0.01, nil, task.ID)
	require.NoError(t, err)
	backdateInsight(t, db, protected.ID, MinEvictionAge+time.Hour)

	// Fill the workspace to the eviction ceiling with insights that should
	// be evicted before the protected one.
	for i := 0; i < MaxInsightsPerWorkspace; i++ {
		_, err := mem.Record(models.InsightDiscovery, ws.ID, fmt.Sprintf("filler-%d", i), 0.02, 0.02, nil, "")
		require.NoError(t, err)
	}

	remaining, err := mem.Query(ws.ID, "", 0, 0)
	require.NoError(t, err)
	found := false
	for _, ins := range remaining {
		if ins.ID == protected.ID {
			found = true
		}
	}
	assert.True(t, found, "insight sourcing an active deliverable must survive eviction")
}

func TestEvictReturnsEmptyStringWhenWorkspaceHasNoInsights(t *testing.T) {
	db := setupTestDB(t)
	ws := createTestWorkspace(t, db)
	mem := New(db)

	id, err := mem.Evict(ws.ID)
	require.NoError(t, err)
	assert.Empty(t, id)
}
