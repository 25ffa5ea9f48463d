package transform

import (
	"context"
	"database/sql"
	"testing"

	"github.com/dotcommander/orchestron/internal/models"
	"github.com/dotcommander/orchestron/internal/store"
	"github.com/dotcommander/orchestron/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.InitDBWithPath(t.TempDir() + "/transform-test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.CloseDB(db) })
	return db
}

func TestTransformEmptyContentIsSkippedWithoutLLMCall(t *testing.T) {
	db := setupTestDB(t)
	calls := 0
	cap := &countingCapability{calls: &calls}
	tr := New(db, cache.New(16), cap)

	result, err := tr.Transform(context.Background(), "ws-1", "{}", "")
	require.NoError(t, err)
	assert.Equal(t, models.TransformationSkipped, result.Status)
	assert.Equal(t, 0, calls)
}

type countingCapability struct {
	calls *int
	resp  string
}

func (c *countingCapability) Complete(context.Context, string) (string, error) {
	*c.calls++
	return c.resp, nil
}

func TestTransformUsesLLMCapabilityWhenAvailable(t *testing.T) {
	db := setupTestDB(t)
	calls := 0
	cap := &countingCapability{calls: &calls, resp: "# Rendered\n\nLooks great."}
	tr := New(db, cache.New(16), cap)

	content := `{"summaries":["did a thing"]}`
	result, err := tr.Transform(context.Background(), "ws-1", content, "")
	require.NoError(t, err)
	assert.Equal(t, models.TransformationSuccess, result.Status)
	assert.Equal(t, "# Rendered\n\nLooks great.", result.DisplayContent)
	assert.Equal(t, 1, calls)
}

func TestTransformFallsBackToRuleBasedTableWhenCapabilityUnavailable(t *testing.T) {
	db := setupTestDB(t)
	tr := New(db, cache.New(16), nil)

	content := `{"records":[{"name":"alpha","score":1},{"name":"beta","score":2}]}`
	result, err := tr.Transform(context.Background(), "ws-1", content, "")
	require.NoError(t, err)
	assert.Equal(t, models.TransformationSuccess, result.Status)
	assert.Contains(t, result.DisplayContent, "| name | score |")
	assert.Contains(t, result.DisplayContent, "alpha")
	assert.Contains(t, result.DisplayContent, "beta")
	assert.Less(t, result.Confidence, 0.9)
}

func TestTransformRepeatedCallsHitCacheAndMakeZeroFurtherLLMCalls(t *testing.T) {
	db := setupTestDB(t)
	calls := 0
	cap := &countingCapability{calls: &calls, resp: "rendered once"}
	tr := New(db, cache.New(16), cap)

	content := `{"summaries":["one"]}`
	for i := 0; i < 10; i++ {
		result, err := tr.Transform(context.Background(), "ws-1", content, "")
		require.NoError(t, err)
		assert.Equal(t, "rendered once", result.DisplayContent)
	}
	assert.Equal(t, 1, calls)
}

func TestTransformPersistedCacheSurvivesAFreshHotCache(t *testing.T) {
	db := setupTestDB(t)
	calls := 0
	cap := &countingCapability{calls: &calls, resp: "rendered"}
	content := `{"summaries":["one"]}`

	first := New(db, cache.New(16), cap)
	_, err := first.Transform(context.Background(), "ws-1", content, "")
	require.NoError(t, err)

	second := New(db, cache.New(16), cap)
	result, err := second.Transform(context.Background(), "ws-1", content, "")
	require.NoError(t, err)
	assert.Equal(t, "rendered", result.DisplayContent)
	assert.Equal(t, 1, calls, "second transformer's empty hot cache should fall through to the persisted cache, not the LLM")
}

func TestTransformDifferentBusinessContextMissesCache(t *testing.T) {
	db := setupTestDB(t)
	calls := 0
	cap := &countingCapability{calls: &calls, resp: "rendered"}
	tr := New(db, cache.New(16), cap)

	content := `{"summaries":["one"]}`
	_, err := tr.Transform(context.Background(), "ws-1", content, "for the exec team")
	require.NoError(t, err)
	_, err = tr.Transform(context.Background(), "ws-1", content, "for the eng team")
	require.NoError(t, err)

	assert.Equal(t, 2, calls, "identical content under a different business context should miss the cache and re-invoke the LLM")
}

func TestTransformDeliverablePersistsDisplayContent(t *testing.T) {
	db := setupTestDB(t)
	ws, err := store.CreateWorkspace(db, "ws", "ship it")
	require.NoError(t, err)

	var goal *models.Goal
	var deliverable *models.Deliverable
	require.NoError(t, store.Transact(db, func(tx *sql.Tx) error {
		var err error
		goal, err = store.CreateGoalTx(tx, ws.ID, "reach 10", models.GoalMetricCount, 10, models.GoalPriorityMedium)
		if err != nil {
			return err
		}
		deliverable, err = store.CreateDeliverableTx(tx, ws.ID, goal.ID, "the deliverable")
		if err != nil {
			return err
		}
		return store.SetDeliverableContentTx(tx, deliverable.ID, `{"summaries":["done"]}`, 1.0, deliverable.Version)
	}))

	tr := New(db, cache.New(16), nil)
	updated, err := tr.TransformDeliverable(context.Background(), deliverable.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransformationSuccess, updated.TransformationStatus)
	assert.Contains(t, updated.DisplayContent, "done")
	assert.NotNil(t, updated.TransformationTimestamp)
}

func TestRenderFallbackDetectsPlanShapeAsNumberedSteps(t *testing.T) {
	content := `{"documents":["- first step\n- second step\n- third step"]}`
	rendered, ok := renderFallback(content)
	require.True(t, ok)
	assert.Contains(t, rendered, "1. first step")
	assert.Contains(t, rendered, "2. second step")
}

func TestRenderFallbackTreatsProseDocumentAsHeaderBody(t *testing.T) {
	content := `{"documents":["Subject: welcome\n\nThanks for joining."]}`
	rendered, ok := renderFallback(content)
	require.True(t, ok)
	assert.Contains(t, rendered, "## Subject: welcome")
	assert.Contains(t, rendered, "Thanks for joining.")
}
