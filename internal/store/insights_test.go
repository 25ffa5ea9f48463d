package store

import (
	"database/sql"
	"testing"

	"github.com/dotcommander/orchestron/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAndListInsightsOrderedByEvictionScore(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ws := createTestWorkspace(t, db)

	err := Transact(db, func(tx *sql.Tx) error {
		if _, err := InsertInsightTx(tx, ws.ID, models.InsightFailureLesson, "low value", 0.2, 0.2, nil, ""); err != nil {
			return err
		}
		_, err := InsertInsightTx(tx, ws.ID, models.InsightSuccessPattern, "high value", 0.9, 0.9, []string{"retry"}, "")
		return err
	})
	require.NoError(t, err)

	insights, err := ListInsightsByWorkspace(db, ws.ID)
	require.NoError(t, err)
	require.Len(t, insights, 2)
	assert.Equal(t, "high value", insights[0].Content)
	assert.Equal(t, "low value", insights[1].Content)
}

func TestEvictLowestScoreRemovesWeakestInsight(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ws := createTestWorkspace(t, db)

	var weak *models.Insight
	err := Transact(db, func(tx *sql.Tx) error {
		var txErr error
		weak, txErr = InsertInsightTx(tx, ws.ID, models.InsightRisk, "weak", 0.1, 0.1, nil, "")
		if txErr != nil {
			return txErr
		}
		_, txErr = InsertInsightTx(tx, ws.ID, models.InsightOpportunity, "strong", 0.8, 0.8, nil, "")
		return txErr
	})
	require.NoError(t, err)

	var evictedID string
	err = Transact(db, func(tx *sql.Tx) error {
		var txErr error
		evictedID, txErr = EvictLowestScoreTx(tx, ws.ID)
		return txErr
	})
	require.NoError(t, err)
	assert.Equal(t, weak.ID, evictedID)

	count, err := CountInsightsByWorkspace(db, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEvictLowestScoreOnEmptyWorkspace(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ws := createTestWorkspace(t, db)

	var evictedID string
	err := Transact(db, func(tx *sql.Tx) error {
		var txErr error
		evictedID, txErr = EvictLowestScoreTx(tx, ws.ID)
		return txErr
	})
	require.NoError(t, err)
	assert.Empty(t, evictedID)
}
