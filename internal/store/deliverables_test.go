package store

import (
	"database/sql"
	"testing"

	"github.com/dotcommander/orchestron/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndContributeDeliverable(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ws := createTestWorkspace(t, db)
	g := createTestGoal(t, db, ws.ID)

	var d *models.Deliverable
	err := Transact(db, func(tx *sql.Tx) error {
		var txErr error
		d, txErr = CreateDeliverableTx(tx, ws.ID, g.ID, "Launch Report")
		return txErr
	})
	require.NoError(t, err)
	assert.Equal(t, models.DeliverableStatusDraft, d.Status)

	var task *models.Task
	err = Transact(db, func(tx *sql.Tx) error {
		var txErr error
		task, txErr = EnqueueTaskTx(tx, ws.ID, g.ID, "write intro", "d", 1, 1)
		return txErr
	})
	require.NoError(t, err)

	err = Transact(db, func(tx *sql.Tx) error {
		return ContributeTaskOutputTx(tx, d.ID, task.ID, 0.5, 1.0, 2, d.Version)
	})
	require.NoError(t, err)

	partial, err := GetDeliverable(db, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliverableStatusInProgress, partial.Status)
	assert.Equal(t, []string{task.ID}, partial.ContributingTaskIDs)
	assert.InDelta(t, 0.5, partial.ContributingTotal, 0.001)

	err = Transact(db, func(tx *sql.Tx) error {
		return ContributeTaskOutputTx(tx, d.ID, "second-task", 0.5, 1.0, 2, partial.Version)
	})
	require.NoError(t, err)

	done, err := GetDeliverable(db, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliverableStatusCompleted, done.Status)
}

// TestContributeTaskOutputStaysInProgressBelowMinTasks asserts that a
// deliverable does not close when a single task's contribution alone meets
// the target value but the minimum contributing-task count has not been
// reached.
func TestContributeTaskOutputStaysInProgressBelowMinTasks(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ws := createTestWorkspace(t, db)
	g := createTestGoal(t, db, ws.ID)

	var d *models.Deliverable
	err := Transact(db, func(tx *sql.Tx) error {
		var txErr error
		d, txErr = CreateDeliverableTx(tx, ws.ID, g.ID, "Launch Report")
		return txErr
	})
	require.NoError(t, err)

	var task *models.Task
	err = Transact(db, func(tx *sql.Tx) error {
		var txErr error
		task, txErr = EnqueueTaskTx(tx, ws.ID, g.ID, "write everything", "d", 1, 1)
		return txErr
	})
	require.NoError(t, err)

	err = Transact(db, func(tx *sql.Tx) error {
		return ContributeTaskOutputTx(tx, d.ID, task.ID, 1.0, 1.0, 2, d.Version)
	})
	require.NoError(t, err)

	solo, err := GetDeliverable(db, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliverableStatusInProgress, solo.Status)
}

func TestSetDeliverableDisplayContent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ws := createTestWorkspace(t, db)
	g := createTestGoal(t, db, ws.ID)

	var d *models.Deliverable
	err := Transact(db, func(tx *sql.Tx) error {
		var txErr error
		d, txErr = CreateDeliverableTx(tx, ws.ID, g.ID, "Report")
		return txErr
	})
	require.NoError(t, err)

	err = Transact(db, func(tx *sql.Tx) error {
		return SetDeliverableDisplayContentTx(tx, d.ID, "# Report\n\nDone.", models.DisplayFormatMarkdown, 0.9, models.TransformationSuccess, d.Version)
	})
	require.NoError(t, err)

	rendered, err := GetDeliverable(db, d.ID)
	require.NoError(t, err)
	assert.True(t, rendered.HasDisplayContent())
	assert.Equal(t, models.TransformationSuccess, rendered.TransformationStatus)
	assert.NotNil(t, rendered.TransformationTimestamp)
}
