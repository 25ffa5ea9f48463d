package store

import (
	"database/sql"
	"testing"

	"github.com/dotcommander/orchestron/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGetWorkspace(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	var ws *models.Workspace
	err := Transact(db, func(tx *sql.Tx) error {
		var txErr error
		ws, txErr = CreateWorkspaceTx(tx, "Launch Project", "Ship the thing")
		return txErr
	})
	require.NoError(t, err)
	require.NotNil(t, ws)
	assert.NotEmpty(t, ws.ID)
	assert.Equal(t, "Launch Project", ws.Name)
	assert.Equal(t, models.WorkspaceStatusCreated, ws.Status)
	assert.Equal(t, 1, ws.Version)

	fetched, err := GetWorkspace(db, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, ws.ID, fetched.ID)
	assert.Equal(t, ws.Name, fetched.Name)
}

func TestGetWorkspaceNotFound(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ws, err := GetWorkspace(db, "missing")
	assert.Error(t, err)
	assert.Nil(t, ws)
	var nfe *models.NotFoundError
	assert.ErrorAs(t, err, &nfe)
}

func TestUpdateWorkspaceStatusVersionConflict(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	var ws *models.Workspace
	err := Transact(db, func(tx *sql.Tx) error {
		var txErr error
		ws, txErr = CreateWorkspaceTx(tx, "W", "G")
		return txErr
	})
	require.NoError(t, err)

	err = Transact(db, func(tx *sql.Tx) error {
		return UpdateWorkspaceStatusTx(tx, ws.ID, models.WorkspaceStatusActive, 99)
	})
	require.Error(t, err)
	var vce *models.VersionConflictError
	assert.ErrorAs(t, err, &vce)

	err = Transact(db, func(tx *sql.Tx) error {
		return UpdateWorkspaceStatusTx(tx, ws.ID, models.WorkspaceStatusActive, ws.Version)
	})
	require.NoError(t, err)

	fetched, err := GetWorkspace(db, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkspaceStatusActive, fetched.Status)
	assert.Equal(t, 2, fetched.Version)
}

func TestListWorkspaces(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	err := Transact(db, func(tx *sql.Tx) error {
		if _, err := CreateWorkspaceTx(tx, "Alpha", "goal a"); err != nil {
			return err
		}
		_, err := CreateWorkspaceTx(tx, "Beta", "goal b")
		return err
	})
	require.NoError(t, err)

	list, err := ListWorkspaces(db)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
