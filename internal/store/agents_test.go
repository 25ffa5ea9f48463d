package store

import (
	"database/sql"
	"testing"
	"time"

	"github.com/dotcommander/orchestron/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGetAgent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ws := createTestWorkspace(t, db)

	var a *models.Agent
	err := Transact(db, func(tx *sql.Tx) error {
		var txErr error
		a, txErr = RegisterAgentTx(tx, ws.ID, "researcher", "research", models.SeniorityExpert, []string{"search", "synthesis"})
		return txErr
	})
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusIdle, a.Status)
	assert.ElementsMatch(t, []string{"search", "synthesis"}, a.Skills)

	fetched, err := GetAgent(db, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Name, fetched.Name)
	assert.Equal(t, a.Skills, fetched.Skills)
}

func TestListAvailableAgentsOrderedByLRU(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ws := createTestWorkspace(t, db)

	var older, newer *models.Agent
	err := Transact(db, func(tx *sql.Tx) error {
		var txErr error
		older, txErr = RegisterAgentTx(tx, ws.ID, "alice", "coder", models.SeniorityJunior, nil)
		if txErr != nil {
			return txErr
		}
		newer, txErr = RegisterAgentTx(tx, ws.ID, "bob", "coder", models.SeniorityJunior, nil)
		return txErr
	})
	require.NoError(t, err)

	err = Transact(db, func(tx *sql.Tx) error {
		if err := TouchAgentLastUsedTx(tx, newer.ID, 500); err != nil {
			return err
		}
		return TouchAgentLastUsedTx(tx, older.ID, 100)
	})
	require.NoError(t, err)

	agents, err := ListAvailableAgentsByWorkspace(db, ws.ID)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, older.ID, agents[0].ID)
	assert.Equal(t, newer.ID, agents[1].ID)
}

func TestAgentCooldownLifecycle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ws := createTestWorkspace(t, db)

	var a *models.Agent
	err := Transact(db, func(tx *sql.Tx) error {
		var txErr error
		a, txErr = RegisterAgentTx(tx, ws.ID, "flaky", "coder", models.SeniorityJunior, nil)
		return txErr
	})
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	err = Transact(db, func(tx *sql.Tx) error {
		return SetAgentCooldownTx(tx, a.ID, past)
	})
	require.NoError(t, err)

	cooling, err := GetAgent(db, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusCoolingDown, cooling.Status)

	available, err := ListAvailableAgentsByWorkspace(db, ws.ID)
	require.NoError(t, err)
	assert.Empty(t, available)

	var released int64
	err = Transact(db, func(tx *sql.Tx) error {
		var txErr error
		released, txErr = ReleaseExpiredCooldownsTx(tx, ws.ID)
		return txErr
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	recovered, err := GetAgent(db, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusIdle, recovered.Status)
}
