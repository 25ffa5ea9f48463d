package store

import (
	"database/sql"
	"testing"

	"github.com/dotcommander/orchestron/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateProposalDefaultsToPending(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ws := createTestWorkspace(t, db)

	var p *models.Proposal
	err := Transact(db, func(tx *sql.Tx) error {
		var txErr error
		p, txErr = CreateProposalTx(tx, ws.ID, "ship it", "keep it cheap", []string{"Ada", "Grace"}, 42.5, 3600)
		return txErr
	})
	require.NoError(t, err)
	assert.Equal(t, models.ProposalStatusPending, p.Status)
	assert.Equal(t, []string{"Ada", "Grace"}, p.Team)
	assert.Equal(t, 1, p.Version)
	assert.False(t, p.IsTerminal())

	reloaded, err := GetProposal(db, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, reloaded.ID)
	assert.Equal(t, 42.5, reloaded.EstimatedCost)
	assert.Equal(t, 3600, reloaded.EstimatedCompletionSeconds)
}

func TestGetProposalNotFound(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := GetProposal(db, "nope")
	require.Error(t, err)
	var nf *models.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "proposal", nf.Entity)
	assert.Equal(t, "nope", nf.ID)
}

func TestUpdateProposalStatusApprove(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ws := createTestWorkspace(t, db)

	var p *models.Proposal
	err := Transact(db, func(tx *sql.Tx) error {
		var txErr error
		p, txErr = CreateProposalTx(tx, ws.ID, "ship it", "", nil, 0, 0)
		return txErr
	})
	require.NoError(t, err)

	err = Transact(db, func(tx *sql.Tx) error {
		return UpdateProposalStatusTx(tx, p.ID, models.ProposalStatusApproved, p.Version)
	})
	require.NoError(t, err)

	approved, err := GetProposal(db, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalStatusApproved, approved.Status)
	assert.True(t, approved.IsTerminal())
	assert.Equal(t, p.Version+1, approved.Version)
}

func TestUpdateProposalStatusStaleVersionConflict(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ws := createTestWorkspace(t, db)

	var p *models.Proposal
	err := Transact(db, func(tx *sql.Tx) error {
		var txErr error
		p, txErr = CreateProposalTx(tx, ws.ID, "ship it", "", nil, 0, 0)
		return txErr
	})
	require.NoError(t, err)

	err = Transact(db, func(tx *sql.Tx) error {
		return UpdateProposalStatusTx(tx, p.ID, models.ProposalStatusRejected, p.Version+1)
	})
	require.Error(t, err)
	var vc *models.VersionConflictError
	require.ErrorAs(t, err, &vc)
	assert.Equal(t, "proposal", vc.Entity)
}

func TestListProposalsByWorkspaceReturnsAllProposals(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ws := createTestWorkspace(t, db)

	var first, second *models.Proposal
	err := Transact(db, func(tx *sql.Tx) error {
		var txErr error
		first, txErr = CreateProposalTx(tx, ws.ID, "goal a", "", []string{"Ada"}, 10, 600)
		return txErr
	})
	require.NoError(t, err)
	err = Transact(db, func(tx *sql.Tx) error {
		var txErr error
		second, txErr = CreateProposalTx(tx, ws.ID, "goal b", "", []string{"Grace"}, 20, 1200)
		return txErr
	})
	require.NoError(t, err)

	list, err := ListProposalsByWorkspace(db, ws.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	ids := []string{list[0].ID, list[1].ID}
	assert.Contains(t, ids, first.ID)
	assert.Contains(t, ids, second.ID)
}
