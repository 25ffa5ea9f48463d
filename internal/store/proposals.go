package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dotcommander/orchestron/internal/models"
)

// CreateProposalTx inserts a pending staffing proposal for a workspace.
func CreateProposalTx(tx *sql.Tx, workspaceID, goal, feedback string, team []string, estimatedCost float64, estimatedCompletionSeconds int) (*models.Proposal, error) {
	teamJSON, err := json.Marshal(team)
	if err != nil {
		return nil, fmt.Errorf("marshal proposal team: %w", err)
	}
	id := models.NewID()
	_, err = tx.ExecContext(context.Background(), `
		INSERT INTO proposals (id, workspace_id, goal, feedback, team_json, estimated_cost, estimated_completion_seconds, status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, id, workspaceID, goal, feedback, string(teamJSON), estimatedCost, estimatedCompletionSeconds, models.ProposalStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to insert proposal: %w", err)
	}
	return getProposalByQuerier(tx, id)
}

// GetProposal retrieves a proposal by ID.
func GetProposal(db *sql.DB, id string) (*models.Proposal, error) {
	return getProposalByQuerier(db, id)
}

func getProposalByQuerier(q Querier, id string) (*models.Proposal, error) {
	row := q.QueryRow(`
		SELECT id, workspace_id, goal, feedback, team_json, estimated_cost, estimated_completion_seconds,
		       status, version, created_at, updated_at
		FROM proposals WHERE id = ?
	`, id)
	p, err := scanProposalRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "proposal", ID: id}
	}
	return p, err
}

func scanProposalRow(row *sql.Row) (*models.Proposal, error) {
	var p models.Proposal
	var teamJSON string
	if err := row.Scan(
		&p.ID, &p.WorkspaceID, &p.Goal, &p.Feedback, &teamJSON, &p.EstimatedCost, &p.EstimatedCompletionSeconds,
		&p.Status, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(teamJSON), &p.Team); err != nil {
		return nil, fmt.Errorf("unmarshal proposal team: %w", err)
	}
	return &p, nil
}

// ListProposalsByWorkspace lists all proposals raised for a workspace, most
// recent first.
func ListProposalsByWorkspace(db *sql.DB, workspaceID string) ([]*models.Proposal, error) {
	rows, err := db.QueryContext(context.Background(), `
		SELECT id, workspace_id, goal, feedback, team_json, estimated_cost, estimated_completion_seconds,
		       status, version, created_at, updated_at
		FROM proposals WHERE workspace_id = ? ORDER BY created_at DESC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query proposals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Proposal
	for rows.Next() {
		var p models.Proposal
		var teamJSON string
		if err := rows.Scan(
			&p.ID, &p.WorkspaceID, &p.Goal, &p.Feedback, &teamJSON, &p.EstimatedCost, &p.EstimatedCompletionSeconds,
			&p.Status, &p.Version, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan proposal row: %w", err)
		}
		if err := json.Unmarshal([]byte(teamJSON), &p.Team); err != nil {
			return nil, fmt.Errorf("failed to unmarshal proposal team: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// UpdateProposalStatusTx transitions a proposal to approved or rejected.
func UpdateProposalStatusTx(tx *sql.Tx, id string, status models.ProposalStatus, version int) error {
	result, err := tx.ExecContext(context.Background(), `
		UPDATE proposals SET status = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, status, id, version)
	if err != nil {
		return fmt.Errorf("failed to update proposal status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &models.VersionConflictError{Entity: "proposal", ID: id, Version: version}
	}
	return nil
}
