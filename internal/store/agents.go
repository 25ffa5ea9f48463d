package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dotcommander/orchestron/internal/models"
)

// RegisterAgentTx inserts and returns an agent descriptor inside a transaction.
func RegisterAgentTx(tx *sql.Tx, workspaceID, name, role string, seniority models.AgentSeniority, skills []string) (*models.Agent, error) {
	id := models.NewID()
	skillsJSON, err := json.Marshal(skills)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal skills: %w", err)
	}

	_, err = tx.ExecContext(context.Background(), `
		INSERT INTO agents (id, workspace_id, name, role, seniority, status, skills_json, last_used_at, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, id, workspaceID, name, role, seniority, models.AgentStatusIdle, string(skillsJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to insert agent: %w", err)
	}
	return getAgentByQuerier(tx, id)
}

// GetAgent retrieves an agent by ID.
func GetAgent(db *sql.DB, id string) (*models.Agent, error) {
	return getAgentByQuerier(db, id)
}

func getAgentByQuerier(q Querier, id string) (*models.Agent, error) {
	row := q.QueryRow(`
		SELECT id, workspace_id, name, role, seniority, status, skills_json, last_used_at
		FROM agents WHERE id = ?
	`, id)
	a, err := scanAgentRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "agent", ID: id}
	}
	return a, err
}

func scanAgentRow(row *sql.Row) (*models.Agent, error) {
	var a models.Agent
	var skillsJSON string
	if err := row.Scan(&a.ID, &a.WorkspaceID, &a.Name, &a.Role, &a.Seniority, &a.Status, &skillsJSON, &a.LastUsedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(skillsJSON), &a.Skills); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent skills: %w", err)
	}
	return &a, nil
}

// ListAgentsByWorkspace returns every agent registered in a workspace.
func ListAgentsByWorkspace(db *sql.DB, workspaceID string) ([]*models.Agent, error) {
	rows, err := db.QueryContext(context.Background(), `
		SELECT id, workspace_id, name, role, seniority, status, skills_json, last_used_at
		FROM agents WHERE workspace_id = ? ORDER BY name ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Agent
	for rows.Next() {
		var a models.Agent
		var skillsJSON string
		if err := rows.Scan(&a.ID, &a.WorkspaceID, &a.Name, &a.Role, &a.Seniority, &a.Status, &skillsJSON, &a.LastUsedAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent row: %w", err)
		}
		if err := json.Unmarshal([]byte(skillsJSON), &a.Skills); err != nil {
			return nil, fmt.Errorf("failed to unmarshal agent skills: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// ListAvailableAgentsByWorkspace returns idle agents only, the candidate set
// the agent pool's affinity matcher scores against.
func ListAvailableAgentsByWorkspace(db *sql.DB, workspaceID string) ([]*models.Agent, error) {
	rows, err := db.QueryContext(context.Background(), `
		SELECT id, workspace_id, name, role, seniority, status, skills_json, last_used_at
		FROM agents WHERE workspace_id = ? AND status = ? ORDER BY last_used_at ASC
	`, workspaceID, models.AgentStatusIdle)
	if err != nil {
		return nil, fmt.Errorf("failed to query available agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Agent
	for rows.Next() {
		var a models.Agent
		var skillsJSON string
		if err := rows.Scan(&a.ID, &a.WorkspaceID, &a.Name, &a.Role, &a.Seniority, &a.Status, &skillsJSON, &a.LastUsedAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent row: %w", err)
		}
		if err := json.Unmarshal([]byte(skillsJSON), &a.Skills); err != nil {
			return nil, fmt.Errorf("failed to unmarshal agent skills: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// SetAgentStatusTx transitions an agent's availability — e.g. idle to
// executing when a task is dispatched, or back to idle when it finishes.
func SetAgentStatusTx(tx *sql.Tx, id string, status models.AgentStatus) error {
	_, err := tx.ExecContext(context.Background(), `
		UPDATE agents SET status = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, id)
	if err != nil {
		return fmt.Errorf("failed to set agent status: %w", err)
	}
	return nil
}

// TouchAgentLastUsedTx bumps last_used_at to now (unix ms), used as the
// matcher's LRU tie-break among agents with equal affinity score.
func TouchAgentLastUsedTx(tx *sql.Tx, id string, unixMS int64) error {
	_, err := tx.ExecContext(context.Background(), `
		UPDATE agents SET last_used_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, unixMS, id)
	if err != nil {
		return fmt.Errorf("failed to touch agent last_used_at: %w", err)
	}
	return nil
}

// SetAgentCooldownTx parks an agent in cooling_down until a future time.
// Its only caller is agentpool.Pool.Cooldown.
func SetAgentCooldownTx(tx *sql.Tx, id string, until any) error {
	_, err := tx.ExecContext(context.Background(), `
		UPDATE agents SET status = ?, cooldown_until = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, models.AgentStatusCoolingDown, until, id)
	if err != nil {
		return fmt.Errorf("failed to set agent cooldown: %w", err)
	}
	return nil
}

// ReleaseExpiredCooldownsTx flips any cooling_down agent whose cooldown has
// elapsed back to idle. Called once per supervisor tick per workspace.
func ReleaseExpiredCooldownsTx(tx *sql.Tx, workspaceID string) (int64, error) {
	result, err := tx.ExecContext(context.Background(), `
		UPDATE agents
		SET status = ?, cooldown_until = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE workspace_id = ? AND status = ? AND cooldown_until IS NOT NULL AND cooldown_until <= CURRENT_TIMESTAMP
	`, models.AgentStatusIdle, workspaceID, models.AgentStatusCoolingDown)
	if err != nil {
		return 0, fmt.Errorf("failed to release expired cooldowns: %w", err)
	}
	return result.RowsAffected()
}
