package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dotcommander/orchestron/internal/models"
)

// CreateWorkspaceTx inserts and returns a workspace inside an existing transaction.
func CreateWorkspaceTx(tx *sql.Tx, name, goalText string) (*models.Workspace, error) {
	id := models.NewID()
	_, err := tx.ExecContext(context.Background(), `
		INSERT INTO workspaces (id, name, goal_text, status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, id, name, goalText, models.WorkspaceStatusCreated)
	if err != nil {
		return nil, fmt.Errorf("failed to insert workspace: %w", err)
	}
	return getWorkspaceByQuerier(tx, id)
}

// CreateWorkspace creates a workspace in its own transaction.
func CreateWorkspace(db *sql.DB, name, goalText string) (*models.Workspace, error) {
	var ws *models.Workspace
	err := Transact(db, func(tx *sql.Tx) error {
		created, err := CreateWorkspaceTx(tx, name, goalText)
		if err != nil {
			return err
		}
		ws = created
		return nil
	})
	return ws, err
}

// GetWorkspace retrieves a workspace by ID.
func GetWorkspace(db *sql.DB, id string) (*models.Workspace, error) {
	return getWorkspaceByQuerier(db, id)
}

func getWorkspaceByQuerier(q Querier, id string) (*models.Workspace, error) {
	row := q.QueryRow(`
		SELECT id, name, goal_text, status, compliance_score, recovery_count,
		       last_recovery_at, total_recoveries, successful_recoveries,
		       consecutive_no_done, consecutive_done, version, created_at, updated_at
		FROM workspaces WHERE id = ?
	`, id)
	return scanWorkspaceRow(row, id)
}

func scanWorkspaceRow(row *sql.Row, id string) (*models.Workspace, error) {
	var w models.Workspace
	var lastRecoveryAt sql.NullTime
	err := row.Scan(
		&w.ID, &w.Name, &w.GoalText, &w.Status, &w.ComplianceScore, &w.RecoveryCount,
		&lastRecoveryAt, &w.TotalRecoveries, &w.SuccessfulRecov,
		&w.ConsecutiveNoDone, &w.ConsecutiveDone, &w.Version, &w.CreatedAt, &w.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "workspace", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query workspace: %w", err)
	}
	if lastRecoveryAt.Valid {
		t := lastRecoveryAt.Time
		w.LastRecoveryAt = &t
	}
	return &w, nil
}

// ListWorkspaces returns all workspaces ordered by most recently updated.
func ListWorkspaces(db *sql.DB) ([]*models.Workspace, error) {
	rows, err := db.QueryContext(context.Background(), `
		SELECT id, name, goal_text, status, compliance_score, recovery_count,
		       last_recovery_at, total_recoveries, successful_recoveries,
		       consecutive_no_done, consecutive_done, version, created_at, updated_at
		FROM workspaces ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query workspaces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Workspace
	for rows.Next() {
		var w models.Workspace
		var lastRecoveryAt sql.NullTime
		if err := rows.Scan(
			&w.ID, &w.Name, &w.GoalText, &w.Status, &w.ComplianceScore, &w.RecoveryCount,
			&lastRecoveryAt, &w.TotalRecoveries, &w.SuccessfulRecov,
			&w.ConsecutiveNoDone, &w.ConsecutiveDone, &w.Version, &w.CreatedAt, &w.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan workspace row: %w", err)
		}
		if lastRecoveryAt.Valid {
			t := lastRecoveryAt.Time
			w.LastRecoveryAt = &t
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// UpdateWorkspaceStatusTx transitions workspace status using optimistic
// concurrency. Returns a *models.VersionConflictError if version is stale.
func UpdateWorkspaceStatusTx(tx *sql.Tx, id string, status models.WorkspaceStatus, version int) error {
	result, err := tx.ExecContext(context.Background(), `
		UPDATE workspaces SET status = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, status, id, version)
	if err != nil {
		return fmt.Errorf("failed to update workspace status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &models.VersionConflictError{Entity: "workspace", ID: id, Version: version}
	}
	return nil
}

// RecordRecoveryAttemptTx persists the workspace-level recovery counters
// after the Recovery Engine completes an attempt (success or failure).
func RecordRecoveryAttemptTx(tx *sql.Tx, id string, success bool, version int) error {
	successDelta := 0
	if success {
		successDelta = 1
	}
	result, err := tx.ExecContext(context.Background(), `
		UPDATE workspaces
		SET recovery_count = recovery_count + 1,
		    total_recoveries = total_recoveries + 1,
		    successful_recoveries = successful_recoveries + ?,
		    last_recovery_at = CURRENT_TIMESTAMP,
		    version = version + 1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, successDelta, id, version)
	if err != nil {
		return fmt.Errorf("failed to record recovery attempt: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &models.VersionConflictError{Entity: "workspace", ID: id, Version: version}
	}
	return nil
}

// UpdateWorkspaceComplianceTx updates the compliance score (derived from the
// transparency gap across the workspace's goals) and the done/no-done streak
// counters the degraded-mode transition reads.
func UpdateWorkspaceComplianceTx(tx *sql.Tx, id string, complianceScore float64, consecutiveNoDone, consecutiveDone, version int) error {
	result, err := tx.ExecContext(context.Background(), `
		UPDATE workspaces
		SET compliance_score = ?, consecutive_no_done = ?, consecutive_done = ?,
		    version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, complianceScore, consecutiveNoDone, consecutiveDone, id, version)
	if err != nil {
		return fmt.Errorf("failed to update workspace compliance: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &models.VersionConflictError{Entity: "workspace", ID: id, Version: version}
	}
	return nil
}
