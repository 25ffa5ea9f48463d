package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dotcommander/orchestron/internal/models"
)

// CreateGoalTx inserts and returns a goal inside an existing transaction.
func CreateGoalTx(tx *sql.Tx, workspaceID, description string, metricType models.GoalMetricType, targetValue float64, priority models.GoalPriority) (*models.Goal, error) {
	id := models.NewID()
	_, err := tx.ExecContext(context.Background(), `
		INSERT INTO goals (id, workspace_id, description, metric_type, target_value, status, priority, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, id, workspaceID, description, metricType, targetValue, models.GoalStatusPending, priority)
	if err != nil {
		return nil, fmt.Errorf("failed to insert goal: %w", err)
	}
	return getGoalByQuerier(tx, id)
}

// GetGoal retrieves a goal by ID.
func GetGoal(db *sql.DB, id string) (*models.Goal, error) {
	return getGoalByQuerier(db, id)
}

func getGoalTx(tx *sql.Tx, id string) (*models.Goal, error) {
	return getGoalByQuerier(tx, id)
}

func getGoalByQuerier(q Querier, id string) (*models.Goal, error) {
	row := q.QueryRow(`
		SELECT id, workspace_id, description, metric_type, target_value, current_value,
		       reported_progress_percentage, status, priority, version, created_at, updated_at
		FROM goals WHERE id = ?
	`, id)
	g, err := scanGoalRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.UnknownGoalError{GoalID: id}
	}
	return g, err
}

func scanGoalRow(row *sql.Row) (*models.Goal, error) {
	var g models.Goal
	err := row.Scan(
		&g.ID, &g.WorkspaceID, &g.Description, &g.MetricType, &g.TargetValue, &g.CurrentValue,
		&g.ReportedProgressPercentage, &g.Status, &g.Priority, &g.Version, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ListGoalsByWorkspace returns every goal in a workspace, oldest first.
func ListGoalsByWorkspace(db *sql.DB, workspaceID string) ([]*models.Goal, error) {
	rows, err := db.QueryContext(context.Background(), `
		SELECT id, workspace_id, description, metric_type, target_value, current_value,
		       reported_progress_percentage, status, priority, version, created_at, updated_at
		FROM goals WHERE workspace_id = ? ORDER BY created_at ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query goals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Goal
	for rows.Next() {
		var g models.Goal
		if err := rows.Scan(
			&g.ID, &g.WorkspaceID, &g.Description, &g.MetricType, &g.TargetValue, &g.CurrentValue,
			&g.ReportedProgressPercentage, &g.Status, &g.Priority, &g.Version, &g.CreatedAt, &g.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan goal row: %w", err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

// ListActiveGoalsByWorkspace returns non-terminal, non-paused goals — the set
// the task queue and supervisor consider for dispatch.
func ListActiveGoalsByWorkspace(db *sql.DB, workspaceID string) ([]*models.Goal, error) {
	rows, err := db.QueryContext(context.Background(), `
		SELECT id, workspace_id, description, metric_type, target_value, current_value,
		       reported_progress_percentage, status, priority, version, created_at, updated_at
		FROM goals
		WHERE workspace_id = ? AND status IN (?, ?)
		ORDER BY CASE priority WHEN ? THEN 0 WHEN ? THEN 1 WHEN ? THEN 2 ELSE 3 END, created_at ASC
	`, workspaceID, models.GoalStatusPending, models.GoalStatusActive,
		models.GoalPriorityCritical, models.GoalPriorityHigh, models.GoalPriorityMedium)
	if err != nil {
		return nil, fmt.Errorf("failed to query active goals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Goal
	for rows.Next() {
		var g models.Goal
		if err := rows.Scan(
			&g.ID, &g.WorkspaceID, &g.Description, &g.MetricType, &g.TargetValue, &g.CurrentValue,
			&g.ReportedProgressPercentage, &g.Status, &g.Priority, &g.Version, &g.CreatedAt, &g.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan goal row: %w", err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

// UpdateGoalProgressTx advances current_value and, when the caller supplies a
// freshly reported percentage, updates the transparency-gap comparator too.
// Crossing target_value transitions status to completed automatically.
func UpdateGoalProgressTx(tx *sql.Tx, id string, currentValue, reportedProgressPercentage float64, version int) error {
	g, err := getGoalTx(tx, id)
	if err != nil {
		return err
	}
	if g.Status.IsTerminal() {
		return &models.GoalInactiveError{GoalID: id, Status: g.Status}
	}

	status := g.Status
	if g.TargetValue > 0 && currentValue >= g.TargetValue {
		status = models.GoalStatusCompleted
	} else if status == models.GoalStatusPending {
		status = models.GoalStatusActive
	}

	result, err := tx.ExecContext(context.Background(), `
		UPDATE goals
		SET current_value = ?, reported_progress_percentage = ?, status = ?,
		    version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, currentValue, reportedProgressPercentage, status, id, version)
	if err != nil {
		return fmt.Errorf("failed to update goal progress: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &models.VersionConflictError{Entity: "goal", ID: id, Version: version}
	}
	return nil
}

// UpdateGoalStatusTx transitions a goal's status directly (pause, cancel,
// resume) without touching its progress values.
func UpdateGoalStatusTx(tx *sql.Tx, id string, status models.GoalStatus, version int) error {
	result, err := tx.ExecContext(context.Background(), `
		UPDATE goals SET status = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, status, id, version)
	if err != nil {
		return fmt.Errorf("failed to update goal status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &models.VersionConflictError{Entity: "goal", ID: id, Version: version}
	}
	return nil
}
