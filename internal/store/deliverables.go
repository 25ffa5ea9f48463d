package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dotcommander/orchestron/internal/models"
)

// CreateDeliverableTx inserts a draft deliverable for a goal.
func CreateDeliverableTx(tx *sql.Tx, workspaceID, goalID, title string) (*models.Deliverable, error) {
	id := models.NewID()
	_, err := tx.ExecContext(context.Background(), `
		INSERT INTO deliverables (id, workspace_id, goal_id, title, status, transformation_status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, id, workspaceID, goalID, title, models.DeliverableStatusDraft, models.TransformationPending)
	if err != nil {
		return nil, fmt.Errorf("failed to insert deliverable: %w", err)
	}
	return getDeliverableByQuerier(tx, id)
}

// GetDeliverable retrieves a deliverable by ID.
func GetDeliverable(db *sql.DB, id string) (*models.Deliverable, error) {
	return getDeliverableByQuerier(db, id)
}

func getDeliverableTx(tx *sql.Tx, id string) (*models.Deliverable, error) {
	return getDeliverableByQuerier(tx, id)
}

func getDeliverableByQuerier(q Querier, id string) (*models.Deliverable, error) {
	row := q.QueryRow(`
		SELECT id, workspace_id, goal_id, title, content_json, display_content, display_format,
		       display_quality_score, transformation_status, transformation_timestamp,
		       business_value_score, contributing_task_ids_json, contributing_total,
		       status, version, created_at, updated_at
		FROM deliverables WHERE id = ?
	`, id)
	d, err := scanDeliverableRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "deliverable", ID: id}
	}
	return d, err
}

func scanDeliverableRow(row *sql.Row) (*models.Deliverable, error) {
	var d models.Deliverable
	var transformedAt sql.NullTime
	var contribJSON string
	err := row.Scan(
		&d.ID, &d.WorkspaceID, &d.GoalID, &d.Title, &d.Content, &d.DisplayContent, &d.DisplayFormat,
		&d.DisplayQualityScore, &d.TransformationStatus, &transformedAt,
		&d.BusinessValueScore, &contribJSON, &d.ContributingTotal,
		&d.Status, &d.Version, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if transformedAt.Valid {
		t := transformedAt.Time
		d.TransformationTimestamp = &t
	}
	if err := json.Unmarshal([]byte(contribJSON), &d.ContributingTaskIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal contributing task ids: %w", err)
	}
	return &d, nil
}

// GetDeliverableByGoalTx finds the (at most one) deliverable for a goal.
func GetDeliverableByGoalTx(tx *sql.Tx, goalID string) (*models.Deliverable, error) {
	row := tx.QueryRowContext(context.Background(), `
		SELECT id, workspace_id, goal_id, title, content_json, display_content, display_format,
		       display_quality_score, transformation_status, transformation_timestamp,
		       business_value_score, contributing_task_ids_json, contributing_total,
		       status, version, created_at, updated_at
		FROM deliverables WHERE goal_id = ?
	`, goalID)
	return scanDeliverableRow(row)
}

// ContributeTaskOutputTx folds a completed task's contribution_value into a
// deliverable's running total and appends the task to its contributing set,
// marking it in_progress. A deliverable only transitions to completed once
// its total has reached readinessThreshold AND at least
// minCompletedTasks distinct tasks have contributed to it — a single task
// hitting the target alone is not enough. Idempotent per task: callers pass
// the same taskID at most once (enforced by the tasks table's own
// completion gate).
func ContributeTaskOutputTx(tx *sql.Tx, deliverableID, taskID string, contributionValue, readinessThreshold float64, minCompletedTasks int, version int) error {
	d, err := getDeliverableTx(tx, deliverableID)
	if err != nil {
		return err
	}

	contributing := append(d.ContributingTaskIDs, taskID)
	contribJSON, err := json.Marshal(contributing)
	if err != nil {
		return fmt.Errorf("failed to marshal contributing task ids: %w", err)
	}

	newTotal := d.ContributingTotal + contributionValue
	status := models.DeliverableStatusInProgress
	if newTotal >= readinessThreshold && len(contributing) >= minCompletedTasks {
		status = models.DeliverableStatusCompleted
	}

	result, err := tx.ExecContext(context.Background(), `
		UPDATE deliverables
		SET contributing_task_ids_json = ?, contributing_total = ?, status = ?,
		    version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, string(contribJSON), newTotal, status, deliverableID, version)
	if err != nil {
		return fmt.Errorf("failed to contribute task output: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &models.VersionConflictError{Entity: "deliverable", ID: deliverableID, Version: version}
	}
	return nil
}

// SetDeliverableContentTx persists the Aggregator's merged structured
// content (content_json) and refreshed business value score for a
// deliverable, ahead of (and independent from) ContributeTaskOutputTx's own
// version bump for the contributing-task bookkeeping.
func SetDeliverableContentTx(tx *sql.Tx, deliverableID, contentJSON string, businessValueScore float64, version int) error {
	result, err := tx.ExecContext(context.Background(), `
		UPDATE deliverables
		SET content_json = ?, business_value_score = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, contentJSON, businessValueScore, deliverableID, version)
	if err != nil {
		return fmt.Errorf("failed to set deliverable content: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &models.VersionConflictError{Entity: "deliverable", ID: deliverableID, Version: version}
	}
	return nil
}

// SetDeliverableDisplayContentTx persists the Content Transformer's output
// for a deliverable (cache-hit or freshly rendered).
func SetDeliverableDisplayContentTx(tx *sql.Tx, deliverableID, displayContent string, format models.DisplayFormat, qualityScore float64, status models.TransformationStatus, version int) error {
	result, err := tx.ExecContext(context.Background(), `
		UPDATE deliverables
		SET display_content = ?, display_format = ?, display_quality_score = ?,
		    transformation_status = ?, transformation_timestamp = CURRENT_TIMESTAMP,
		    version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, displayContent, format, qualityScore, status, deliverableID, version)
	if err != nil {
		return fmt.Errorf("failed to set deliverable display content: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &models.VersionConflictError{Entity: "deliverable", ID: deliverableID, Version: version}
	}
	return nil
}

// ListDeliverablesByWorkspace lists all deliverables in a workspace.
func ListDeliverablesByWorkspace(db *sql.DB, workspaceID string) ([]*models.Deliverable, error) {
	rows, err := db.QueryContext(context.Background(), `
		SELECT id, workspace_id, goal_id, title, content_json, display_content, display_format,
		       display_quality_score, transformation_status, transformation_timestamp,
		       business_value_score, contributing_task_ids_json, contributing_total,
		       status, version, created_at, updated_at
		FROM deliverables WHERE workspace_id = ? ORDER BY created_at ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliverables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Deliverable
	for rows.Next() {
		var d models.Deliverable
		var transformedAt sql.NullTime
		var contribJSON string
		if err := rows.Scan(
			&d.ID, &d.WorkspaceID, &d.GoalID, &d.Title, &d.Content, &d.DisplayContent, &d.DisplayFormat,
			&d.DisplayQualityScore, &d.TransformationStatus, &transformedAt,
			&d.BusinessValueScore, &contribJSON, &d.ContributingTotal,
			&d.Status, &d.Version, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan deliverable row: %w", err)
		}
		if transformedAt.Valid {
			t := transformedAt.Time
			d.TransformationTimestamp = &t
		}
		if err := json.Unmarshal([]byte(contribJSON), &d.ContributingTaskIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal contributing task ids: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
