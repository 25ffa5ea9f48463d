package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dotcommander/orchestron/internal/models"
)

// EnqueueTaskTx inserts a task, deriving its semantic_hash from name+
// description+goal_id. If a task with the same hash already exists in the
// workspace, returns a *models.DuplicateTaskError wrapping the existing row
// instead of inserting a duplicate (spec: tasks dedup by semantic hash).
func EnqueueTaskTx(tx *sql.Tx, workspaceID, goalID, name, description string, priorityScore, contributionValue float64) (*models.Task, error) {
	hash := models.SemanticHashOf(name, description, goalID)
	id := models.NewID()

	_, err := tx.ExecContext(context.Background(), `
		INSERT INTO tasks (id, workspace_id, goal_id, name, description, semantic_hash, status, priority, contribution_value, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, id, workspaceID, goalID, name, description, hash, models.TaskStatusReady, priorityScore, contributionValue)
	if err != nil {
		if IsUniqueConstraintErr(err) {
			existing, getErr := getTaskBySemanticHashTx(tx, workspaceID, hash)
			if getErr != nil {
				return nil, getErr
			}
			return nil, &models.DuplicateTaskError{WorkspaceID: workspaceID, SemanticHash: hash, ExistingTaskID: existing.ID}
		}
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}
	return getTaskByQuerier(tx, id)
}

func getTaskBySemanticHashTx(tx *sql.Tx, workspaceID, hash string) (*models.Task, error) {
	row := tx.QueryRowContext(context.Background(), `
		SELECT id, workspace_id, goal_id, assigned_agent_id, name, description, status, priority,
		       recovery_count, last_failure_type, quality_flag, semantic_hash, contribution_value,
		       cooldown_until, version, created_at, updated_at
		FROM tasks WHERE workspace_id = ? AND semantic_hash = ?
	`, workspaceID, hash)
	return scanTaskRow(row)
}

// GetTask retrieves a task by ID.
func GetTask(db *sql.DB, id string) (*models.Task, error) {
	return getTaskByQuerier(db, id)
}

func getTaskTx(tx *sql.Tx, id string) (*models.Task, error) {
	return getTaskByQuerier(tx, id)
}

func getTaskByQuerier(q Querier, id string) (*models.Task, error) {
	row := q.QueryRow(`
		SELECT id, workspace_id, goal_id, assigned_agent_id, name, description, status, priority,
		       recovery_count, last_failure_type, quality_flag, semantic_hash, contribution_value,
		       cooldown_until, version, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)
	t, err := scanTaskRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "task", ID: id}
	}
	return t, err
}

func scanTaskRow(row *sql.Row) (*models.Task, error) {
	var t models.Task
	var agentID, lastFailureType sql.NullString
	var cooldownUntil sql.NullTime
	err := row.Scan(
		&t.ID, &t.WorkspaceID, &t.GoalID, &agentID, &t.Name, &t.Description, &t.Status, &t.PriorityScore,
		&t.RecoveryCount, &lastFailureType, &t.QualityFlag, &t.SemanticHash, &t.ContributionValue,
		&cooldownUntil, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if agentID.Valid {
		t.AgentID = agentID.String
	}
	if lastFailureType.Valid {
		t.LastFailureType = lastFailureType.String
	}
	if cooldownUntil.Valid {
		ct := cooldownUntil.Time
		t.CooldownUntil = &ct
	}
	return &t, nil
}

// ListTasksByWorkspace lists tasks, optionally filtered by status.
func ListTasksByWorkspace(db *sql.DB, workspaceID string, status models.TaskStatus) ([]*models.Task, error) {
	query := `
		SELECT id, workspace_id, goal_id, assigned_agent_id, name, description, status, priority,
		       recovery_count, last_failure_type, quality_flag, semantic_hash, contribution_value,
		       cooldown_until, version, created_at, updated_at
		FROM tasks WHERE workspace_id = ?`
	args := []any{workspaceID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY priority DESC, created_at ASC`

	rows, err := db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Task
	for rows.Next() {
		var t models.Task
		var agentID, lastFailureType sql.NullString
		var cooldownUntil sql.NullTime
		if err := rows.Scan(
			&t.ID, &t.WorkspaceID, &t.GoalID, &agentID, &t.Name, &t.Description, &t.Status, &t.PriorityScore,
			&t.RecoveryCount, &lastFailureType, &t.QualityFlag, &t.SemanticHash, &t.ContributionValue,
			&cooldownUntil, &t.Version, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		if agentID.Valid {
			t.AgentID = agentID.String
		}
		if lastFailureType.Valid {
			t.LastFailureType = lastFailureType.String
		}
		if cooldownUntil.Valid {
			ct := cooldownUntil.Time
			t.CooldownUntil = &ct
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// CountPendingTasks returns the number of non-terminal tasks in a workspace,
// used by the task queue's backpressure check against QueueBackpressureCeiling.
func CountPendingTasks(db *sql.DB, workspaceID string) (int, error) {
	var count int
	err := db.QueryRowContext(context.Background(), `
		SELECT COUNT(*) FROM tasks
		WHERE workspace_id = ? AND status NOT IN (?, ?)
	`, workspaceID, models.TaskStatusCompleted, models.TaskStatusCancelled).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending tasks: %w", err)
	}
	return count, nil
}

// UpdateTaskStatusWithEventTx transitions task status with optimistic
// concurrency, appending an audit event in the same transaction.
func UpdateTaskStatusWithEventTx(tx *sql.Tx, workspaceID, taskID string, status models.TaskStatus, version int) error {
	result, err := tx.ExecContext(context.Background(), `
		UPDATE tasks SET status = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, status, taskID, version)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &models.VersionConflictError{Entity: "task", ID: taskID, Version: version}
	}
	_, err = InsertEventTx(tx, workspaceID, models.EventTaskStatusChanged, taskID, map[string]any{"status": status})
	return err
}

// AssignTaskAgentTx records which agent a task was matched to and moves it
// in_progress.
func AssignTaskAgentTx(tx *sql.Tx, taskID, agentID string, version int) error {
	result, err := tx.ExecContext(context.Background(), `
		UPDATE tasks
		SET assigned_agent_id = ?, status = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, agentID, models.TaskStatusInProgress, taskID, version)
	if err != nil {
		return fmt.Errorf("failed to assign task agent: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &models.VersionConflictError{Entity: "task", ID: taskID, Version: version}
	}
	return nil
}

// UnassignTaskAgentTx clears a task's assigned agent, used by the recovery
// engine's retry_with_different_agent strategy so the next agent pool match
// is free to pick anyone but the one that just failed.
func UnassignTaskAgentTx(tx *sql.Tx, taskID string, version int) error {
	result, err := tx.ExecContext(context.Background(), `
		UPDATE tasks
		SET assigned_agent_id = NULL, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, taskID, version)
	if err != nil {
		return fmt.Errorf("failed to unassign task agent: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &models.VersionConflictError{Entity: "task", ID: taskID, Version: version}
	}
	return nil
}

// RecordTaskFailureTx increments the recovery counter, records the failure
// kind, and optionally reschedules the task into cooldown (retry_with_delay)
// or marks it failed terminally (dead).
func RecordTaskFailureTx(tx *sql.Tx, taskID string, failureKind models.FailureKind, nextStatus models.TaskStatus, cooldownUntil any, version int) error {
	result, err := tx.ExecContext(context.Background(), `
		UPDATE tasks
		SET status = ?, recovery_count = recovery_count + 1, last_failure_type = ?,
		    cooldown_until = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, nextStatus, string(failureKind), cooldownUntil, taskID, version)
	if err != nil {
		return fmt.Errorf("failed to record task failure: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &models.VersionConflictError{Entity: "task", ID: taskID, Version: version}
	}
	return nil
}

// SetTaskCooldownTx returns a task to the ready queue under a cooldown,
// without touching recovery_count or last_failure_type — used by the agent
// pool when no idle agent clears the affinity threshold, as distinct from
// RecordTaskFailureTx's post-execution failure bookkeeping.
func SetTaskCooldownTx(tx *sql.Tx, taskID string, cooldownUntil any, version int) error {
	result, err := tx.ExecContext(context.Background(), `
		UPDATE tasks
		SET status = ?, cooldown_until = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, models.TaskStatusReady, cooldownUntil, taskID, version)
	if err != nil {
		return fmt.Errorf("failed to set task cooldown: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &models.VersionConflictError{Entity: "task", ID: taskID, Version: version}
	}
	return nil
}

// MarkTaskCompletedTx marks a task completed, optionally flagging it
// degraded (skip_with_fallback synthesized completion).
func MarkTaskCompletedTx(tx *sql.Tx, taskID string, qualityFlag models.QualityFlag, version int) error {
	result, err := tx.ExecContext(context.Background(), `
		UPDATE tasks
		SET status = ?, quality_flag = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, models.TaskStatusCompleted, qualityFlag, taskID, version)
	if err != nil {
		return fmt.Errorf("failed to mark task completed: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &models.VersionConflictError{Entity: "task", ID: taskID, Version: version}
	}
	return nil
}

// InsertTaskOutputTx records the structured output of a completed task.
func InsertTaskOutputTx(tx *sql.Tx, taskID string, out *models.TaskOutput, payloadJSON string) error {
	_, err := tx.ExecContext(context.Background(), `
		INSERT INTO task_outputs (task_id, kind, summary, payload_json, execution_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(task_id) DO UPDATE SET
			kind = excluded.kind, summary = excluded.summary,
			payload_json = excluded.payload_json, execution_time_ms = excluded.execution_time_ms
	`, taskID, out.Kind, out.Summary, payloadJSON, out.ExecutionTimeMS)
	if err != nil {
		return fmt.Errorf("failed to insert task output: %w", err)
	}
	return nil
}
