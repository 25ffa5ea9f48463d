package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dotcommander/orchestron/internal/models"
)

// ClaimNextReadyTaskTx selects the highest-priority ready task in a
// workspace whose cooldown has expired and atomically transitions it to
// in_progress under the given claimant, returning (nil, nil) when nothing is
// eligible. Mirrors the lease-claim pattern used for recovery jobs, applied
// here to the dispatch path so two supervisor ticks racing on the same
// workspace never double-assign a task.
func ClaimNextReadyTaskTx(tx *sql.Tx, workspaceID, claimedBy string) (*models.Task, error) {
	var candidateID string
	err := tx.QueryRowContext(context.Background(), `
		SELECT id FROM tasks
		WHERE workspace_id = ? AND status = ?
		  AND (cooldown_until IS NULL OR cooldown_until <= CURRENT_TIMESTAMP)
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
	`, workspaceID, models.TaskStatusReady).Scan(&candidateID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select ready task candidate: %w", err)
	}

	result, err := tx.ExecContext(context.Background(), `
		UPDATE tasks
		SET status = ?, claimed_by = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, models.TaskStatusInProgress, claimedBy, candidateID, models.TaskStatusReady)
	if err != nil {
		return nil, fmt.Errorf("failed to claim ready task: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check claim rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Lost the race to another claimant between SELECT and UPDATE.
		return nil, nil
	}
	return getTaskTx(tx, candidateID)
}
