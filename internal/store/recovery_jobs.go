package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dotcommander/orchestron/internal/models"
)

const maxRecoveryJobErrorLen = 2048

// EnqueueRecoveryJobTx creates a queued recovery job for a task, the durable
// counterpart to StrategyRetryWithDelay — the Supervisor's recovery sweep
// claims due jobs rather than the Recovery Engine sleeping in-process.
func EnqueueRecoveryJobTx(tx *sql.Tx, workspaceID, taskID string, maxAttempts int) (*models.RecoveryJob, error) {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	id := models.NewID()
	_, err := tx.ExecContext(context.Background(), `
		INSERT INTO recovery_jobs (id, workspace_id, task_id, status, attempt, max_attempts, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, id, workspaceID, taskID, models.RecoveryJobQueued, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue recovery job: %w", err)
	}
	return getRecoveryJobByIDTx(tx, id)
}

// ScheduleRecoveryJobTx enqueues a job with an explicit delay, used when the
// Recovery Engine's backoff/v4 policy computes a specific next_run_at rather
// than running immediately.
func ScheduleRecoveryJobTx(tx *sql.Tx, workspaceID, taskID string, delaySeconds int, maxAttempts int) (*models.RecoveryJob, error) {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if delaySeconds < 0 {
		delaySeconds = 0
	}
	id := models.NewID()
	_, err := tx.ExecContext(context.Background(), `
		INSERT INTO recovery_jobs (id, workspace_id, task_id, status, attempt, max_attempts, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, datetime(CURRENT_TIMESTAMP, '+' || ? || ' seconds'), CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, id, workspaceID, taskID, models.RecoveryJobQueued, maxAttempts, delaySeconds)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule recovery job: %w", err)
	}
	return getRecoveryJobByIDTx(tx, id)
}

// ClaimNextDueRecoveryJobTx claims the next due recovery job across all
// workspaces, leasing it to workerName for leaseSeconds. Returns (nil, nil)
// when no due job is available.
func ClaimNextDueRecoveryJobTx(tx *sql.Tx, workerName string, leaseSeconds int) (*models.RecoveryJob, error) {
	if workerName == "" {
		return nil, errors.New("worker name is required")
	}
	if leaseSeconds <= 0 {
		leaseSeconds = 60
	}
	if leaseSeconds > 3600 {
		leaseSeconds = 3600
	}

	for range 5 {
		var candidateID string
		err := tx.QueryRowContext(context.Background(), `
			SELECT id FROM recovery_jobs
			WHERE status IN (?, ?)
			  AND next_run_at <= CURRENT_TIMESTAMP
			  AND (claimed_by IS NULL OR claim_expires_at IS NULL OR claim_expires_at < CURRENT_TIMESTAMP)
			ORDER BY next_run_at ASC, created_at ASC
			LIMIT 1
		`, models.RecoveryJobQueued, models.RecoveryJobRetry).Scan(&candidateID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select recovery job candidate: %w", err)
		}

		result, err := tx.ExecContext(context.Background(), `
			UPDATE recovery_jobs
			SET status = ?,
			    claimed_by = ?,
			    claim_expires_at = datetime(CURRENT_TIMESTAMP, '+' || ? || ' seconds'),
			    attempt = attempt + 1,
			    updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
			  AND status IN (?, ?)
			  AND next_run_at <= CURRENT_TIMESTAMP
			  AND (claimed_by IS NULL OR claim_expires_at IS NULL OR claim_expires_at < CURRENT_TIMESTAMP)
		`, models.RecoveryJobRunning, workerName, leaseSeconds, candidateID, models.RecoveryJobQueued, models.RecoveryJobRetry)
		if err != nil {
			return nil, fmt.Errorf("failed to claim recovery job: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to check claim rows affected: %w", err)
		}
		if rowsAffected == 0 {
			continue
		}
		return getRecoveryJobByIDTx(tx, candidateID)
	}

	return nil, nil
}

// MarkRecoveryJobSucceededTx marks a claimed job as terminal success.
func MarkRecoveryJobSucceededTx(tx *sql.Tx, jobID string) error {
	_, err := tx.ExecContext(context.Background(), `
		UPDATE recovery_jobs
		SET status = ?, claimed_by = NULL, claim_expires_at = NULL, last_error = NULL,
		    completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, models.RecoveryJobSucceeded, jobID)
	if err != nil {
		return fmt.Errorf("failed to mark recovery job succeeded: %w", err)
	}
	return nil
}

// MarkRecoveryJobRetryTx releases the claim and schedules a retry after
// backoffSeconds, the value the caller computed via backoff/v4's policy.
func MarkRecoveryJobRetryTx(tx *sql.Tx, jobID, errorMsg string, backoffSeconds int) error {
	if backoffSeconds <= 0 {
		backoffSeconds = 30
	}
	if backoffSeconds > 86400 {
		backoffSeconds = 86400
	}
	_, err := tx.ExecContext(context.Background(), `
		UPDATE recovery_jobs
		SET status = ?, claimed_by = NULL, claim_expires_at = NULL,
		    next_run_at = datetime(CURRENT_TIMESTAMP, '+' || ? || ' seconds'),
		    last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, models.RecoveryJobRetry, backoffSeconds, truncateRecoveryJobError(errorMsg), jobID)
	if err != nil {
		return fmt.Errorf("failed to mark recovery job retry: %w", err)
	}
	return nil
}

// MarkRecoveryJobDeadTx releases the claim and marks the job permanently
// failed, reached after max_attempts is exhausted.
func MarkRecoveryJobDeadTx(tx *sql.Tx, jobID, errorMsg string) error {
	_, err := tx.ExecContext(context.Background(), `
		UPDATE recovery_jobs
		SET status = ?, claimed_by = NULL, claim_expires_at = NULL,
		    last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, models.RecoveryJobDead, truncateRecoveryJobError(errorMsg), jobID)
	if err != nil {
		return fmt.Errorf("failed to mark recovery job dead: %w", err)
	}
	return nil
}

func getRecoveryJobByIDTx(tx *sql.Tx, jobID string) (*models.RecoveryJob, error) {
	row := tx.QueryRowContext(context.Background(), `
		SELECT id, workspace_id, task_id, status, attempt, max_attempts, next_run_at,
		       claimed_by, claim_expires_at, last_error, created_at, updated_at, completed_at
		FROM recovery_jobs WHERE id = ?
	`, jobID)
	return scanRecoveryJobRow(row)
}

func scanRecoveryJobRow(row *sql.Row) (*models.RecoveryJob, error) {
	var (
		claimedBy      sql.NullString
		claimExpiresAt sql.NullTime
		lastError      sql.NullString
		completedAt    sql.NullTime
	)
	job := &models.RecoveryJob{}
	err := row.Scan(
		&job.ID, &job.WorkspaceID, &job.TaskID, &job.Status, &job.Attempt, &job.MaxAttempts, &job.NextRunAt,
		&claimedBy, &claimExpiresAt, &lastError, &job.CreatedAt, &job.UpdatedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("recovery job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query recovery job: %w", err)
	}
	if claimedBy.Valid {
		job.ClaimedBy = claimedBy.String
	}
	if claimExpiresAt.Valid {
		t := claimExpiresAt.Time
		job.ClaimExpiresAt = &t
	}
	if lastError.Valid {
		job.LastError = lastError.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

func truncateRecoveryJobError(s string) string {
	if len(s) <= maxRecoveryJobErrorLen {
		return s
	}
	return s[:maxRecoveryJobErrorLen]
}
