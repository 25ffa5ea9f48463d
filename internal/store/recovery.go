package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/dotcommander/orchestron/internal/models"
)

// InsertRecoveryAttemptTx records the start of a recovery decision.
func InsertRecoveryAttemptTx(tx *sql.Tx, workspaceID, taskID string, strategy models.RecoveryStrategy, attemptNumber int, confidence float64, reasoning string) (*models.RecoveryAttempt, error) {
	id := models.NewID()
	_, err := tx.ExecContext(context.Background(), `
		INSERT INTO recovery_attempts (id, task_id, workspace_id, strategy, attempt_number, confidence, started_at, reasoning)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, ?)
	`, id, taskID, workspaceID, strategy, attemptNumber, confidence, reasoning)
	if err != nil {
		return nil, fmt.Errorf("failed to insert recovery attempt: %w", err)
	}
	return getRecoveryAttemptTx(tx, id)
}

// CompleteRecoveryAttemptTx marks a recovery attempt resolved, success or not.
func CompleteRecoveryAttemptTx(tx *sql.Tx, id string, success bool) error {
	_, err := tx.ExecContext(context.Background(), `
		UPDATE recovery_attempts SET completed_at = CURRENT_TIMESTAMP, success = ? WHERE id = ?
	`, success, id)
	if err != nil {
		return fmt.Errorf("failed to complete recovery attempt: %w", err)
	}
	return nil
}

func getRecoveryAttemptTx(tx *sql.Tx, id string) (*models.RecoveryAttempt, error) {
	row := tx.QueryRowContext(context.Background(), `
		SELECT id, task_id, workspace_id, strategy, attempt_number, confidence, started_at, completed_at, success, reasoning
		FROM recovery_attempts WHERE id = ?
	`, id)
	return scanRecoveryAttemptRow(row)
}

func scanRecoveryAttemptRow(row *sql.Row) (*models.RecoveryAttempt, error) {
	var a models.RecoveryAttempt
	var completedAt sql.NullTime
	var success sql.NullBool
	err := row.Scan(&a.ID, &a.TaskID, &a.WorkspaceID, &a.Strategy, &a.AttemptNumber, &a.Confidence, &a.StartedAt, &completedAt, &success, &a.Reasoning)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "recovery_attempt", ID: a.ID}
	}
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		a.CompletedAt = &t
	}
	if success.Valid {
		b := success.Bool
		a.Success = &b
	}
	return &a, nil
}

// ListRecoveryAttemptsByTask returns a task's recovery history, oldest first.
func ListRecoveryAttemptsByTask(db *sql.DB, taskID string) ([]*models.RecoveryAttempt, error) {
	rows, err := db.QueryContext(context.Background(), `
		SELECT id, task_id, workspace_id, strategy, attempt_number, confidence, started_at, completed_at, success, reasoning
		FROM recovery_attempts WHERE task_id = ? ORDER BY attempt_number ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recovery attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.RecoveryAttempt
	for rows.Next() {
		var a models.RecoveryAttempt
		var completedAt sql.NullTime
		var success sql.NullBool
		if err := rows.Scan(&a.ID, &a.TaskID, &a.WorkspaceID, &a.Strategy, &a.AttemptNumber, &a.Confidence, &a.StartedAt, &completedAt, &success, &a.Reasoning); err != nil {
			return nil, fmt.Errorf("failed to scan recovery attempt row: %w", err)
		}
		if completedAt.Valid {
			t := completedAt.Time
			a.CompletedAt = &t
		}
		if success.Valid {
			b := success.Bool
			a.Success = &b
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// InsertRecoveryExplanationTx persists the human-readable counterpart to a
// recovery attempt.
func InsertRecoveryExplanationTx(tx *sql.Tx, workspaceID, attemptID, summary, rootCause string, decision models.RecoveryStrategy, userActionRequired string, severity models.Severity) (*models.RecoveryExplanation, error) {
	id := models.NewID()
	_, err := tx.ExecContext(context.Background(), `
		INSERT INTO recovery_explanations (id, recovery_attempt_id, workspace_id, summary, root_cause, decision, user_action_required, severity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, id, attemptID, workspaceID, summary, rootCause, decision, userActionRequired, severity)
	if err != nil {
		return nil, fmt.Errorf("failed to insert recovery explanation: %w", err)
	}
	return getRecoveryExplanationTx(tx, id)
}

func getRecoveryExplanationTx(tx *sql.Tx, id string) (*models.RecoveryExplanation, error) {
	row := tx.QueryRowContext(context.Background(), `
		SELECT id, recovery_attempt_id, workspace_id, summary, root_cause, decision, user_action_required, severity, created_at, acknowledged_at
		FROM recovery_explanations WHERE id = ?
	`, id)
	return scanRecoveryExplanationRow(row)
}

func scanRecoveryExplanationRow(row *sql.Row) (*models.RecoveryExplanation, error) {
	var e models.RecoveryExplanation
	var acknowledgedAt sql.NullTime
	err := row.Scan(&e.ID, &e.RecoveryAttemptID, &e.WorkspaceID, &e.Summary, &e.RootCause, &e.Decision, &e.UserActionRequired, &e.Severity, &e.CreatedAt, &acknowledgedAt)
	if err != nil {
		return nil, err
	}
	if acknowledgedAt.Valid {
		t := acknowledgedAt.Time
		e.AcknowledgedAt = &t
	}
	return &e, nil
}

// ListUnacknowledgedRecoveryExplanations returns explanations still awaiting
// acknowledgement, ordered highest-severity first — the set the workspace
// snapshot surfaces to a human operator.
func ListUnacknowledgedRecoveryExplanations(db *sql.DB, workspaceID string) ([]*models.RecoveryExplanation, error) {
	rows, err := db.QueryContext(context.Background(), `
		SELECT id, recovery_attempt_id, workspace_id, summary, root_cause, decision, user_action_required, severity, created_at, acknowledged_at
		FROM recovery_explanations
		WHERE workspace_id = ? AND acknowledged_at IS NULL
		ORDER BY CASE severity
			WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END,
			created_at ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recovery explanations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.RecoveryExplanation
	for rows.Next() {
		var e models.RecoveryExplanation
		var acknowledgedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.RecoveryAttemptID, &e.WorkspaceID, &e.Summary, &e.RootCause, &e.Decision, &e.UserActionRequired, &e.Severity, &e.CreatedAt, &acknowledgedAt); err != nil {
			return nil, fmt.Errorf("failed to scan recovery explanation row: %w", err)
		}
		if acknowledgedAt.Valid {
			t := acknowledgedAt.Time
			e.AcknowledgedAt = &t
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// AcknowledgeRecoveryExplanationTx marks an explanation reviewed by an
// operator, clearing it from the workspace snapshot's outstanding list.
func AcknowledgeRecoveryExplanationTx(tx *sql.Tx, id string) error {
	result, err := tx.ExecContext(context.Background(), `
		UPDATE recovery_explanations SET acknowledged_at = CURRENT_TIMESTAMP
		WHERE id = ? AND acknowledged_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("failed to acknowledge recovery explanation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &models.NotFoundError{Entity: "recovery_explanation", ID: id}
	}
	return nil
}

// FailureSignatureOf derives the deduplication key a FailurePattern groups
// on: sha256(kind + normalized message).
func FailureSignatureOf(kind models.FailureKind, normalizedMessage string) string {
	h := sha256.Sum256([]byte(string(kind) + "|" + normalizedMessage))
	return hex.EncodeToString(h[:])
}

// UpsertFailurePatternTx increments a workspace's occurrence counter for a
// failure signature, inserting a new row on first sighting. The Recovery
// Engine's decompose escalation rule reads occurrence_count >= 3 off the
// returned pattern.
func UpsertFailurePatternTx(tx *sql.Tx, workspaceID, signature string, kind models.FailureKind) (*models.FailurePattern, error) {
	_, err := tx.ExecContext(context.Background(), `
		INSERT INTO failure_patterns (id, workspace_id, signature, kind, occurrence_count, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(workspace_id, signature) DO UPDATE SET
			occurrence_count = occurrence_count + 1,
			last_seen_at = CURRENT_TIMESTAMP
	`, models.NewID(), workspaceID, signature, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert failure pattern: %w", err)
	}

	row := tx.QueryRowContext(context.Background(), `
		SELECT id, workspace_id, signature, kind, occurrence_count, first_seen_at, last_seen_at
		FROM failure_patterns WHERE workspace_id = ? AND signature = ?
	`, workspaceID, signature)
	var p models.FailurePattern
	if err := row.Scan(&p.ID, &p.WorkspaceID, &p.Signature, &p.Kind, &p.OccurrenceCount, &p.FirstSeenAt, &p.LastSeenAt); err != nil {
		return nil, fmt.Errorf("failed to fetch failure pattern: %w", err)
	}
	return &p, nil
}
