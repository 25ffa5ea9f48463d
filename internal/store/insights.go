package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dotcommander/orchestron/internal/models"
)

// InsertInsightTx records a memory entry. Callers are responsible for
// invoking EvictLowestScoreTx afterward when the workspace is at its
// MemoryMaxInsightsPerWorkspace ceiling.
func InsertInsightTx(tx *sql.Tx, workspaceID string, kind models.InsightKind, content string, confidence, businessValue float64, tags []string, sourceTaskID string) (*models.Insight, error) {
	id := models.NewID()
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal insight tags: %w", err)
	}

	var sourceTaskCol any
	if sourceTaskID != "" {
		sourceTaskCol = sourceTaskID
	}

	_, err = tx.ExecContext(context.Background(), `
		INSERT INTO insights (id, workspace_id, source_task_id, kind, content, tags_json, confidence, business_value, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, id, workspaceID, sourceTaskCol, kind, content, string(tagsJSON), confidence, businessValue)
	if err != nil {
		return nil, fmt.Errorf("failed to insert insight: %w", err)
	}
	return getInsightByQuerier(tx, id)
}

func getInsightByQuerier(q Querier, id string) (*models.Insight, error) {
	row := q.QueryRow(`
		SELECT id, workspace_id, source_task_id, kind, content, tags_json, confidence, business_value, created_at
		FROM insights WHERE id = ?
	`, id)
	return scanInsightRow(row)
}

func scanInsightRow(row *sql.Row) (*models.Insight, error) {
	var ins models.Insight
	var sourceTaskID sql.NullString
	var tagsJSON string
	err := row.Scan(&ins.ID, &ins.WorkspaceID, &sourceTaskID, &ins.Kind, &ins.Content, &tagsJSON, &ins.Confidence, &ins.BusinessValue, &ins.CreatedAt)
	if err != nil {
		return nil, err
	}
	if sourceTaskID.Valid {
		ins.SourceTaskID = sourceTaskID.String
	}
	if err := json.Unmarshal([]byte(tagsJSON), &ins.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal insight tags: %w", err)
	}
	return &ins, nil
}

// ListInsightsByWorkspace returns a workspace's insights ordered by
// EvictionScore descending (most valuable first), the order agent prompt
// assembly consumes them in.
func ListInsightsByWorkspace(db *sql.DB, workspaceID string) ([]*models.Insight, error) {
	rows, err := db.QueryContext(context.Background(), `
		SELECT id, workspace_id, source_task_id, kind, content, tags_json, confidence, business_value, created_at
		FROM insights WHERE workspace_id = ?
		ORDER BY (confidence * business_value) DESC, created_at DESC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query insights: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Insight
	for rows.Next() {
		var ins models.Insight
		var sourceTaskID sql.NullString
		var tagsJSON string
		if err := rows.Scan(&ins.ID, &ins.WorkspaceID, &sourceTaskID, &ins.Kind, &ins.Content, &tagsJSON, &ins.Confidence, &ins.BusinessValue, &ins.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan insight row: %w", err)
		}
		if sourceTaskID.Valid {
			ins.SourceTaskID = sourceTaskID.String
		}
		if err := json.Unmarshal([]byte(tagsJSON), &ins.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal insight tags: %w", err)
		}
		out = append(out, &ins)
	}
	return out, rows.Err()
}

// CountInsightsByWorkspace returns how many insights a workspace currently
// holds, checked against MemoryMaxInsightsPerWorkspace before insertion.
func CountInsightsByWorkspace(db *sql.DB, workspaceID string) (int, error) {
	var count int
	err := db.QueryRowContext(context.Background(), `
		SELECT COUNT(*) FROM insights WHERE workspace_id = ?
	`, workspaceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count insights: %w", err)
	}
	return count, nil
}

// EvictLowestScoreTx deletes the single lowest EvictionScore insight in a
// workspace, enforcing the anti-pollution cap after an insert pushes the
// workspace over MemoryMaxInsightsPerWorkspace. Returns the evicted insight's
// ID, or "" if the workspace has no insights.
func EvictLowestScoreTx(tx *sql.Tx, workspaceID string) (string, error) {
	return EvictLowestScoreExcludingTx(tx, workspaceID, nil, time.Time{})
}

// EvictLowestScoreExcludingTx deletes the lowest-scoring insight in a
// workspace that is NOT in excludeSourceTaskIDs and was created before
// olderThan (zero value disables the age filter), enforcing
// internal/memorystore's "never evict an insight referenced as the source of
// an active deliverable" and "older than 1 day" rules. Returns the evicted
// insight's ID, or "" if no eligible candidate exists.
func EvictLowestScoreExcludingTx(tx *sql.Tx, workspaceID string, excludeSourceTaskIDs []string, olderThan time.Time) (string, error) {
	query := `
		SELECT id FROM insights
		WHERE workspace_id = ?
		  AND (source_task_id IS NULL OR source_task_id NOT IN (` + placeholders(len(excludeSourceTaskIDs)) + `))
	`
	args := []any{workspaceID}
	for _, id := range excludeSourceTaskIDs {
		args = append(args, id)
	}
	if !olderThan.IsZero() {
		query += " AND created_at < ?"
		args = append(args, olderThan)
	}
	query += " ORDER BY (confidence * business_value) ASC, created_at ASC LIMIT 1"

	var id string
	err := tx.QueryRowContext(context.Background(), query, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to select eviction candidate: %w", err)
	}
	if _, err := tx.ExecContext(context.Background(), `DELETE FROM insights WHERE id = ?`, id); err != nil {
		return "", fmt.Errorf("failed to evict insight: %w", err)
	}
	return id, nil
}

// placeholders returns n "?" parameter placeholders, comma-joined, with a
// harmless always-false placeholder for n=0 so the surrounding NOT IN (...)
// stays valid SQL.
func placeholders(n int) string {
	if n == 0 {
		return "''"
	}
	out := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
