package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// InsertEventTx appends an audit-trail row for the given workspace/kind/
// entity, returning the new event's rowid. The same row is also published to
// the event bus by the caller layer (supervisor/executor); the table is the
// durable record, the bus is the live fan-out.
func InsertEventTx(tx *sql.Tx, workspaceID, kind, entityID string, payload map[string]any) (int64, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	result, err := tx.ExecContext(context.Background(), `
		INSERT INTO events (workspace_id, kind, entity_id, payload_json, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, workspaceID, kind, entityID, string(payloadJSON))
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	return result.LastInsertId()
}

// Event is a row from the audit trail.
type Event struct {
	ID          int64
	WorkspaceID string
	Kind        string
	EntityID    string
	PayloadJSON string
	CreatedAt   string
}

// ListEventsSince returns events for a workspace with id > afterID, the
// cursor the CLI/API streaming surface polls with.
func ListEventsSince(db *sql.DB, workspaceID string, afterID int64, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := db.QueryContext(context.Background(), `
		SELECT id, workspace_id, kind, entity_id, payload_json, created_at
		FROM events WHERE workspace_id = ? AND id > ?
		ORDER BY id ASC LIMIT ?
	`, workspaceID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.Kind, &e.EntityID, &e.PayloadJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
