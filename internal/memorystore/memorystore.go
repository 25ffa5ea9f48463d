// Package memorystore is the Workspace Memory Store: an append-only insight
// log with anti-pollution eviction, layered over internal/store's insight
// persistence. It is the only thing the task executor's prompt assembly and
// the recovery engine's failure classifier consult for "what have we learned
// in this workspace before."
package memorystore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dotcommander/orchestron/internal/models"
	"github.com/dotcommander/orchestron/internal/store"
)

// unmarshalTaskIDs decodes a deliverable's contributing_task_ids_json column.
func unmarshalTaskIDs(raw string) ([]string, error) {
	var ids []string
	if raw == "" {
		return ids, nil
	}
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("unmarshal contributing task ids: %w", err)
	}
	return ids, nil
}

// MaxInsightsPerWorkspace is the live-insight ceiling (spec:
// MEMORY_MAX_INSIGHTS_PER_WORKSPACE). Exceeding it on Record triggers
// eviction of the lowest-scoring eligible insight.
const MaxInsightsPerWorkspace = 100

// MinEvictionAge is how old an insight must be before it's eligible for
// eviction — a brand-new low-score insight isn't penalized for not having
// accumulated confidence/business-value yet.
const MinEvictionAge = 24 * time.Hour

var keyWhitespace = regexp.MustCompile(`\s+`)

// NormalizeKey converts free text (an insight's content, or a lookup filter)
// into a canonical lowercase/underscored form for stable tag/content
// matching across insights recorded at different times.
func NormalizeKey(s string) string {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = keyWhitespace.ReplaceAllString(normalized, "_")

	var b strings.Builder
	b.Grow(len(normalized))
	for _, r := range normalized {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return normalized
	}
	return b.String()
}

// ClampConfidence restricts v to [0, 1].
func ClampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Store is the Workspace Memory Store.
type Store struct {
	db *sql.DB
}

// New wraps db as a Store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record appends an insight and, if the workspace is now over
// MaxInsightsPerWorkspace, evicts the lowest-scoring eligible insight in the
// same transaction.
func (s *Store) Record(kind models.InsightKind, workspaceID, content string, confidence, businessValue float64, tags []string, sourceTaskID string) (*models.Insight, error) {
	confidence = ClampConfidence(confidence)
	businessValue = ClampConfidence(businessValue)

	var recorded *models.Insight
	err := store.Transact(s.db, func(tx *sql.Tx) error {
		var err error
		recorded, err = store.InsertInsightTx(tx, workspaceID, kind, content, confidence, businessValue, tags, sourceTaskID)
		if err != nil {
			return fmt.Errorf("record insight: %w", err)
		}

		count, err := storeCountInTx(tx, workspaceID)
		if err != nil {
			return err
		}
		if count <= MaxInsightsPerWorkspace {
			return nil
		}

		excludeIDs, err := activeDeliverableSourceTaskIDs(tx, workspaceID)
		if err != nil {
			return err
		}
		if _, err := store.EvictLowestScoreExcludingTx(tx, workspaceID, excludeIDs, time.Now().Add(-MinEvictionAge)); err != nil {
			return fmt.Errorf("evict over-capacity insight: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recorded, nil
}

// storeCountInTx counts insights for workspaceID using tx instead of a *sql.DB,
// since store.CountInsightsByWorkspace only accepts a *sql.DB and Record must
// stay within one transaction for the insert-then-evict race.
func storeCountInTx(tx *sql.Tx, workspaceID string) (int, error) {
	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM insights WHERE workspace_id = ?`, workspaceID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count insights: %w", err)
	}
	return count, nil
}

// activeDeliverableSourceTaskIDs returns every task ID contributing to a
// non-failed deliverable in the workspace — insights sourced from those
// tasks are protected from eviction.
func activeDeliverableSourceTaskIDs(tx *sql.Tx, workspaceID string) ([]string, error) {
	rows, err := tx.Query(`
		SELECT contributing_task_ids_json FROM deliverables
		WHERE workspace_id = ? AND status != ?
	`, workspaceID, models.DeliverableStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("query active deliverables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var taskIDsJSON string
		if err := rows.Scan(&taskIDsJSON); err != nil {
			return nil, fmt.Errorf("scan deliverable contributing task ids: %w", err)
		}
		parsed, err := unmarshalTaskIDs(taskIDsJSON)
		if err != nil {
			return nil, err
		}
		ids = append(ids, parsed...)
	}
	return ids, rows.Err()
}

// Query returns a workspace's insights filtered by kind and minimum
// confidence, ordered by business_value*confidence descending (the order the
// executor's prompt assembly consumes them in). limit <= 0 means no cap.
func (s *Store) Query(workspaceID string, kind models.InsightKind, minConfidence float64, limit int) ([]*models.Insight, error) {
	all, err := store.ListInsightsByWorkspace(s.db, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("query insights: %w", err)
	}

	out := make([]*models.Insight, 0, len(all))
	for _, ins := range all {
		if kind != "" && ins.Kind != kind {
			continue
		}
		if ins.Confidence < minConfidence {
			continue
		}
		out = append(out, ins)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Evict forces eviction of the single lowest-scoring eligible insight in a
// workspace, used by an operator-triggered GC path rather than the automatic
// over-capacity path in Record.
func (s *Store) Evict(workspaceID string) (string, error) {
	var evictedID string
	err := store.Transact(s.db, func(tx *sql.Tx) error {
		excludeIDs, err := activeDeliverableSourceTaskIDs(tx, workspaceID)
		if err != nil {
			return err
		}
		evictedID, err = store.EvictLowestScoreExcludingTx(tx, workspaceID, excludeIDs, time.Now().Add(-MinEvictionAge))
		return err
	})
	return evictedID, err
}
