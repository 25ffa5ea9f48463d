package toolbus

import (
	"context"
	"fmt"

	"github.com/dotcommander/orchestron/internal/memorystore"
	"github.com/dotcommander/orchestron/internal/models"
)

// MemorySearchTool is the one concrete Tool this module ships: it lets an
// agent pull prior insights for its own workspace into its prompt mid-task,
// rather than relying solely on the fixed context the executor assembled up
// front. It is registered under the name "memory_search".
type MemorySearchTool struct {
	mem *memorystore.Store
}

// NewMemorySearchTool wraps mem as a Tool.
func NewMemorySearchTool(mem *memorystore.Store) *MemorySearchTool {
	return &MemorySearchTool{mem: mem}
}

// Name implements Tool.
func (t *MemorySearchTool) Name() string { return "memory_search" }

// Invoke implements Tool. Expected args: workspace_id (string, required),
// kind (string, optional — one of models.InsightKind, defaults to any),
// min_confidence (float64, optional), limit (float64 as decoded from JSON,
// optional, default 10; any other type is ignored).
func (t *MemorySearchTool) Invoke(ctx context.Context, args map[string]any) (map[string]any, error) {
	workspaceID, _ := args["workspace_id"].(string)
	if workspaceID == "" {
		return nil, fmt.Errorf("memory_search: workspace_id is required")
	}

	var kind models.InsightKind
	if k, ok := args["kind"].(string); ok {
		kind = models.InsightKind(k)
	}

	minConfidence, _ := args["min_confidence"].(float64)

	limit := 10
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	insights, err := t.mem.Query(workspaceID, kind, minConfidence, limit)
	if err != nil {
		return nil, fmt.Errorf("memory_search: %w", err)
	}

	results := make([]map[string]any, 0, len(insights))
	for _, ins := range insights {
		results = append(results, map[string]any{
			"id":             ins.ID,
			"kind":           string(ins.Kind),
			"content":        ins.Content,
			"confidence":     ins.Confidence,
			"business_value": ins.BusinessValue,
		})
	}
	return map[string]any{"insights": results}, nil
}
