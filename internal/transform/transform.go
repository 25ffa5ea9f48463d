// Package transform is the Content Transformer: it renders a deliverable's
// structured content into a user-facing display format, preferring an
// LLM-based rendering and falling back to rule-based Markdown renderers
// when no capability is configured or the call fails. Re-transforming
// byte-identical content is always a cache hit — first against an
// in-process LRU, then against the persisted SQLite cache — and never
// re-invokes the LLM.
package transform

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dotcommander/orchestron/internal/capability"
	"github.com/dotcommander/orchestron/internal/models"
	"github.com/dotcommander/orchestron/internal/store"
	"github.com/dotcommander/orchestron/pkg/cache"
)

// DefaultTimeout bounds the LLM-based rendering path; a slow provider falls
// back to the rule-based renderer rather than blocking the caller.
const DefaultTimeout = 30 * time.Second

// HotCacheTTL is how long a rendered result stays in the in-process LRU
// before it must be re-read from (or re-verified against) the persisted
// cache. The persisted cache itself never expires — only re-written
// content invalidates it.
const HotCacheTTL = 15 * time.Minute

// Result is one transform's outcome.
type Result struct {
	DisplayContent   string
	Format           models.DisplayFormat
	Confidence       float64
	Status           models.TransformationStatus
	ProcessingTimeMS int64
}

// Transformer is the Content Transformer.
type Transformer struct {
	db  *sql.DB
	hot *cache.Cache
	cap capability.Capability
}

// New returns a Transformer. cap may be capability.Unavailable{} to force
// the rule-based path unconditionally.
func New(db *sql.DB, hot *cache.Cache, cap capability.Capability) *Transformer {
	return &Transformer{db: db, hot: hot, cap: cap}
}

// hotEntry is the JSON envelope stored in the in-process cache, so a single
// string-keyed LRU can hold both the rendering and its confidence.
type hotEntry struct {
	Content    string  `json:"content"`
	Format     string  `json:"format"`
	Confidence float64 `json:"confidence"`
}

// Transform renders rawContent (a deliverable's content_json) into a
// display format, read through businessContext — a short description of the
// goal/stakeholder framing the rendering should reflect. An empty or
// empty-object content returns transformation_status=skipped without
// consulting either cache layer or calling the LLM. The same content
// rendered under a different businessContext is a cache miss: its
// fingerprint is folded into the cache key alongside the content itself.
func (t *Transformer) Transform(ctx context.Context, workspaceID, rawContent, businessContext string) (*Result, error) {
	start := time.Now()
	if isEmptyContent(rawContent) {
		return &Result{Status: models.TransformationSkipped}, nil
	}

	format := models.DisplayFormatMarkdown
	cacheKey := store.ContentCacheKeyOf(rawContent, format, businessContext)

	if raw, ok := t.hot.Get(cacheKey); ok {
		var e hotEntry
		if err := json.Unmarshal([]byte(raw), &e); err == nil {
			return &Result{
				DisplayContent:   e.Content,
				Format:           models.DisplayFormat(e.Format),
				Confidence:       e.Confidence,
				Status:           models.TransformationSuccess,
				ProcessingTimeMS: time.Since(start).Milliseconds(),
			}, nil
		}
	}

	if cached, err := store.GetCachedTransform(t.db, cacheKey); err != nil {
		return nil, fmt.Errorf("query content transform cache: %w", err)
	} else if cached != nil {
		t.storeHot(cacheKey, cached.DisplayContent, cached.DisplayFormat, cached.QualityScore)
		return &Result{
			DisplayContent:   cached.DisplayContent,
			Format:           cached.DisplayFormat,
			Confidence:       cached.QualityScore,
			Status:           models.TransformationSuccess,
			ProcessingTimeMS: time.Since(start).Milliseconds(),
		}, nil
	}

	content, confidence, status := t.render(ctx, rawContent, businessContext)

	if status == models.TransformationSuccess || status == models.TransformationFailed {
		if err := store.Transact(t.db, func(tx *sql.Tx) error {
			return store.PutCachedTransformTx(tx, workspaceID, cacheKey, content, format, confidence)
		}); err != nil {
			return nil, fmt.Errorf("persist content transform cache entry: %w", err)
		}
		t.storeHot(cacheKey, content, format, confidence)
	}

	return &Result{
		DisplayContent:   content,
		Format:           format,
		Confidence:       confidence,
		Status:           status,
		ProcessingTimeMS: time.Since(start).Milliseconds(),
	}, nil
}

// TransformDeliverable renders and persists a deliverable's display
// content, returning its reloaded state. The business context fed into the
// cache key and the LLM-based renderer is drawn from the deliverable's own
// goal: its description and priority, which together frame how a
// stakeholder expects the rendering to read.
func (t *Transformer) TransformDeliverable(ctx context.Context, deliverableID string) (*models.Deliverable, error) {
	d, err := store.GetDeliverable(t.db, deliverableID)
	if err != nil {
		return nil, err
	}

	goal, err := store.GetGoal(t.db, d.GoalID)
	if err != nil {
		return nil, fmt.Errorf("load goal for business context: %w", err)
	}
	businessContext := fmt.Sprintf("goal: %s (priority: %s)", goal.Description, goal.Priority)

	result, err := t.Transform(ctx, d.WorkspaceID, d.Content, businessContext)
	if err != nil {
		return nil, err
	}

	err = store.Transact(t.db, func(tx *sql.Tx) error {
		return store.SetDeliverableDisplayContentTx(tx, d.ID, result.DisplayContent, result.Format, result.Confidence, result.Status, d.Version)
	})
	if err != nil {
		return nil, fmt.Errorf("persist deliverable display content: %w", err)
	}

	return store.GetDeliverable(t.db, deliverableID)
}

func (t *Transformer) storeHot(cacheKey, content string, format models.DisplayFormat, confidence float64) {
	b, err := json.Marshal(hotEntry{Content: content, Format: string(format), Confidence: confidence})
	if err != nil {
		return
	}
	t.hot.Set(cacheKey, string(b), cache.WithTTL(HotCacheTTL))
}

// render tries the LLM-based path first, falling back to a rule-based
// renderer when no capability is configured or the call fails. The
// rule-based fallback has no notion of businessContext — only the
// LLM-based path can actually use it to frame the rendering.
func (t *Transformer) render(ctx context.Context, rawContent, businessContext string) (display string, confidence float64, status models.TransformationStatus) {
	if t.cap != nil {
		cctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
		out, err := t.cap.Complete(cctx, renderPrompt(rawContent, businessContext))
		if err == nil && strings.TrimSpace(out) != "" {
			return out, 0.9, models.TransformationSuccess
		}
	}

	rendered, ok := renderFallback(rawContent)
	if !ok {
		return "", 0, models.TransformationFailed
	}
	return rendered, 0.5, models.TransformationSuccess
}

func renderPrompt(rawContent, businessContext string) string {
	prompt := "Render the following structured deliverable content as a clear, well-formatted Markdown document for a business stakeholder"
	if strings.TrimSpace(businessContext) != "" {
		prompt += ", framed for this context: " + businessContext
	}
	return prompt + ":\n\n" + rawContent
}

func isEmptyContent(rawContent string) bool {
	trimmed := strings.TrimSpace(rawContent)
	if trimmed == "" || trimmed == "{}" {
		return true
	}
	var probe map[string]any
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
		return false
	}
	return len(probe) == 0
}

// envelope mirrors internal/aggregator's deliverable content shape. It is
// redeclared here rather than imported to keep the transformer decoupled
// from the aggregator's internal representation.
type envelope struct {
	Summaries []string                 `json:"summaries,omitempty"`
	Records   []map[string]any         `json:"records,omitempty"`
	Documents []string                 `json:"documents,omitempty"`
	Artifacts []models.ArtifactPayload `json:"artifacts,omitempty"`
}

// renderFallback picks a rule-based renderer by the content's structural
// shape: a list of uniform records becomes a table, a document body with
// numbered or bulleted lines becomes a plan's numbered steps, any other
// document becomes a header+body block, and bare summaries become a list.
func renderFallback(rawContent string) (string, bool) {
	var e envelope
	if err := json.Unmarshal([]byte(rawContent), &e); err != nil {
		return "", false
	}

	var sections []string
	if len(e.Records) > 0 {
		sections = append(sections, renderTable(e.Records))
	}
	for _, doc := range e.Documents {
		if looksLikePlan(doc) {
			sections = append(sections, renderPlan(doc))
		} else {
			sections = append(sections, renderHeaderBody(doc))
		}
	}
	if len(e.Summaries) > 0 {
		sections = append(sections, renderSummaries(e.Summaries))
	}
	if len(e.Artifacts) > 0 {
		sections = append(sections, renderArtifacts(e.Artifacts))
	}

	if len(sections) == 0 {
		return "", false
	}
	return strings.Join(sections, "\n\n"), true
}

// renderTable renders a slice of uniform records as a Markdown table. The
// column order is the sorted union of every record's keys, so a ragged
// input still renders deterministically.
func renderTable(records []map[string]any) string {
	columns := map[string]bool{}
	for _, r := range records {
		for k := range r {
			columns[k] = true
		}
	}
	cols := make([]string, 0, len(columns))
	for c := range columns {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	var b strings.Builder
	b.WriteString("| " + strings.Join(cols, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat(" --- |", len(cols)) + "\n")
	for _, r := range records {
		row := make([]string, len(cols))
		for i, c := range cols {
			if v, ok := r[c]; ok {
				row[i] = fmt.Sprintf("%v", v)
			}
		}
		b.WriteString("| " + strings.Join(row, " | ") + " |\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func looksLikePlan(doc string) bool {
	lines := strings.Split(strings.TrimSpace(doc), "\n")
	if len(lines) < 2 {
		return false
	}
	hits := 0
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if strings.HasPrefix(l, "- ") || strings.HasPrefix(l, "* ") || isOrdinalLine(l) {
			hits++
		}
	}
	return hits >= len(lines)/2+1
}

func isOrdinalLine(l string) bool {
	i := 0
	for i < len(l) && l[i] >= '0' && l[i] <= '9' {
		i++
	}
	return i > 0 && i < len(l) && (l[i] == '.' || l[i] == ')')
}

func renderPlan(doc string) string {
	lines := strings.Split(strings.TrimSpace(doc), "\n")
	var b strings.Builder
	n := 1
	for _, l := range lines {
		l = strings.TrimSpace(l)
		l = strings.TrimPrefix(l, "- ")
		l = strings.TrimPrefix(l, "* ")
		if l == "" {
			continue
		}
		b.WriteString(fmt.Sprintf("%d. %s\n", n, l))
		n++
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderHeaderBody(doc string) string {
	parts := strings.SplitN(strings.TrimSpace(doc), "\n", 2)
	header := parts[0]
	body := ""
	if len(parts) > 1 {
		body = strings.TrimSpace(parts[1])
	}
	if body == "" {
		return "## " + header
	}
	return "## " + header + "\n\n" + body
}

func renderSummaries(summaries []string) string {
	var b strings.Builder
	for _, s := range summaries {
		b.WriteString("- " + s + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderArtifacts(artifacts []models.ArtifactPayload) string {
	var b strings.Builder
	b.WriteString("## Artifacts\n\n")
	for _, a := range artifacts {
		b.WriteString(fmt.Sprintf("- %s (%s, %d bytes)\n", a.FilePath, a.ContentType, a.SizeBytes))
	}
	return strings.TrimRight(b.String(), "\n")
}
