package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/dotcommander/orchestron/internal/models"
)

// ContentCacheKeyOf derives the Content Transformer's cache key from a
// deliverable's raw content, target format, and business context, so
// re-transforming byte-identical content under the same framing is a cache
// hit regardless of which deliverable it came from — but the same content
// rendered for a different business context misses, since the rendering
// itself may read differently.
func ContentCacheKeyOf(rawContent string, format models.DisplayFormat, businessContext string) string {
	h := sha256.Sum256([]byte(string(format) + "|" + rawContent + "|" + businessContextFingerprint(businessContext)))
	return hex.EncodeToString(h[:])
}

// businessContextFingerprint normalizes businessContext before hashing it
// into the cache key, so equivalent framing strings that differ only in
// surrounding whitespace still collide.
func businessContextFingerprint(businessContext string) string {
	h := sha256.Sum256([]byte(strings.TrimSpace(businessContext)))
	return hex.EncodeToString(h[:])
}

// CachedTransform is a prior Content Transformer result, addressable by
// ContentCacheKeyOf.
type CachedTransform struct {
	DisplayContent string
	DisplayFormat  models.DisplayFormat
	QualityScore   float64
}

// GetCachedTransform looks up a previously rendered transform, used to skip
// the LLM-based rendering path entirely on a hit.
func GetCachedTransform(db *sql.DB, cacheKey string) (*CachedTransform, error) {
	row := db.QueryRowContext(context.Background(), `
		SELECT display_content, display_format, quality_score
		FROM content_transform_cache WHERE cache_key = ?
	`, cacheKey)
	var c CachedTransform
	err := row.Scan(&c.DisplayContent, &c.DisplayFormat, &c.QualityScore)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query content transform cache: %w", err)
	}
	return &c, nil
}

// PutCachedTransformTx stores a freshly rendered transform, replacing any
// entry already at that key.
func PutCachedTransformTx(tx *sql.Tx, workspaceID, cacheKey, displayContent string, format models.DisplayFormat, qualityScore float64) error {
	_, err := tx.ExecContext(context.Background(), `
		INSERT INTO content_transform_cache (cache_key, workspace_id, display_content, display_format, quality_score, created_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(cache_key) DO UPDATE SET
			display_content = excluded.display_content,
			display_format = excluded.display_format,
			quality_score = excluded.quality_score,
			created_at = excluded.created_at
	`, cacheKey, workspaceID, displayContent, format, qualityScore)
	if err != nil {
		return fmt.Errorf("failed to store content transform cache entry: %w", err)
	}
	return nil
}
