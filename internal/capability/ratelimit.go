package capability

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// BudgetedCapability wraps a Capability with a fixed per-workspace token
// bucket. Unlike an AIMD rate limiter that widens and narrows its budget
// based on observed provider errors, this one holds a constant capacity —
// adaptive tuning is out of scope here, so callers that need backoff on
// provider throttling compose this with internal/recovery's retry policy
// instead of expecting the limiter itself to adapt.
type BudgetedCapability struct {
	inner   Capability
	limiter *rate.Limiter
}

// NewBudgetedCapability wraps inner with a limiter allowing tokensPerMinute
// requests per minute and a burst of the same size.
func NewBudgetedCapability(inner Capability, tokensPerMinute int) *BudgetedCapability {
	if tokensPerMinute <= 0 {
		tokensPerMinute = 1
	}
	limit := rate.Limit(float64(tokensPerMinute) / 60.0)
	return &BudgetedCapability{
		inner:   inner,
		limiter: rate.NewLimiter(limit, tokensPerMinute),
	}
}

// Complete blocks until the limiter admits the call (or ctx is cancelled),
// then delegates to the wrapped Capability.
func (b *BudgetedCapability) Complete(ctx context.Context, prompt string) (string, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("capability budget: %w", err)
	}
	return b.inner.Complete(ctx, prompt)
}

// SetTokensPerMinute adjusts the budget at runtime, e.g. when a workspace's
// plan tier changes. It is not called automatically in response to errors.
func (b *BudgetedCapability) SetTokensPerMinute(tokensPerMinute int) {
	if tokensPerMinute <= 0 {
		tokensPerMinute = 1
	}
	b.limiter.SetLimit(rate.Limit(float64(tokensPerMinute) / 60.0))
	b.limiter.SetBurst(tokensPerMinute)
}
