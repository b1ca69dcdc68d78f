// Package middleware provides completion.Service decorators.
package middleware

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/parleyhq/parley/runtime/dialog"
	"github.com/parleyhq/parley/runtime/dialog/completion"
)

// DefaultMaxTokens is the per-request output budget assumed when
// estimating token cost.
const DefaultMaxTokens = 1024

// RateLimited wraps a provider with a token-bucket limiter. The cost of a
// request is estimated as prompt length / 4 plus the output budget; the
// wait honors the caller's context.
type RateLimited struct {
	next      completion.Service
	limiter   *rate.Limiter
	maxTokens int
}

// NewRateLimited decorates next with the limiter. A non-positive
// maxTokens selects DefaultMaxTokens.
func NewRateLimited(next completion.Service, limiter *rate.Limiter, maxTokens int) *RateLimited {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &RateLimited{next: next, limiter: limiter, maxTokens: maxTokens}
}

// Supports delegates to the wrapped provider.
func (r *RateLimited) Supports(d *dialog.Dialog) bool {
	return r.next.Supports(d)
}

// Complete waits for estimated token capacity, then delegates.
func (r *RateLimited) Complete(ctx context.Context, d *dialog.Dialog, onDelta completion.OnDelta) (*dialog.Message, error) {
	cost := r.estimate(d)
	if burst := r.limiter.Burst(); cost > burst {
		cost = burst
	}
	if err := r.limiter.WaitN(ctx, cost); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return r.next.Complete(ctx, d, onDelta)
}

// estimate approximates the request's token cost from the prompt text
// plus the output budget. Four characters per token.
func (r *RateLimited) estimate(d *dialog.Dialog) int {
	chars := 0
	for _, m := range d.Messages {
		chars += len(m.Text)
	}
	return chars/4 + r.maxTokens
}
