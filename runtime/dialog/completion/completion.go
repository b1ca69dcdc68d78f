// Package completion abstracts the model backends that produce assistant
// messages. A provider streams text into the dialog's latest pending
// assistant stub and transitions it pending to delivered (or failed); the
// Chain picks the first provider that supports a dialog's model.
package completion

import (
	"context"
	"errors"

	"github.com/parleyhq/parley/runtime/dialog"
)

var (
	// ErrNoProvider indicates no chained provider supports the dialog.
	ErrNoProvider = errors.New("no supporting completion provider")
	// ErrNoPendingStub indicates the dialog has no pending assistant
	// message to complete into.
	ErrNoPendingStub = errors.New("no pending assistant message")
	// ErrRateLimited wraps provider throttling responses so callers can
	// back off.
	ErrRateLimited = errors.New("rate limited")
)

type (
	// OnDelta is invoked after each incremental extension of the assistant
	// message text. Best-effort; implementations must tolerate nil.
	OnDelta func(m *dialog.Message)

	// Service is the provider contract.
	Service interface {
		// Supports reports whether this provider handles the dialog,
		// keyed off the model id of the latest assistant stub or the
		// template default.
		Supports(d *dialog.Dialog) bool
		// Complete produces the completion, mutating the stub in place
		// and returning it. The onDelta callback may be nil.
		Complete(ctx context.Context, d *dialog.Dialog, onDelta OnDelta) (*dialog.Message, error)
	}

	// Chain delegates to the first provider whose Supports returns true.
	Chain struct {
		providers []Service
	}
)

// NewChain builds a provider chain. Order matters; the first match wins.
func NewChain(providers ...Service) *Chain {
	return &Chain{providers: providers}
}

// Supports reports whether any chained provider supports the dialog.
func (c *Chain) Supports(d *dialog.Dialog) bool {
	for _, p := range c.providers {
		if p.Supports(d) {
			return true
		}
	}
	return false
}

// Complete delegates to the first supporting provider, or fails with
// ErrNoProvider.
func (c *Chain) Complete(ctx context.Context, d *dialog.Dialog, onDelta OnDelta) (*dialog.Message, error) {
	for _, p := range c.providers {
		if p.Supports(d) {
			return p.Complete(ctx, d, onDelta)
		}
	}
	return nil, ErrNoProvider
}

// ModelFor resolves the model id a provider should use: the latest pending
// assistant stub's model when present, the template default otherwise.
func ModelFor(d *dialog.Dialog) string {
	if stub := d.LatestAssistantStub(); stub != nil && stub.Model != "" {
		return stub.Model
	}
	if d.Template != nil {
		return d.Template.Model
	}
	return ""
}

// History returns the dialog messages that precede the stub, in order.
// Providers turn these into their request message list.
func History(d *dialog.Dialog, stub *dialog.Message) []*dialog.Message {
	history := make([]*dialog.Message, 0, len(d.Messages))
	for _, m := range d.Messages {
		if m == stub {
			break
		}
		history = append(history, m)
	}
	return history
}
