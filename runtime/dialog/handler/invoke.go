package handler

import (
	"context"

	"github.com/parleyhq/parley/runtime/dialog"
	"github.com/parleyhq/parley/runtime/dialog/registry"
)

// Invoke calls a registered function with the precedence-merged variables.
type Invoke struct {
	reg *registry.Registry
}

// NewInvoke creates the invoke step handler.
func NewInvoke(reg *registry.Registry) *Invoke {
	return &Invoke{reg: reg}
}

// CanHandle always reports ready; argument validation is deferred to the
// callable.
func (h *Invoke) CanHandle(ctx context.Context, d *dialog.Dialog, s *dialog.Step) (Readiness, error) {
	return Ready(), nil
}

// Handle resolves the callable by dotted path and invokes it. Failures
// propagate to the engine, which records them and applies the step's
// error policy.
func (h *Invoke) Handle(ctx context.Context, d *dialog.Dialog, s *dialog.Step) (*StepResult, error) {
	fn, err := h.reg.Invokable(s.Callable)
	if err != nil {
		return nil, err
	}
	out, err := fn(ctx, registry.InvokeArgs{
		Dialog:    d,
		Variables: mergedVariables(d, s),
	})
	if err != nil {
		return nil, err
	}
	return &StepResult{
		Success: true,
		Data:    map[string]any{"result": out},
		Outputs: map[string]any{"result": out},
	}, nil
}
