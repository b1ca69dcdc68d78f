// Package handler implements the step handlers. Every handler satisfies a
// two-method contract: CanHandle gates a transition by reporting readiness
// (never mutating the dialog; the engine alone suspends), and Handle
// executes the step, returning a StepResult.
package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/parleyhq/parley/runtime/dialog"
	"github.com/parleyhq/parley/runtime/dialog/completion"
	"github.com/parleyhq/parley/runtime/dialog/registry"
)

var (
	// ErrNoHandler indicates a step type with no registered handler.
	ErrNoHandler = errors.New("no handler for step type")
)

type (
	// Readiness is the typed CanHandle verdict. When not ready because of
	// missing inputs, Missing lists the variable names in declaration
	// order; the engine appends them to missing_variables and suspends.
	Readiness struct {
		Ready   bool
		Missing []string
	}

	// StepResult reports a Handle outcome. Data is recorded under
	// workflow_data.step_results[step.name]; Outputs are merged into
	// workflow_data.variables so later steps can consume them.
	StepResult struct {
		Success bool
		Message string
		Data    map[string]any
		Outputs map[string]any
	}

	// Handler executes one step variant.
	Handler interface {
		// CanHandle reports whether the step can execute now. It must not
		// mutate the dialog.
		CanHandle(ctx context.Context, d *dialog.Dialog, s *dialog.Step) (Readiness, error)
		// Handle executes the step. Errors are converted by the engine
		// into failure transitions under the step's error policy.
		Handle(ctx context.Context, d *dialog.Dialog, s *dialog.Step) (*StepResult, error)
	}

	// Set routes step types to handlers.
	Set struct {
		handlers map[dialog.StepType]Handler
	}
)

// Ready is the always-ready verdict.
func Ready() Readiness { return Readiness{Ready: true} }

// NewSet builds the default handler set over the given collaborators.
func NewSet(reg *registry.Registry, svc completion.Service, onDelta completion.OnDelta) *Set {
	return &Set{handlers: map[dialog.StepType]Handler{
		dialog.StepMessage:   NewMessage(reg),
		dialog.StepPrompt:    NewPrompt(reg, svc, onDelta),
		dialog.StepUserInput: NewUserInput(svc, onDelta),
		dialog.StepInvoke:    NewInvoke(reg),
	}}
}

// ForType resolves the handler for a step type.
func (s *Set) ForType(t dialog.StepType) (Handler, error) {
	h, ok := s.handlers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoHandler, t)
	}
	return h, nil
}

// mergedVariables applies the variable precedence every handler uses:
// workflow variables overlaid with the step's template_args.
func mergedVariables(d *dialog.Dialog, s *dialog.Step) map[string]any {
	vars := make(map[string]any)
	if d.WorkflowData != nil {
		for k, v := range d.WorkflowData.Variables {
			vars[k] = v
		}
	}
	for k, v := range s.TemplateArgs {
		vars[k] = v
	}
	return vars
}

// stepContent computes a step's text: verbatim content when set, the
// rendered prompt otherwise.
func stepContent(reg *registry.Registry, d *dialog.Dialog, s *dialog.Step) (string, error) {
	if s.Content != "" {
		return s.Content, nil
	}
	p, err := reg.Prompt(s.Template)
	if err != nil {
		return "", err
	}
	return p.Render(mergedVariables(d, s))
}
