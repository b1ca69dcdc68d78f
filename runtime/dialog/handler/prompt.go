package handler

import (
	"context"

	"github.com/parleyhq/parley/runtime/dialog"
	"github.com/parleyhq/parley/runtime/dialog/completion"
	"github.com/parleyhq/parley/runtime/dialog/registry"
)

// Prompt renders a prompt, appends the user message and an assistant stub,
// and drives the completion service.
type Prompt struct {
	reg     *registry.Registry
	svc     completion.Service
	onDelta completion.OnDelta
}

// NewPrompt creates the prompt step handler. onDelta may be nil.
func NewPrompt(reg *registry.Registry, svc completion.Service, onDelta completion.OnDelta) *Prompt {
	return &Prompt{reg: reg, svc: svc, onDelta: onDelta}
}

// CanHandle reports ready when the step carries literal content. Steps
// referencing a prompt are ready only when every declared argument not
// covered by template_args is bound in the workflow variables; otherwise
// the unbound names are returned in declaration order.
func (h *Prompt) CanHandle(ctx context.Context, d *dialog.Dialog, s *dialog.Step) (Readiness, error) {
	if s.Template == "" {
		return Ready(), nil
	}
	p, err := h.reg.Prompt(s.Template)
	if err != nil {
		return Readiness{}, err
	}
	var missing []string
	for _, arg := range p.Args() {
		if _, ok := s.TemplateArgs[arg]; ok {
			continue
		}
		if d.WorkflowData != nil {
			if _, ok := d.WorkflowData.Variables[arg]; ok {
				continue
			}
		}
		missing = append(missing, arg)
	}
	if len(missing) > 0 {
		return Readiness{Missing: missing}, nil
	}
	return Ready(), nil
}

// Handle appends the rendered prompt as a pending user message, appends a
// pending assistant stub carrying the resolved model id, and runs the
// completion service against the dialog.
func (h *Prompt) Handle(ctx context.Context, d *dialog.Dialog, s *dialog.Step) (*StepResult, error) {
	text, err := stepContent(h.reg, d, s)
	if err != nil {
		return nil, err
	}

	user := d.NewMessage(dialog.RoleUser, text)
	user.Status = dialog.MessageStatusPending
	if err := d.AppendMessage(user); err != nil {
		return nil, err
	}

	stub := d.NewMessage(dialog.RoleAssistant, "")
	stub.Model = d.ModelFor(s)
	stub.Status = dialog.MessageStatusPending
	if err := d.AppendMessage(stub); err != nil {
		return nil, err
	}

	reply, err := h.svc.Complete(ctx, d, h.onDelta)
	if err != nil {
		return nil, err
	}
	return &StepResult{
		Success: true,
		Data: map[string]any{
			"prompt_message_id":    user.ID,
			"assistant_message_id": reply.ID,
		},
		Outputs: map[string]any{"result": reply.Text},
	}, nil
}
