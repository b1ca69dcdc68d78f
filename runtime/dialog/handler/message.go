package handler

import (
	"context"

	"github.com/parleyhq/parley/runtime/dialog"
	"github.com/parleyhq/parley/runtime/dialog/registry"
)

// Message appends a literal or rendered message without a model call.
type Message struct {
	reg *registry.Registry
}

// NewMessage creates the message step handler.
func NewMessage(reg *registry.Registry) *Message {
	return &Message{reg: reg}
}

// CanHandle always reports ready; content errors surface in Handle.
func (h *Message) CanHandle(ctx context.Context, d *dialog.Dialog, s *dialog.Step) (Readiness, error) {
	return Ready(), nil
}

// Handle computes the step text and appends it with the step's role.
func (h *Message) Handle(ctx context.Context, d *dialog.Dialog, s *dialog.Step) (*StepResult, error) {
	text, err := stepContent(h.reg, d, s)
	if err != nil {
		return nil, err
	}
	m := d.NewMessage(s.Role, text)
	if err := d.AppendMessage(m); err != nil {
		return nil, err
	}
	return &StepResult{
		Success: true,
		Data:    map[string]any{"message_id": m.ID},
	}, nil
}
