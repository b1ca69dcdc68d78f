package handler

import (
	"context"
	"fmt"

	"github.com/parleyhq/parley/runtime/dialog"
	"github.com/parleyhq/parley/runtime/dialog/completion"
)

// userInputVariable is the binding a user_input step consumes.
const userInputVariable = "user_input"

// UserInput consumes human-supplied input delivered via ProvideUserInput.
type UserInput struct {
	svc     completion.Service
	onDelta completion.OnDelta
}

// NewUserInput creates the user input step handler. The completion service
// is used only when the step configures a follow-on model call.
func NewUserInput(svc completion.Service, onDelta completion.OnDelta) *UserInput {
	return &UserInput{svc: svc, onDelta: onDelta}
}

// CanHandle reports ready when the user_input variable is bound.
func (h *UserInput) CanHandle(ctx context.Context, d *dialog.Dialog, s *dialog.Step) (Readiness, error) {
	if d.WorkflowData != nil {
		if _, ok := d.WorkflowData.Variables[userInputVariable]; ok {
			return Ready(), nil
		}
	}
	return Readiness{Missing: []string{userInputVariable}}, nil
}

// Handle pops the user_input variable and appends it as a user message.
// When the step names a model, an assistant stub is appended and the
// completion service runs. The input is re-exported as the step's
// user_input output so later steps can consume it.
func (h *UserInput) Handle(ctx context.Context, d *dialog.Dialog, s *dialog.Step) (*StepResult, error) {
	value := d.WorkflowData.Variables[userInputVariable]
	delete(d.WorkflowData.Variables, userInputVariable)

	text := ""
	if value != nil {
		if str, ok := value.(string); ok {
			text = str
		} else {
			text = fmt.Sprintf("%v", value)
		}
	}
	m := d.NewMessage(dialog.RoleUser, text)
	if err := d.AppendMessage(m); err != nil {
		return nil, err
	}

	data := map[string]any{"message_id": m.ID}
	if s.Model != "" {
		stub := d.NewMessage(dialog.RoleAssistant, "")
		stub.Model = s.Model
		stub.Status = dialog.MessageStatusPending
		if err := d.AppendMessage(stub); err != nil {
			return nil, err
		}
		reply, err := h.svc.Complete(ctx, d, h.onDelta)
		if err != nil {
			return nil, err
		}
		data["assistant_message_id"] = reply.ID
	}

	return &StepResult{
		Success: true,
		Data:    data,
		Outputs: map[string]any{userInputVariable: value},
	}, nil
}
