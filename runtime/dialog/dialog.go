// Package dialog defines the durable domain model for conversational
// workflows: immutable step Templates, running Dialog instances, their
// Messages, and the per-dialog WorkflowData document that carries the step
// cursor and variable bindings.
//
// Contract:
//   - A Dialog owns its Messages (cascade delete at the store level).
//   - A Dialog embeds a snapshot of the Template it was instantiated from, so
//     template edits at rest never alter running dialogs.
//   - Messages are append-mostly: the only mutations are status transitions
//     and text extension during completion streaming.
package dialog

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a dialog.
type Status string

const (
	// StatusPending indicates the dialog has been created but not started yet.
	StatusPending Status = "pending"
	// StatusRunning indicates the dialog is actively executing steps.
	StatusRunning Status = "running"
	// StatusPaused indicates execution is paused by an external actor.
	StatusPaused Status = "paused"
	// StatusCompleted indicates the dialog finished all enabled steps.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the dialog failed permanently.
	StatusFailed Status = "failed"
	// StatusWaitingForInput indicates the dialog is suspended awaiting
	// human-supplied variables.
	StatusWaitingForInput Status = "waiting_for_input"
)

// Role identifies the author of a message.
type Role string

const (
	// RoleSystem marks system-authored messages.
	RoleSystem Role = "system"
	// RoleUser marks user-authored messages.
	RoleUser Role = "user"
	// RoleAssistant marks model-authored messages.
	RoleAssistant Role = "assistant"
)

// MessageStatus represents the delivery state of a message.
type MessageStatus string

const (
	// MessageStatusCreated marks a message appended locally, not yet observable.
	MessageStatusCreated MessageStatus = "created"
	// MessageStatusPending marks a message awaiting completion or delivery.
	MessageStatusPending MessageStatus = "pending"
	// MessageStatusDelivered marks a fully delivered message.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusFailed marks a message whose production failed.
	MessageStatusFailed MessageStatus = "failed"
)

// StateStart and StateEnd are the fixed boundary state labels of every
// dialog state machine; intermediate states are derived from step indexes.
const (
	StateStart = "start"
	StateEnd   = "end"
)

// DefaultMIMEType is the MIME type assigned to messages that do not declare one.
const DefaultMIMEType = "text/plain"

var (
	// ErrInvalidStatus indicates a status value outside the known lifecycle set.
	ErrInvalidStatus = errors.New("invalid dialog status")
)

type (
	// Dialog is one running or completed instance of a Template.
	Dialog struct {
		// ID is the durable UUID identifier of the dialog.
		ID string `json:"id"`
		// Description optionally describes the dialog for operators.
		Description string `json:"description,omitempty"`
		// Goal optionally states what the dialog is trying to achieve.
		Goal string `json:"goal,omitempty"`
		// Status is the current lifecycle state.
		Status Status `json:"status"`
		// CurrentState is the state-machine label, "start" before the first
		// advance and "end" after the last.
		CurrentState string `json:"current_state"`
		// WorkflowData carries the step cursor, results and variable bindings.
		WorkflowData *WorkflowData `json:"workflow_data"`
		// Template is the embedded snapshot the dialog was instantiated from.
		Template *Template `json:"template"`
		// Error holds the terminal error string when Status is failed.
		Error string `json:"error,omitempty"`
		// CreatedAt and UpdatedAt are store-assigned timestamps.
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`

		// Messages is the ordered message log, loaded on demand.
		Messages []*Message `json:"-"`
	}

	// Message is one entry in a dialog's append-mostly message log.
	Message struct {
		// ID is the durable UUID identifier of the message.
		ID string `json:"id"`
		// ParentID links threaded chains; empty for the first message.
		ParentID string `json:"parent_id,omitempty"`
		// DialogID is the owning dialog.
		DialogID string `json:"dialog_id"`
		// Role identifies the author.
		Role Role `json:"role"`
		// Model is the model identifier; required for assistant messages.
		Model string `json:"model,omitempty"`
		// Text is the message payload.
		Text string `json:"text"`
		// Status is the delivery state.
		Status MessageStatus `json:"status"`
		// MIMEType describes the payload encoding. Defaults to text/plain.
		MIMEType string `json:"mime_type"`
		// Timestamp orders messages within a dialog.
		Timestamp time.Time `json:"timestamp"`
		// Extra holds free-form metadata.
		Extra map[string]any `json:"extra,omitempty"`
	}

	// WorkflowData is the mutable per-dialog document embedded in the dialog
	// row. It is the single source of truth for resumption: re-running a
	// partially completed advance resumes from CurrentStepIndex.
	WorkflowData struct {
		// CurrentStepIndex is the cursor into the template's enabled steps.
		CurrentStepIndex int `json:"current_step_index"`
		// StepResults maps step name to the result document recorded on success.
		StepResults map[string]map[string]any `json:"step_results,omitempty"`
		// Variables holds the named bindings handlers read and write.
		Variables map[string]any `json:"variables,omitempty"`
		// Errors accumulates handler error messages in occurrence order.
		Errors []string `json:"errors,omitempty"`
		// MissingVariables lists the variables a suspension is waiting on,
		// in declaration order.
		MissingVariables []string `json:"missing_variables,omitempty"`
		// UserInput is a scratch field for raw user input in transit.
		UserInput any `json:"user_input,omitempty"`
	}

	// ValidationError reports a dialog or message constraint violation.
	ValidationError struct {
		// Field names the offending field.
		Field string
		// Reason describes the violation.
		Reason string
	}
)

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// New creates a pending dialog from a template snapshot. The template is
// embedded as given; callers pass a copy when the source template is shared.
// Initial variables seed WorkflowData.Variables.
func New(t *Template, description, goal string, initial map[string]any) *Dialog {
	vars := make(map[string]any, len(initial))
	for k, v := range initial {
		vars[k] = v
	}
	return &Dialog{
		ID:           uuid.NewString(),
		Description:  description,
		Goal:         goal,
		Status:       StatusPending,
		CurrentState: StateStart,
		WorkflowData: &WorkflowData{
			StepResults: make(map[string]map[string]any),
			Variables:   vars,
		},
		Template: t,
	}
}

// NewMessage builds a message owned by the dialog with defaults applied:
// a fresh UUID, status created, MIME type text/plain and a UTC timestamp.
func (d *Dialog) NewMessage(role Role, text string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		DialogID:  d.ID,
		Role:      role,
		Text:      text,
		Status:    MessageStatusCreated,
		MIMEType:  DefaultMIMEType,
		Timestamp: time.Now().UTC(),
	}
}

// AppendMessage validates the message and appends it to the in-memory log.
// Persistence happens on the next save.
func (d *Dialog) AppendMessage(m *Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	d.Messages = append(d.Messages, m)
	return nil
}

// LatestAssistantStub returns the most recent pending assistant message, or
// nil when none exists. The completion service streams text into this stub.
func (d *Dialog) LatestAssistantStub() *Message {
	for i := len(d.Messages) - 1; i >= 0; i-- {
		m := d.Messages[i]
		if m.Role == RoleAssistant && m.Status == MessageStatusPending {
			return m
		}
	}
	return nil
}

// ModelFor resolves the model identifier for a step: the step override when
// present, the template default otherwise.
func (d *Dialog) ModelFor(s *Step) string {
	if s != nil && s.Model != "" {
		return s.Model
	}
	if d.Template != nil {
		return d.Template.Model
	}
	return ""
}

// Validate checks dialog-level invariants: status membership, workflow data
// presence and message validity.
func (d *Dialog) Validate() error {
	switch d.Status {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusWaitingForInput:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, d.Status)
	}
	if d.WorkflowData == nil {
		return &ValidationError{Field: "workflow_data", Reason: "required"}
	}
	for _, m := range d.Messages {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks message invariants. Assistant messages must carry a model
// identifier.
func (m *Message) Validate() error {
	if m.DialogID == "" {
		return &ValidationError{Field: "dialog_id", Reason: "required"}
	}
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant:
	default:
		return &ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", m.Role)}
	}
	if m.Role == RoleAssistant && m.Model == "" {
		return &ValidationError{Field: "model", Reason: "assistant messages require a model"}
	}
	switch m.Status {
	case MessageStatusCreated, MessageStatusPending, MessageStatusDelivered, MessageStatusFailed:
	default:
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", m.Status)}
	}
	return nil
}

// RecordError appends a handler error message to the workflow data.
func (w *WorkflowData) RecordError(msg string) {
	w.Errors = append(w.Errors, msg)
}

// SetResult records the result document for a completed step.
func (w *WorkflowData) SetResult(stepName string, result map[string]any) {
	if w.StepResults == nil {
		w.StepResults = make(map[string]map[string]any)
	}
	w.StepResults[stepName] = result
}

// MergeVariables overlays the given map onto the variable bindings.
func (w *WorkflowData) MergeVariables(vars map[string]any) {
	if len(vars) == 0 {
		return
	}
	if w.Variables == nil {
		w.Variables = make(map[string]any, len(vars))
	}
	for k, v := range vars {
		w.Variables[k] = v
	}
}
