package dialog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDialogDefaults(t *testing.T) {
	tmpl := &Template{Name: "greet", Steps: []*Step{{Name: "hello", Type: StepMessage, Role: RoleSystem, Content: "hi", Enabled: true}}}
	d := New(tmpl, "desc", "goal", map[string]any{"topic": "go"})
	require.NotEmpty(t, d.ID)
	require.Equal(t, StatusPending, d.Status)
	require.Equal(t, StateStart, d.CurrentState)
	require.Equal(t, "go", d.WorkflowData.Variables["topic"])
	require.NotNil(t, d.WorkflowData.StepResults)
	require.NoError(t, d.Validate())
}

func TestNewDialogCopiesInitialVariables(t *testing.T) {
	initial := map[string]any{"a": 1}
	d := New(&Template{Name: "t"}, "", "", initial)
	initial["a"] = 2
	require.Equal(t, 1, d.WorkflowData.Variables["a"])
}

func TestNewMessageDefaults(t *testing.T) {
	d := New(&Template{Name: "t"}, "", "", nil)
	m := d.NewMessage(RoleUser, "hello")
	require.NotEmpty(t, m.ID)
	require.Equal(t, d.ID, m.DialogID)
	require.Equal(t, MessageStatusCreated, m.Status)
	require.Equal(t, DefaultMIMEType, m.MIMEType)
	require.False(t, m.Timestamp.IsZero())
}

func TestAppendMessageValidates(t *testing.T) {
	d := New(&Template{Name: "t"}, "", "", nil)
	bad := d.NewMessage(RoleAssistant, "reply")
	err := d.AppendMessage(bad)
	require.Error(t, err, "assistant messages require a model")
	require.Empty(t, d.Messages)

	bad.Model = "claude-3"
	require.NoError(t, d.AppendMessage(bad))
	require.Len(t, d.Messages, 1)
}

func TestLatestAssistantStub(t *testing.T) {
	d := New(&Template{Name: "t"}, "", "", nil)
	require.Nil(t, d.LatestAssistantStub())

	user := d.NewMessage(RoleUser, "question")
	require.NoError(t, d.AppendMessage(user))

	first := d.NewMessage(RoleAssistant, "done")
	first.Model = "claude-3"
	first.Status = MessageStatusDelivered
	require.NoError(t, d.AppendMessage(first))
	require.Nil(t, d.LatestAssistantStub())

	stub := d.NewMessage(RoleAssistant, "")
	stub.Model = "claude-3"
	stub.Status = MessageStatusPending
	require.NoError(t, d.AppendMessage(stub))
	require.Same(t, stub, d.LatestAssistantStub())
}

func TestModelForPrecedence(t *testing.T) {
	d := New(&Template{Name: "t", Model: "default-model"}, "", "", nil)
	require.Equal(t, "default-model", d.ModelFor(&Step{Name: "s"}))
	require.Equal(t, "override", d.ModelFor(&Step{Name: "s", Model: "override"}))
	require.Equal(t, "default-model", d.ModelFor(nil))
}

func TestDialogValidateRejectsUnknownStatus(t *testing.T) {
	d := New(&Template{Name: "t"}, "", "", nil)
	d.Status = Status("bogus")
	require.ErrorIs(t, d.Validate(), ErrInvalidStatus)
}

func TestDialogValidateRequiresWorkflowData(t *testing.T) {
	d := New(&Template{Name: "t"}, "", "", nil)
	d.WorkflowData = nil
	err := d.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "workflow_data", verr.Field)
}

func TestMessageValidate(t *testing.T) {
	m := &Message{DialogID: "d", Role: RoleUser, Status: MessageStatusCreated}
	require.NoError(t, m.Validate())

	m.Role = Role("other")
	require.Error(t, m.Validate())

	m.Role = RoleUser
	m.Status = MessageStatus("bogus")
	require.Error(t, m.Validate())

	m.Status = MessageStatusCreated
	m.DialogID = ""
	require.Error(t, m.Validate())
}

func TestWorkflowDataRecordError(t *testing.T) {
	w := &WorkflowData{}
	w.RecordError("first")
	w.RecordError("second")
	require.Equal(t, []string{"first", "second"}, w.Errors)
}

func TestWorkflowDataSetResult(t *testing.T) {
	w := &WorkflowData{}
	w.SetResult("step", map[string]any{"completed": true})
	require.Equal(t, true, w.StepResults["step"]["completed"])
}

func TestWorkflowDataMergeVariables(t *testing.T) {
	w := &WorkflowData{Variables: map[string]any{"a": "old", "b": "keep"}}
	w.MergeVariables(map[string]any{"a": "new", "c": "add"})
	require.Equal(t, "new", w.Variables["a"])
	require.Equal(t, "keep", w.Variables["b"])
	require.Equal(t, "add", w.Variables["c"])

	var empty WorkflowData
	empty.MergeVariables(nil)
	require.Nil(t, empty.Variables)
	empty.MergeVariables(map[string]any{"x": 1})
	require.Equal(t, 1, empty.Variables["x"])
}
