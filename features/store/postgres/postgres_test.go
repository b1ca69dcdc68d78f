package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/runtime/dialog"
	"github.com/parleyhq/parley/runtime/dialog/store"
)

// openTestStore connects to the database named by POSTGRES_URL, skipping
// the test when unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		t.Skip("POSTGRES_URL not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, s.EnsureSchema(ctx))
	t.Cleanup(func() { s.Close() })
	return s
}

func testDialog() *dialog.Dialog {
	tmpl := &dialog.Template{Name: "t", Steps: []*dialog.Step{
		{Name: "hello", Type: dialog.StepMessage, Role: dialog.RoleSystem, Content: "hi", Enabled: true},
	}}
	return dialog.New(tmpl, "integration", "", map[string]any{"key": "value"})
}

func cleanup(t *testing.T, s *Store, dialogID string) {
	t.Helper()
	t.Cleanup(func() {
		_, err := s.Conn().ExecContext(context.Background(), "DELETE FROM dialogs WHERE id = $1", dialogID)
		require.NoError(t, err)
	})
}

func TestPostgresCreateAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d := testDialog()
	cleanup(t, s, d.ID)

	require.NoError(t, s.Dialogs().Create(ctx, s.Conn(), d))
	require.False(t, d.CreatedAt.IsZero(), "created_at assigned by the store")

	got, err := s.Dialogs().GetByID(ctx, s.Conn(), d.ID)
	require.NoError(t, err)
	require.Equal(t, d.ID, got.ID)
	require.Equal(t, dialog.StatusPending, got.Status)
	require.Equal(t, "value", got.WorkflowData.Variables["key"])
	require.Equal(t, "t", got.Template.Name)

	_, err = s.Dialogs().GetByID(ctx, s.Conn(), "00000000-0000-0000-0000-000000000000")
	require.ErrorIs(t, err, store.ErrDialogNotFound)
}

func TestPostgresUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d := testDialog()
	cleanup(t, s, d.ID)
	require.NoError(t, s.Dialogs().Create(ctx, s.Conn(), d))

	status := dialog.StatusRunning
	state := "step_0"
	d.WorkflowData.Variables["added"] = "later"
	require.NoError(t, s.Dialogs().Update(ctx, s.Conn(), d.ID, store.DialogUpdate{
		Status:       &status,
		CurrentState: &state,
		WorkflowData: d.WorkflowData,
	}))

	got, err := s.Dialogs().GetByID(ctx, s.Conn(), d.ID)
	require.NoError(t, err)
	require.Equal(t, dialog.StatusRunning, got.Status)
	require.Equal(t, "step_0", got.CurrentState)
	require.Equal(t, "later", got.WorkflowData.Variables["added"])
	require.True(t, got.UpdatedAt.After(got.CreatedAt) || got.UpdatedAt.Equal(got.CreatedAt))

	require.ErrorIs(t,
		s.Dialogs().Update(ctx, s.Conn(), "00000000-0000-0000-0000-000000000000", store.DialogUpdate{Status: &status}),
		store.ErrDialogNotFound)
}

func TestPostgresMessagesUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d := testDialog()
	cleanup(t, s, d.ID)
	require.NoError(t, s.Dialogs().Create(ctx, s.Conn(), d))

	m := d.NewMessage(dialog.RoleUser, "first")
	require.NoError(t, s.Messages().Upsert(ctx, s.Conn(), m))

	m.Text = "first, extended"
	m.Status = dialog.MessageStatusDelivered
	require.NoError(t, s.Messages().Upsert(ctx, s.Conn(), m))

	msgs, err := s.Messages().GetByDialog(ctx, s.Conn(), d.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "upsert does not duplicate")
	require.Equal(t, "first, extended", msgs[0].Text)
	require.Equal(t, dialog.MessageStatusDelivered, msgs[0].Status)

	with, err := s.Dialogs().GetWithMessages(ctx, s.Conn(), d.ID)
	require.NoError(t, err)
	require.Len(t, with.Messages, 1)
}

func TestPostgresInTxRollback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d := testDialog()
	cleanup(t, s, d.ID)
	require.NoError(t, s.Dialogs().Create(ctx, s.Conn(), d))

	boom := errors.New("boom")
	err := s.InTx(ctx, func(conn store.Conn) error {
		status := dialog.StatusFailed
		if err := s.Dialogs().Update(ctx, conn, d.ID, store.DialogUpdate{Status: &status}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.Dialogs().GetByID(ctx, s.Conn(), d.ID)
	require.NoError(t, err)
	require.Equal(t, dialog.StatusPending, got.Status, "rolled back")
}

func TestPostgresFilterByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d := testDialog()
	cleanup(t, s, d.ID)
	require.NoError(t, s.Dialogs().Create(ctx, s.Conn(), d))

	status := dialog.StatusWaitingForInput
	require.NoError(t, s.Dialogs().Update(ctx, s.Conn(), d.ID, store.DialogUpdate{Status: &status}))

	waiting, err := s.Dialogs().FilterByStatus(ctx, s.Conn(), []dialog.Status{dialog.StatusWaitingForInput})
	require.NoError(t, err)
	var found bool
	for _, got := range waiting {
		if got.ID == d.ID {
			found = true
		}
	}
	require.True(t, found)
}

func TestPostgresHealthPinger(t *testing.T) {
	s := openTestStore(t)
	require.Equal(t, "postgres", s.Name())
	require.NoError(t, s.Ping(context.Background()))
}
