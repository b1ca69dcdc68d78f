package completion

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/runtime/dialog"
)

type fakeProvider struct {
	prefix string
	reply  string
	calls  int
}

func (p *fakeProvider) Supports(d *dialog.Dialog) bool {
	return strings.HasPrefix(ModelFor(d), p.prefix)
}

func (p *fakeProvider) Complete(ctx context.Context, d *dialog.Dialog, onDelta OnDelta) (*dialog.Message, error) {
	p.calls++
	stub := d.LatestAssistantStub()
	if stub == nil {
		return nil, ErrNoPendingStub
	}
	stub.Text = p.reply
	stub.Status = dialog.MessageStatusDelivered
	if onDelta != nil {
		onDelta(stub)
	}
	return stub, nil
}

func dialogWithStub(model string) *dialog.Dialog {
	d := dialog.New(&dialog.Template{Name: "t", Model: model}, "", "", nil)
	stub := d.NewMessage(dialog.RoleAssistant, "")
	stub.Model = model
	stub.Status = dialog.MessageStatusPending
	d.Messages = append(d.Messages, stub)
	return d
}

func TestChainFirstSupportingProviderWins(t *testing.T) {
	claude := &fakeProvider{prefix: "claude", reply: "from claude"}
	gpt := &fakeProvider{prefix: "gpt", reply: "from gpt"}
	chain := NewChain(claude, gpt)

	d := dialogWithStub("gpt-4")
	require.True(t, chain.Supports(d))

	msg, err := chain.Complete(context.Background(), d, nil)
	require.NoError(t, err)
	require.Equal(t, "from gpt", msg.Text)
	require.Equal(t, 0, claude.calls)
	require.Equal(t, 1, gpt.calls)
}

func TestChainNoProvider(t *testing.T) {
	chain := NewChain(&fakeProvider{prefix: "claude"})
	d := dialogWithStub("mistral-7b")
	require.False(t, chain.Supports(d))
	_, err := chain.Complete(context.Background(), d, nil)
	require.ErrorIs(t, err, ErrNoProvider)
}

func TestModelFor(t *testing.T) {
	d := dialog.New(&dialog.Template{Name: "t", Model: "default"}, "", "", nil)
	require.Equal(t, "default", ModelFor(d))

	stub := d.NewMessage(dialog.RoleAssistant, "")
	stub.Model = "override"
	stub.Status = dialog.MessageStatusPending
	d.Messages = append(d.Messages, stub)
	require.Equal(t, "override", ModelFor(d))
}

func TestHistoryStopsAtStub(t *testing.T) {
	d := dialog.New(&dialog.Template{Name: "t", Model: "m"}, "", "", nil)
	first := d.NewMessage(dialog.RoleSystem, "rules")
	second := d.NewMessage(dialog.RoleUser, "question")
	d.Messages = append(d.Messages, first, second)

	stub := d.NewMessage(dialog.RoleAssistant, "")
	stub.Model = "m"
	stub.Status = dialog.MessageStatusPending
	d.Messages = append(d.Messages, stub)

	history := History(d, stub)
	require.Len(t, history, 2)
	require.Same(t, first, history[0])
	require.Same(t, second, history[1])
}
