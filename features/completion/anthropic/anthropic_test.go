package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/runtime/dialog"
	"github.com/parleyhq/parley/runtime/dialog/completion"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil {
		return false
	}
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

type fakeMessages struct {
	lastParams sdk.MessageNewParams
	stream     *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (f *fakeMessages) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	return nil, errors.New("not used")
}

func (f *fakeMessages) NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	f.lastParams = body
	return f.stream
}

func textDeltaEvent(t *testing.T, text string) ssestream.Event {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]any{"type": "text_delta", "text": text},
	})
	require.NoError(t, err)
	return ssestream.Event{Type: "content_block_delta", Data: raw}
}

func claudeDialog(t *testing.T, history ...*dialog.Message) *dialog.Dialog {
	t.Helper()
	d := dialog.New(&dialog.Template{Name: "t", Model: "claude-3-5-sonnet"}, "", "", nil)
	d.Messages = append(d.Messages, history...)
	stub := d.NewMessage(dialog.RoleAssistant, "")
	stub.Model = "claude-3-5-sonnet"
	stub.Status = dialog.MessageStatusPending
	d.Messages = append(d.Messages, stub)
	return d
}

func TestNewValidatesClient(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)
	_, err = NewFromAPIKey("", Options{})
	require.Error(t, err)
}

func TestSupports(t *testing.T) {
	p, err := New(&fakeMessages{}, Options{})
	require.NoError(t, err)
	require.True(t, p.Supports(claudeDialog(t)))

	other := dialog.New(&dialog.Template{Name: "t", Model: "gpt-4"}, "", "", nil)
	require.False(t, p.Supports(other))
}

func TestCompleteStreamsDeltas(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		textDeltaEvent(t, "Hello"),
		textDeltaEvent(t, ", world"),
	}}
	client := &fakeMessages{stream: ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)}
	p, err := New(client, Options{MaxTokens: 256, Temperature: 0.2})
	require.NoError(t, err)

	d := claudeDialog(t, &dialog.Message{Role: dialog.RoleUser, DialogID: "d", Text: "hi", Status: dialog.MessageStatusDelivered})
	var deltas []string
	msg, err := p.Complete(context.Background(), d, func(m *dialog.Message) {
		deltas = append(deltas, m.Text)
	})
	require.NoError(t, err)
	require.Equal(t, "Hello, world", msg.Text)
	require.Equal(t, dialog.MessageStatusDelivered, msg.Status)
	require.Equal(t, []string{"Hello", "Hello, world", "Hello, world"}, deltas)

	require.Equal(t, sdk.Model("claude-3-5-sonnet"), client.lastParams.Model)
	require.EqualValues(t, 256, client.lastParams.MaxTokens)
}

func TestCompleteStreamError(t *testing.T) {
	streamErr := errors.New("connection reset")
	client := &fakeMessages{stream: ssestream.NewStream[sdk.MessageStreamEventUnion](nil, streamErr)}
	p, err := New(client, Options{})
	require.NoError(t, err)

	d := claudeDialog(t, &dialog.Message{Role: dialog.RoleUser, DialogID: "d", Text: "hi", Status: dialog.MessageStatusDelivered})
	_, err = p.Complete(context.Background(), d, nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, completion.ErrRateLimited)
	require.Equal(t, dialog.MessageStatusFailed, d.Messages[len(d.Messages)-1].Status)
}

func TestCompleteRateLimited(t *testing.T) {
	apiErr := &sdk.Error{StatusCode: http.StatusTooManyRequests}
	client := &fakeMessages{stream: ssestream.NewStream[sdk.MessageStreamEventUnion](nil, apiErr)}
	p, err := New(client, Options{})
	require.NoError(t, err)

	d := claudeDialog(t, &dialog.Message{Role: dialog.RoleUser, DialogID: "d", Text: "hi", Status: dialog.MessageStatusDelivered})
	_, err = p.Complete(context.Background(), d, nil)
	require.ErrorIs(t, err, completion.ErrRateLimited)
}

func TestCompleteRequiresStub(t *testing.T) {
	p, err := New(&fakeMessages{}, Options{})
	require.NoError(t, err)
	d := dialog.New(&dialog.Template{Name: "t", Model: "claude-3"}, "", "", nil)
	_, err = p.Complete(context.Background(), d, nil)
	require.ErrorIs(t, err, completion.ErrNoPendingStub)
}

func TestPrepareRequestSplitsSystemMessages(t *testing.T) {
	p, err := New(&fakeMessages{}, Options{})
	require.NoError(t, err)

	d := claudeDialog(t,
		&dialog.Message{Role: dialog.RoleSystem, DialogID: "d", Text: "be terse", Status: dialog.MessageStatusDelivered},
		&dialog.Message{Role: dialog.RoleUser, DialogID: "d", Text: "hello", Status: dialog.MessageStatusDelivered},
		&dialog.Message{Role: dialog.RoleAssistant, DialogID: "d", Model: "claude-3", Text: "", Status: dialog.MessageStatusDelivered},
		&dialog.Message{Role: dialog.RoleAssistant, DialogID: "d", Model: "claude-3", Text: "hi there", Status: dialog.MessageStatusDelivered},
	)
	stub := d.LatestAssistantStub()
	params, err := p.prepareRequest(d, stub)
	require.NoError(t, err)
	require.Len(t, params.System, 1)
	require.Equal(t, "be terse", params.System[0].Text)
	require.Len(t, params.Messages, 2, "empty assistant turns are dropped")
}

func TestPrepareRequestRequiresMessages(t *testing.T) {
	p, err := New(&fakeMessages{}, Options{})
	require.NoError(t, err)
	d := claudeDialog(t)
	stub := d.LatestAssistantStub()
	_, err = p.prepareRequest(d, stub)
	require.Error(t, err)
}
