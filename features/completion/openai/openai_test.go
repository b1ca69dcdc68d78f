package openai

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	openai "github.com/sashabaranov/go-openai"

	"github.com/parleyhq/parley/runtime/dialog"
	"github.com/parleyhq/parley/runtime/dialog/completion"
)

type fakeChat struct {
	lastReq openai.ChatCompletionRequest
	err     error
}

func (f *fakeChat) CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error) {
	f.lastReq = req
	return nil, f.err
}

func gptDialog(t *testing.T, history ...*dialog.Message) *dialog.Dialog {
	t.Helper()
	d := dialog.New(&dialog.Template{Name: "t", Model: "gpt-4o"}, "", "", nil)
	d.Messages = append(d.Messages, history...)
	stub := d.NewMessage(dialog.RoleAssistant, "")
	stub.Model = "gpt-4o"
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
	p, err := New(&fakeChat{}, Options{})
	require.NoError(t, err)

	require.True(t, p.Supports(gptDialog(t)))
	for model, want := range map[string]bool{
		"gpt-4":         true,
		"o1-preview":    true,
		"o3-mini":       true,
		"claude-3":      false,
		"amazon.titan":  false,
		"mistral-large": false,
	} {
		d := dialog.New(&dialog.Template{Name: "t", Model: model}, "", "", nil)
		require.Equal(t, want, p.Supports(d), "model %s", model)
	}
}

func TestCompleteRequiresStub(t *testing.T) {
	p, err := New(&fakeChat{}, Options{})
	require.NoError(t, err)
	d := dialog.New(&dialog.Template{Name: "t", Model: "gpt-4"}, "", "", nil)
	_, err = p.Complete(context.Background(), d, nil)
	require.ErrorIs(t, err, completion.ErrNoPendingStub)
}

func TestCompleteStreamOpenError(t *testing.T) {
	client := &fakeChat{err: errors.New("dial tcp: refused")}
	p, err := New(client, Options{MaxTokens: 128, Temperature: 0.5})
	require.NoError(t, err)

	d := gptDialog(t, &dialog.Message{Role: dialog.RoleUser, DialogID: "d", Text: "hi", Status: dialog.MessageStatusDelivered})
	var failed bool
	_, err = p.Complete(context.Background(), d, func(m *dialog.Message) {
		failed = m.Status == dialog.MessageStatusFailed
	})
	require.Error(t, err)
	require.NotErrorIs(t, err, completion.ErrRateLimited)
	require.True(t, failed)

	require.Equal(t, "gpt-4o", client.lastReq.Model)
	require.Equal(t, 128, client.lastReq.MaxTokens)
	require.True(t, client.lastReq.Stream)
}

func TestCompleteRateLimited(t *testing.T) {
	client := &fakeChat{err: &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}}
	p, err := New(client, Options{})
	require.NoError(t, err)

	d := gptDialog(t, &dialog.Message{Role: dialog.RoleUser, DialogID: "d", Text: "hi", Status: dialog.MessageStatusDelivered})
	_, err = p.Complete(context.Background(), d, nil)
	require.ErrorIs(t, err, completion.ErrRateLimited)
}

func TestPrepareRequestRoleMapping(t *testing.T) {
	p, err := New(&fakeChat{}, Options{})
	require.NoError(t, err)

	d := gptDialog(t,
		&dialog.Message{Role: dialog.RoleSystem, DialogID: "d", Text: "be terse", Status: dialog.MessageStatusDelivered},
		&dialog.Message{Role: dialog.RoleUser, DialogID: "d", Text: "hello", Status: dialog.MessageStatusDelivered},
		&dialog.Message{Role: dialog.RoleAssistant, DialogID: "d", Model: "gpt-4o", Text: "", Status: dialog.MessageStatusDelivered},
		&dialog.Message{Role: dialog.RoleAssistant, DialogID: "d", Model: "gpt-4o", Text: "hi", Status: dialog.MessageStatusDelivered},
	)
	stub := d.LatestAssistantStub()
	req, err := p.prepareRequest(d, stub)
	require.NoError(t, err)
	require.Len(t, req.Messages, 3, "empty assistant turns are dropped")
	require.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	require.Equal(t, openai.ChatMessageRoleUser, req.Messages[1].Role)
	require.Equal(t, openai.ChatMessageRoleAssistant, req.Messages[2].Role)
}

func TestPrepareRequestRequiresMessages(t *testing.T) {
	p, err := New(&fakeChat{}, Options{})
	require.NoError(t, err)
	d := gptDialog(t)
	_, err = p.prepareRequest(d, d.LatestAssistantStub())
	require.Error(t, err)
}
