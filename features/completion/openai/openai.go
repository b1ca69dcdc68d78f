// Package openai implements the completion contract on the OpenAI Chat
// Completions API via github.com/sashabaranov/go-openai, streaming deltas
// into the dialog's pending assistant stub.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parleyhq/parley/runtime/dialog"
	"github.com/parleyhq/parley/runtime/dialog/completion"
)

// DefaultMaxTokens caps completions when no override is configured.
const DefaultMaxTokens = 1024

// modelPrefixes are the identifiers this provider claims.
var modelPrefixes = []string{"gpt", "o1", "o3"}

type (
	// ChatClient captures the subset of the OpenAI client used by the
	// provider. Satisfied by *openai.Client; tests pass a mock.
	ChatClient interface {
		CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
	}

	// Options configures the provider.
	Options struct {
		// MaxTokens caps each completion. Defaults to DefaultMaxTokens.
		MaxTokens int
		// Temperature is applied when positive.
		Temperature float32
	}

	// Provider implements completion.Service for gpt/o1/o3 models.
	Provider struct {
		chat      ChatClient
		maxTokens int
		temp      float32
	}
)

// New builds a provider from an OpenAI chat client.
func New(chat ChatClient, opts Options) (*Provider, error) {
	if chat == nil {
		return nil, errors.New("openai chat client is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Provider{chat: chat, maxTokens: maxTokens, temp: opts.Temperature}, nil
}

// NewFromAPIKey builds a provider with the default OpenAI HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(openai.NewClient(apiKey), opts)
}

// Supports reports whether the dialog resolves to an OpenAI model.
func (p *Provider) Supports(d *dialog.Dialog) bool {
	model := completion.ModelFor(d)
	for _, prefix := range modelPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// Complete streams the chat completion into the latest pending assistant
// stub, invoking onDelta after each extension.
func (p *Provider) Complete(ctx context.Context, d *dialog.Dialog, onDelta completion.OnDelta) (*dialog.Message, error) {
	stub := d.LatestAssistantStub()
	if stub == nil {
		return nil, completion.ErrNoPendingStub
	}
	req, err := p.prepareRequest(d, stub)
	if err != nil {
		return nil, err
	}

	stream, err := p.chat.CreateChatCompletionStream(ctx, *req)
	if err != nil {
		stub.Status = dialog.MessageStatusFailed
		if onDelta != nil {
			onDelta(stub)
		}
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", completion.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai chat stream: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			stub.Status = dialog.MessageStatusFailed
			if onDelta != nil {
				onDelta(stub)
			}
			if isRateLimited(err) {
				return nil, fmt.Errorf("%w: %w", completion.ErrRateLimited, err)
			}
			return nil, fmt.Errorf("openai chat recv: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			stub.Text += delta
			if onDelta != nil {
				onDelta(stub)
			}
		}
	}

	stub.Status = dialog.MessageStatusDelivered
	if onDelta != nil {
		onDelta(stub)
	}
	return stub, nil
}

// prepareRequest converts the dialog history preceding the stub into a
// streaming chat completion request.
func (p *Provider) prepareRequest(d *dialog.Dialog, stub *dialog.Message) (*openai.ChatCompletionRequest, error) {
	modelID := stub.Model
	if modelID == "" {
		modelID = completion.ModelFor(d)
	}
	if modelID == "" {
		return nil, errors.New("openai: model identifier is required")
	}

	var msgs []openai.ChatCompletionMessage
	for _, m := range completion.History(d, stub) {
		role := ""
		switch m.Role {
		case dialog.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case dialog.RoleUser:
			role = openai.ChatMessageRoleUser
		case dialog.RoleAssistant:
			if m.Text == "" {
				continue
			}
			role = openai.ChatMessageRoleAssistant
		default:
			continue
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Text})
	}
	if len(msgs) == 0 {
		return nil, errors.New("openai: messages are required")
	}

	return &openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    msgs,
		MaxTokens:   p.maxTokens,
		Temperature: p.temp,
		Stream:      true,
	}, nil
}

func isRateLimited(err error) bool {
	var apiErr *openai.APIError
	return errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests
}
