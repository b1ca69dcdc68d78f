// Package anthropic implements the completion contract on the Anthropic
// Claude Messages API. It streams deltas into the dialog's pending
// assistant stub via github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/parleyhq/parley/runtime/dialog"
	"github.com/parleyhq/parley/runtime/dialog/completion"
)

// DefaultMaxTokens caps completions when no override is configured.
const DefaultMaxTokens = 1024

type (
	// MessagesClient captures the subset of the Anthropic SDK used by the
	// provider. Satisfied by *sdk.MessageService; tests pass a mock.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the provider.
	Options struct {
		// MaxTokens caps each completion. Defaults to DefaultMaxTokens.
		MaxTokens int
		// Temperature is applied when positive.
		Temperature float64
	}

	// Provider implements completion.Service for claude-prefixed models.
	Provider struct {
		msg       MessagesClient
		maxTokens int64
		temp      float64
	}
)

// New builds a provider from an Anthropic Messages client.
func New(msg MessagesClient, opts Options) (*Provider, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Provider{
		msg:       msg,
		maxTokens: int64(maxTokens),
		temp:      opts.Temperature,
	}, nil
}

// NewFromAPIKey builds a provider with the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Messages, opts)
}

// Supports reports whether the dialog resolves to a Claude model.
func (p *Provider) Supports(d *dialog.Dialog) bool {
	return strings.HasPrefix(completion.ModelFor(d), "claude")
}

// Complete streams the model response into the latest pending assistant
// stub, invoking onDelta after each text extension, and transitions the
// stub pending to delivered (failed on error).
func (p *Provider) Complete(ctx context.Context, d *dialog.Dialog, onDelta completion.OnDelta) (*dialog.Message, error) {
	stub := d.LatestAssistantStub()
	if stub == nil {
		return nil, completion.ErrNoPendingStub
	}
	params, err := p.prepareRequest(d, stub)
	if err != nil {
		return nil, err
	}

	stream := p.msg.NewStreaming(ctx, *params)
	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				stub.Text += delta.Text
				if onDelta != nil {
					onDelta(stub)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		stub.Status = dialog.MessageStatusFailed
		if onDelta != nil {
			onDelta(stub)
		}
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", completion.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("anthropic messages stream: %w", err)
	}

	stub.Status = dialog.MessageStatusDelivered
	if onDelta != nil {
		onDelta(stub)
	}
	return stub, nil
}

// prepareRequest converts the dialog history preceding the stub into
// Messages API parameters. System-role messages populate the system
// blocks; everything else becomes a user or assistant turn.
func (p *Provider) prepareRequest(d *dialog.Dialog, stub *dialog.Message) (*sdk.MessageNewParams, error) {
	modelID := stub.Model
	if modelID == "" {
		modelID = completion.ModelFor(d)
	}
	if modelID == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}

	var (
		msgs   []sdk.MessageParam
		system []sdk.TextBlockParam
	)
	for _, m := range completion.History(d, stub) {
		switch m.Role {
		case dialog.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Text})
		case dialog.RoleUser:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Text)))
		case dialog.RoleAssistant:
			if m.Text != "" {
				msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Text)))
			}
		}
	}
	if len(msgs) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: p.maxTokens,
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = system
	}
	if p.temp > 0 {
		params.Temperature = sdk.Float(p.temp)
	}
	return &params, nil
}

func isRateLimited(err error) bool {
	var apierr *sdk.Error
	return errors.As(err, &apierr) && apierr.StatusCode == http.StatusTooManyRequests
}
