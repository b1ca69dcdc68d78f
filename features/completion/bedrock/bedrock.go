// Package bedrock implements the completion contract on the AWS Bedrock
// Converse API. Bedrock requests are single-shot: the full response text is
// delivered in one onDelta invocation rather than streamed per token.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/parleyhq/parley/runtime/dialog"
	"github.com/parleyhq/parley/runtime/dialog/completion"
)

// DefaultMaxTokens caps completions when no override is configured.
const DefaultMaxTokens = 1024

type (
	// RuntimeClient mirrors the subset of the Bedrock runtime client the
	// provider needs. Satisfied by *bedrockruntime.Client.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the provider.
	Options struct {
		// MaxTokens caps each completion. Defaults to DefaultMaxTokens.
		MaxTokens int
		// Temperature is applied when positive.
		Temperature float32
	}

	// Provider implements completion.Service for vendor-dotted Bedrock
	// model ids such as anthropic.claude-3 or amazon.titan.
	Provider struct {
		runtime   RuntimeClient
		maxTokens int32
		temp      float32
	}
)

// New builds a provider from a Bedrock runtime client.
func New(runtime RuntimeClient, opts Options) (*Provider, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Provider{
		runtime:   runtime,
		maxTokens: int32(maxTokens),
		temp:      opts.Temperature,
	}, nil
}

// Supports reports whether the dialog resolves to a vendor-dotted Bedrock
// model id.
func (p *Provider) Supports(d *dialog.Dialog) bool {
	return strings.Contains(completion.ModelFor(d), ".")
}

// Complete issues a Converse request with the dialog history and writes
// the full response text into the latest pending assistant stub.
func (p *Provider) Complete(ctx context.Context, d *dialog.Dialog, onDelta completion.OnDelta) (*dialog.Message, error) {
	stub := d.LatestAssistantStub()
	if stub == nil {
		return nil, completion.ErrNoPendingStub
	}
	input, err := p.prepareRequest(d, stub)
	if err != nil {
		return nil, err
	}

	output, err := p.runtime.Converse(ctx, input)
	if err != nil {
		stub.Status = dialog.MessageStatusFailed
		if onDelta != nil {
			onDelta(stub)
		}
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", completion.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("bedrock converse: %w", err)
	}

	stub.Text = extractText(output)
	stub.Status = dialog.MessageStatusDelivered
	if onDelta != nil {
		onDelta(stub)
	}
	return stub, nil
}

// prepareRequest splits system messages from conversational turns and
// builds the Converse input.
func (p *Provider) prepareRequest(d *dialog.Dialog, stub *dialog.Message) (*bedrockruntime.ConverseInput, error) {
	modelID := stub.Model
	if modelID == "" {
		modelID = completion.ModelFor(d)
	}
	if modelID == "" {
		return nil, errors.New("bedrock: model identifier is required")
	}

	var (
		msgs   []brtypes.Message
		system []brtypes.SystemContentBlock
	)
	for _, m := range completion.History(d, stub) {
		switch m.Role {
		case dialog.RoleSystem:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Text})
		case dialog.RoleUser:
			msgs = append(msgs, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Text}},
			})
		case dialog.RoleAssistant:
			if m.Text == "" {
				continue
			}
			msgs = append(msgs, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Text}},
			})
		}
	}
	if len(msgs) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}

	cfg := &brtypes.InferenceConfiguration{MaxTokens: aws.Int32(p.maxTokens)}
	if p.temp > 0 {
		cfg.Temperature = aws.Float32(p.temp)
	}
	return &bedrockruntime.ConverseInput{
		ModelId:         aws.String(modelID),
		Messages:        msgs,
		System:          system,
		InferenceConfig: cfg,
	}, nil
}

// extractText concatenates the text blocks of the response message.
func extractText(output *bedrockruntime.ConverseOutput) string {
	msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return ""
	}
	var sb strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
			sb.WriteString(text.Value)
		}
	}
	return sb.String()
}

func isRateLimited(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests
}
