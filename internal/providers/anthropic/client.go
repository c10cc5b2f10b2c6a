// Package anthropic provides a runtime.ModelClient implementation backed by
// the Anthropic Claude Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"chatforge/backend/internal/runtime"
)

// MessagesClient captures the subset of the Anthropic SDK client used by the
// adapter. It is satisfied by *sdk.MessageService so callers can pass either a
// real client or a mock in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Client implements runtime.ModelClient on top of Anthropic Claude Messages.
type Client struct {
	msg   MessagesClient
	model string
}

// New builds a client from the provided Anthropic Messages client.
func New(msg MessagesClient, model string) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if model == "" {
		return nil, errors.New("model identifier is required")
	}
	return &Client{msg: msg, model: model}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, model)
}

// Complete issues a non-streaming Messages.New request and returns the
// concatenated text of the response.
func (c *Client) Complete(ctx context.Context, messages []runtime.Message, params runtime.SamplingParams) (string, error) {
	body, err := c.encodeRequest(messages, params)
	if err != nil {
		return "", err
	}
	msg, err := c.msg.New(ctx, *body)
	if err != nil {
		return "", fmt.Errorf("anthropic messages.new: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Text != "" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}

// encodeRequest maps chat turns onto the Messages API shape: system turns
// become system blocks, everything else stays in the conversation.
func (c *Client) encodeRequest(messages []runtime.Message, params runtime.SamplingParams) (*sdk.MessageNewParams, error) {
	var system []sdk.TextBlockParam
	conversation := make([]sdk.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case runtime.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case runtime.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case runtime.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, errors.New("anthropic: at least one user/assistant message is required")
	}

	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		return nil, errors.New("anthropic: max_tokens must be positive")
	}
	body := &sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
		Model:     sdk.Model(c.model),
	}
	if len(system) > 0 {
		body.System = system
	}
	if params.Temperature > 0 {
		body.Temperature = sdk.Float(params.Temperature)
	}
	return body, nil
}
