// Package openai provides a runtime.ModerationClient implementation backed by
// the OpenAI Moderations API.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"chatforge/backend/internal/runtime"
)

// ModerationsClient captures the subset of the OpenAI SDK used by the adapter.
// It is satisfied by the SDK's ModerationService.
type ModerationsClient interface {
	New(ctx context.Context, body sdk.ModerationNewParams, opts ...option.RequestOption) (*sdk.ModerationNewResponse, error)
}

// Client implements runtime.ModerationClient via the OpenAI Moderations API.
type Client struct {
	moderations ModerationsClient
}

// New builds a moderation client from the provided Moderations client.
func New(moderations ModerationsClient) (*Client, error) {
	if moderations == nil {
		return nil, errors.New("openai moderations client is required")
	}
	return &Client{moderations: moderations}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Moderations)
}

// Classify runs text through the moderation model and reduces the response to
// a verdict.
func (c *Client) Classify(ctx context.Context, text string) (runtime.ModerationVerdict, error) {
	resp, err := c.moderations.New(ctx, sdk.ModerationNewParams{
		Input: sdk.ModerationNewParamsInputUnion{OfString: sdk.String(text)},
	})
	if err != nil {
		return runtime.ModerationVerdict{}, fmt.Errorf("openai moderations.new: %w", err)
	}
	if len(resp.Results) == 0 {
		return runtime.ModerationVerdict{}, nil
	}

	result := resp.Results[0]
	if !result.Flagged {
		return runtime.ModerationVerdict{}, nil
	}
	categories := flaggedCategories(result.Categories)
	return runtime.ModerationVerdict{
		Flagged:    true,
		Categories: categories,
		Reason:     strings.Join(categories, ", "),
	}, nil
}

// flaggedCategories extracts the names of the categories the model flagged.
// The SDK exposes categories as a fixed struct of booleans; a JSON round-trip
// collects the true ones without enumerating every field by hand.
func flaggedCategories(categories sdk.ModerationCategories) []string {
	raw, err := json.Marshal(categories)
	if err != nil {
		return nil
	}
	var byName map[string]bool
	if err := json.Unmarshal(raw, &byName); err != nil {
		return nil
	}
	var flagged []string
	for name, hit := range byName {
		if hit {
			flagged = append(flagged, name)
		}
	}
	sort.Strings(flagged)
	return flagged
}
