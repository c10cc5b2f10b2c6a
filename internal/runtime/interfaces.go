package runtime

import (
	"context"

	"chatforge/backend/pkg/models"
)

// Chat roles used when assembling provider messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn passed to the language-model provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SamplingParams are the fixed sampling parameters for model calls.
type SamplingParams struct {
	MaxTokens   int
	Temperature float64
}

// ModelClient is the language-model provider capability. Implementations live
// under internal/providers; the engine treats completion as a black box.
type ModelClient interface {
	Complete(ctx context.Context, messages []Message, params SamplingParams) (string, error)
}

// ModerationVerdict is the classification outcome for a piece of text.
type ModerationVerdict struct {
	Flagged    bool     `json:"flagged"`
	Categories []string `json:"categories,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// ModerationClient classifies text for policy violations. Provider failures
// are handled fail-open by the engine, never by the client.
type ModerationClient interface {
	Classify(ctx context.Context, text string) (ModerationVerdict, error)
}

// KnowledgeResult is one piece of retrieved knowledge content.
type KnowledgeResult struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// KnowledgeConnector queries the bound knowledge sources for a tenant. A
// single source's failure must not fail the whole query; partial results are
// acceptable.
type KnowledgeConnector interface {
	GetKnowledge(ctx context.Context, query string, sources []models.KnowledgeSource, tenantID string) ([]KnowledgeResult, error)
}

// Broadcaster is the realtime transport used to announce hot-swap and unload
// events to connected editors. Delivery is best-effort and never required for
// the correctness of the swap itself.
type Broadcaster interface {
	BroadcastToTenant(tenantID, event string, payload any) error
}
