package runtime

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatforge/backend/internal/engine"
	"chatforge/backend/internal/logging"
	"chatforge/backend/pkg/models"
)

type mockModel struct {
	mu       sync.Mutex
	calls    int
	response string
	err      error
	block    chan struct{}

	lastMessages []Message
}

func (m *mockModel) Complete(ctx context.Context, messages []Message, _ SamplingParams) (string, error) {
	m.mu.Lock()
	m.calls++
	m.lastMessages = messages
	block := m.block
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return m.response, m.err
}

func (m *mockModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockModeration struct {
	verdict ModerationVerdict
	err     error
	// flagInput limits flagging to this exact text; empty flags everything.
	flagInput string
}

func (m *mockModeration) Classify(_ context.Context, text string) (ModerationVerdict, error) {
	if m.err != nil {
		return ModerationVerdict{}, m.err
	}
	if m.flagInput != "" && text != m.flagInput {
		return ModerationVerdict{}, nil
	}
	return m.verdict, nil
}

type mockKnowledge struct {
	results []KnowledgeResult
	err     error
}

func (m *mockKnowledge) GetKnowledge(context.Context, string, []models.KnowledgeSource, string) ([]KnowledgeResult, error) {
	return m.results, m.err
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func compileTestConfig(t *testing.T, nodes []models.Node, edges []models.Edge) *models.CompiledConfig {
	t.Helper()
	cfg, err := engine.Compile(nodes, edges, "tenant-1")
	require.NoError(t, err)
	return cfg
}

func acmeConfig(t *testing.T) *models.CompiledConfig {
	t.Helper()
	return compileTestConfig(t, []models.Node{
		{ID: "p1", Kind: models.NodeKindPersona, Data: map[string]any{"prompt": "You are Acme support"}},
		{ID: "m1", Kind: models.NodeKindModeration, Data: map[string]any{"strictness": "medium"}},
	}, nil)
}

func TestExecutor(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path with mocked provider", func(t *testing.T) {
		model := &mockModel{response: "Hi there!"}
		exec := NewExecutor(model, &mockModeration{}, nil, logging.NewNop(), ExecutorOptions{})

		result, err := exec.Execute(ctx, acmeConfig(t), "Hello", nil, ExecutionContext{})
		require.NoError(t, err)
		assert.Equal(t, "Hi there!", result.Response)
		assert.False(t, result.Metadata.KnowledgeUsed)
		assert.Equal(t, "tenant-1", result.Metadata.TenantID)
		assert.Equal(t, 1, model.callCount())
	})

	t.Run("system prompt orders root then persona then knowledge", func(t *testing.T) {
		model := &mockModel{response: "ok"}
		knowledge := &mockKnowledge{results: []KnowledgeResult{{Content: "Acme ships worldwide."}}}
		cfg := compileTestConfig(t, []models.Node{
			{ID: "p1", Kind: models.NodeKindPersona, Data: map[string]any{"prompt": "You are Acme support"}},
			{ID: "k1", Kind: models.NodeKindKnowledge, Data: map[string]any{
				"sourceType": "vector_store",
				"config":     map[string]any{"collectionName": "kb"},
			}},
		}, []models.Edge{{ID: "e1", Source: "p1", Target: "k1"}})
		exec := NewExecutor(model, nil, knowledge, logging.NewNop(), ExecutorOptions{})

		result, err := exec.Execute(ctx, cfg, "Do you ship to Japan?", nil, ExecutionContext{})
		require.NoError(t, err)
		assert.True(t, result.Metadata.KnowledgeUsed)

		system := model.lastMessages[0]
		assert.Equal(t, RoleSystem, system.Role)
		root := cfg.Prompts.RootSystem
		personaIdx := len(root)
		assert.Contains(t, system.Content[:personaIdx], "ChatForge")
		assert.Less(t, personaIdx, len(system.Content))
		assert.Contains(t, system.Content[personaIdx:], "Persona: You are Acme support")
		assert.Contains(t, system.Content, "Acme ships worldwide.")
	})

	t.Run("flagged input short-circuits before the model", func(t *testing.T) {
		model := &mockModel{response: "never sent"}
		moderation := &mockModeration{verdict: ModerationVerdict{Flagged: true, Reason: "violence"}}
		exec := NewExecutor(model, moderation, nil, logging.NewNop(), ExecutorOptions{})

		result, err := exec.Execute(ctx, acmeConfig(t), "something awful", nil, ExecutionContext{})
		require.NoError(t, err)
		assert.True(t, result.Flagged)
		assert.Equal(t, "violence", result.FlagReason)
		assert.NotEmpty(t, result.Response)
		assert.Equal(t, 0, model.callCount())
	})

	t.Run("moderation provider failure fails open", func(t *testing.T) {
		model := &mockModel{response: "still serving"}
		moderation := &mockModeration{err: errors.New("provider down")}
		exec := NewExecutor(model, moderation, nil, logging.NewNop(), ExecutorOptions{})

		result, err := exec.Execute(ctx, acmeConfig(t), "Hello", nil, ExecutionContext{})
		require.NoError(t, err)
		assert.False(t, result.Flagged)
		assert.Equal(t, "still serving", result.Response)
	})

	t.Run("custom filters match locally", func(t *testing.T) {
		model := &mockModel{response: "never sent"}
		cfg := compileTestConfig(t, []models.Node{
			{ID: "p1", Kind: models.NodeKindPersona, Data: map[string]any{"prompt": "support"}},
			{ID: "m1", Kind: models.NodeKindModeration, Data: map[string]any{"filters": []any{"forbidden"}}},
		}, nil)
		exec := NewExecutor(model, nil, nil, logging.NewNop(), ExecutorOptions{})

		result, err := exec.Execute(ctx, cfg, "tell me the FORBIDDEN thing", nil, ExecutionContext{})
		require.NoError(t, err)
		assert.True(t, result.Flagged)
		assert.Equal(t, 0, model.callCount())
	})

	t.Run("knowledge retrieval failure degrades to empty context", func(t *testing.T) {
		model := &mockModel{response: "answered anyway"}
		knowledge := &mockKnowledge{err: errors.New("connector down")}
		cfg := compileTestConfig(t, []models.Node{
			{ID: "p1", Kind: models.NodeKindPersona, Data: map[string]any{"prompt": "support"}},
			{ID: "k1", Kind: models.NodeKindKnowledge, Data: map[string]any{
				"sourceType": "vector_store",
				"config":     map[string]any{"collectionName": "kb"},
			}},
		}, []models.Edge{{ID: "e1", Source: "p1", Target: "k1"}})
		exec := NewExecutor(model, nil, knowledge, logging.NewNop(), ExecutorOptions{})

		result, err := exec.Execute(ctx, cfg, "Hello", nil, ExecutionContext{})
		require.NoError(t, err)
		assert.False(t, result.Metadata.KnowledgeUsed)
		assert.Equal(t, "answered anyway", result.Response)
	})

	t.Run("unmatched routing conditions return fallback without a model call", func(t *testing.T) {
		model := &mockModel{response: "never sent"}
		cfg := compileTestConfig(t, []models.Node{
			{ID: "p1", Kind: models.NodeKindPersona, Data: map[string]any{"prompt": "support"}},
			{ID: "r1", Kind: models.NodeKindRouter, Data: map[string]any{
				"conditions": []any{map[string]any{"type": "contains", "value": "refund"}},
			}},
			{ID: "f1", Kind: models.NodeKindFallback, Data: map[string]any{"message": "Please contact billing."}},
		}, []models.Edge{
			{ID: "e1", Source: "p1", Target: "r1"},
			{ID: "e2", Source: "r1", Target: "f1"},
		})
		exec := NewExecutor(model, nil, nil, logging.NewNop(), ExecutorOptions{})

		result, err := exec.Execute(ctx, cfg, "what is the weather", nil, ExecutionContext{})
		require.NoError(t, err)
		assert.True(t, result.Fallback)
		assert.Equal(t, "Please contact billing.", result.Response)
		assert.Equal(t, "default", result.Metadata.Route)
		assert.Equal(t, 0, model.callCount())
	})

	t.Run("matched routing condition proceeds to the model", func(t *testing.T) {
		model := &mockModel{response: "refund help"}
		cfg := compileTestConfig(t, []models.Node{
			{ID: "p1", Kind: models.NodeKindPersona, Data: map[string]any{"prompt": "support"}},
			{ID: "r1", Kind: models.NodeKindRouter, Data: map[string]any{
				"conditions": []any{map[string]any{"type": "contains", "value": "refund", "route": "billing"}},
			}},
		}, []models.Edge{{ID: "e1", Source: "p1", Target: "r1"}})
		exec := NewExecutor(model, nil, nil, logging.NewNop(), ExecutorOptions{})

		result, err := exec.Execute(ctx, cfg, "I want a refund", nil, ExecutionContext{})
		require.NoError(t, err)
		assert.False(t, result.Fallback)
		assert.Equal(t, "billing", result.Metadata.Route)
		assert.Equal(t, 1, model.callCount())
	})

	t.Run("flagged model output is replaced with apology", func(t *testing.T) {
		model := &mockModel{response: "toxic output"}
		moderation := &mockModeration{
			verdict:   ModerationVerdict{Flagged: true, Reason: "harassment"},
			flagInput: "toxic output",
		}
		exec := NewExecutor(model, moderation, nil, logging.NewNop(), ExecutorOptions{})

		result, err := exec.Execute(ctx, acmeConfig(t), "Hello", nil, ExecutionContext{})
		require.NoError(t, err)
		assert.True(t, result.Flagged)
		assert.Equal(t, apologyMessage, result.Response)
	})

	t.Run("history is capped at the last ten turns", func(t *testing.T) {
		model := &mockModel{response: "ok"}
		exec := NewExecutor(model, nil, nil, logging.NewNop(), ExecutorOptions{})

		history := make([]Message, 15)
		for i := range history {
			history[i] = Message{Role: RoleUser, Content: "old"}
		}
		_, err := exec.Execute(ctx, acmeConfig(t), "Hello", history, ExecutionContext{})
		require.NoError(t, err)
		// system + 10 history + user
		assert.Len(t, model.lastMessages, 12)
	})

	t.Run("model timeout surfaces a retryable execution error", func(t *testing.T) {
		model := &mockModel{block: make(chan struct{})}
		exec := NewExecutor(model, nil, nil, logging.NewNop(), ExecutorOptions{ModelTimeout: 20 * time.Millisecond})

		_, err := exec.Execute(ctx, acmeConfig(t), "Hello", nil, ExecutionContext{})
		var execErr *ExecutionError
		require.True(t, errors.As(err, &execErr))
		assert.True(t, execErr.Retryable)
	})

	t.Run("network timeout from the provider is retryable", func(t *testing.T) {
		model := &mockModel{err: &net.OpError{Op: "dial", Err: timeoutError{}}}
		exec := NewExecutor(model, nil, nil, logging.NewNop(), ExecutorOptions{})

		_, err := exec.Execute(ctx, acmeConfig(t), "Hello", nil, ExecutionContext{})
		var execErr *ExecutionError
		require.True(t, errors.As(err, &execErr))
		assert.True(t, execErr.Retryable)
	})

	t.Run("non-timeout provider error is not retryable", func(t *testing.T) {
		model := &mockModel{err: errors.New("invalid api key")}
		exec := NewExecutor(model, nil, nil, logging.NewNop(), ExecutorOptions{})

		_, err := exec.Execute(ctx, acmeConfig(t), "Hello", nil, ExecutionContext{})
		var execErr *ExecutionError
		require.True(t, errors.As(err, &execErr))
		assert.False(t, execErr.Retryable)
	})

	t.Run("assisted conversations produce suggestions", func(t *testing.T) {
		model := &mockModel{response: "suggested reply"}
		exec := NewExecutor(model, nil, nil, logging.NewNop(), ExecutorOptions{})

		result, err := exec.Execute(ctx, acmeConfig(t), "Hello", nil, ExecutionContext{Assisted: true})
		require.NoError(t, err)
		assert.True(t, result.Suggestion)
	})
}
