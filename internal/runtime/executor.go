package runtime

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"chatforge/backend/internal/logging"
	"chatforge/backend/pkg/models"
)

// Fixed responses for moderated and fallback outcomes. A handled path always
// produces a response; the engine never returns an empty one.
const (
	refusalMessage = "I can't help with that request. Is there something else I can assist you with?"
	apologyMessage = "I apologize, but I can't provide that response. Let me know if I can help with something else."

	defaultFallbackMessage = "I'm not sure how to help with that. Could you rephrase your question?"

	// routeDefault marks a request that fell through every routing condition.
	routeDefault = "default"

	historyWindow = 10
)

// Metadata accompanies every execution result. The registry additionally
// stamps ResponseTimeMs, WorkflowVersion, and ExecutionID.
type Metadata struct {
	KnowledgeUsed   bool   `json:"knowledge_used"`
	Route           string `json:"route,omitempty"`
	TenantID        string `json:"tenant_id"`
	ResponseTimeMs  int64  `json:"response_time_ms,omitempty"`
	WorkflowVersion int    `json:"workflow_version,omitempty"`
	ExecutionID     string `json:"execution_id,omitempty"`
}

// Result is the outcome of running one message through a compiled workflow.
// Flagged and Fallback results are normal short-circuit outcomes, not errors.
type Result struct {
	Response   string             `json:"response"`
	Flagged    bool               `json:"flagged,omitempty"`
	FlagReason string             `json:"flag_reason,omitempty"`
	Fallback   bool               `json:"fallback,omitempty"`
	Suggestion bool               `json:"suggestion,omitempty"`
	Escalation *models.Escalation `json:"escalation,omitempty"`
	Metadata   Metadata           `json:"metadata"`
}

// ExecutionContext carries per-request context from the caller.
type ExecutionContext struct {
	ConversationID string
	// Assisted marks conversations currently handled by a human operator;
	// results become operator-facing suggestions.
	Assisted bool
}

// ExecutorOptions configures the execution engine.
type ExecutorOptions struct {
	Sampling     SamplingParams
	ModelTimeout time.Duration
}

// Executor runs the request path against a compiled configuration:
// pre-moderation, knowledge lookup, prompt assembly, routing, model call,
// post-moderation. It holds no per-tenant state; the compiled configuration
// is captured once per call and never re-read mid-pipeline.
type Executor struct {
	model        ModelClient
	moderation   ModerationClient
	knowledge    KnowledgeConnector
	logger       *logging.Logger
	sampling     SamplingParams
	modelTimeout time.Duration
}

// NewExecutor creates an execution engine. moderation and knowledge may be
// nil; the corresponding stages then degrade (fail-open / empty context).
func NewExecutor(model ModelClient, moderation ModerationClient, knowledge KnowledgeConnector, logger *logging.Logger, opts ExecutorOptions) *Executor {
	if opts.Sampling.MaxTokens == 0 {
		opts.Sampling.MaxTokens = 1024
	}
	if opts.ModelTimeout == 0 {
		opts.ModelTimeout = 30 * time.Second
	}
	return &Executor{
		model:        model,
		moderation:   moderation,
		knowledge:    knowledge,
		logger:       logger,
		sampling:     opts.Sampling,
		modelTimeout: opts.ModelTimeout,
	}
}

// Execute runs userMessage through the compiled pipeline. Each stage may
// short-circuit the rest; every handled outcome carries a response.
func (e *Executor) Execute(ctx context.Context, cfg *models.CompiledConfig, userMessage string, history []Message, execCtx ExecutionContext) (*Result, error) {
	result := &Result{
		Suggestion: execCtx.Assisted,
		Metadata:   Metadata{TenantID: cfg.TenantID},
	}

	// Stage 1: input moderation.
	if verdict := e.classify(ctx, cfg, userMessage); verdict.Flagged {
		result.Response = refusalMessage
		result.Flagged = true
		result.FlagReason = verdict.Reason
		return result, nil
	}

	// Stage 2: knowledge retrieval. Failures degrade to an empty context.
	knowledgeContext := e.retrieveKnowledge(ctx, cfg, userMessage)
	result.Metadata.KnowledgeUsed = knowledgeContext != ""

	// Stage 3: prompt assembly. Order is fixed: root, then persona, then
	// knowledge. Platform text always takes precedence on conflict.
	systemPrompt := assembleSystemPrompt(cfg, knowledgeContext)

	// Stage 4: routing evaluation.
	route, shouldFallback := evaluateRouting(cfg.Routing, userMessage)
	if shouldFallback {
		fallback := cfg.Routing.Fallback
		if fallback == nil {
			fallback = &models.FallbackRoute{Message: defaultFallbackMessage}
		}
		result.Response = fallback.Message
		result.Fallback = true
		result.Escalation = &fallback.Escalation
		result.Metadata.Route = routeDefault
		return result, nil
	}
	result.Metadata.Route = route

	// Stage 5: model call. The only stage that suspends on external I/O
	// besides retrieval; bounded so a slow call cannot stall hot-swaps.
	response, err := e.completeModel(ctx, systemPrompt, userMessage, history)
	if err != nil {
		return nil, err
	}

	// Stage 6: output moderation.
	if verdict := e.classify(ctx, cfg, response); verdict.Flagged {
		result.Response = apologyMessage
		result.Flagged = true
		result.FlagReason = verdict.Reason
		return result, nil
	}

	result.Response = response
	return result, nil
}

// classify runs the moderation policy against text. Custom filters match
// locally; provider classification fails open so a moderation outage never
// blocks all traffic.
func (e *Executor) classify(ctx context.Context, cfg *models.CompiledConfig, text string) ModerationVerdict {
	policy := cfg.Prompts.Moderation
	if !policy.Enabled {
		return ModerationVerdict{}
	}
	lower := strings.ToLower(text)
	for _, filter := range policy.CustomFilters {
		if filter != "" && strings.Contains(lower, strings.ToLower(filter)) {
			return ModerationVerdict{Flagged: true, Reason: "matched custom filter: " + filter}
		}
	}
	if !policy.UseProviderModeration || e.moderation == nil {
		return ModerationVerdict{}
	}
	verdict, err := e.moderation.Classify(ctx, text)
	if err != nil {
		e.logger.Warn("moderation provider unavailable, failing open", "tenant_id", cfg.TenantID, "error", err)
		return ModerationVerdict{}
	}
	return verdict
}

func (e *Executor) retrieveKnowledge(ctx context.Context, cfg *models.CompiledConfig, query string) string {
	if len(cfg.Knowledge.Sources) == 0 || e.knowledge == nil {
		return ""
	}
	results, err := e.knowledge.GetKnowledge(ctx, query, cfg.Knowledge.Sources, cfg.TenantID)
	if err != nil {
		e.logger.Warn("knowledge retrieval failed, continuing without context", "tenant_id", cfg.TenantID, "error", err)
		return ""
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		if r.Content != "" {
			parts = append(parts, r.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

func assembleSystemPrompt(cfg *models.CompiledConfig, knowledgeContext string) string {
	var b strings.Builder
	b.WriteString(cfg.Prompts.RootSystem)
	if cfg.Prompts.Persona != "" {
		b.WriteString("\n\n")
		b.WriteString(cfg.Prompts.Persona)
	}
	if knowledgeContext != "" {
		b.WriteString("\n\nRelevant knowledge:\n")
		b.WriteString(knowledgeContext)
	}
	return b.String()
}

// evaluateRouting walks the compiled routing table in authored order. The
// first matching condition wins; conditions that exist but never match push
// the request to the fallback path without a model call.
func evaluateRouting(routing models.RoutingConfig, userMessage string) (route string, shouldFallback bool) {
	lower := strings.ToLower(userMessage)
	haveConditions := false
	for _, rule := range routing.Conditions {
		for _, cond := range rule.Conditions {
			haveConditions = true
			if matchCondition(cond, lower) {
				if cond.Route != "" {
					return cond.Route, false
				}
				return rule.ID, false
			}
		}
	}
	if haveConditions {
		return "", true
	}
	return "", false
}

func matchCondition(cond models.RouteCondition, lowerMessage string) bool {
	switch cond.Type {
	case "contains":
		return cond.Value != "" && strings.Contains(lowerMessage, strings.ToLower(cond.Value))
	case "keywords":
		for _, kw := range cond.Keywords {
			if kw != "" && strings.Contains(lowerMessage, strings.ToLower(kw)) {
				return true
			}
		}
	}
	return false
}

func (e *Executor) completeModel(ctx context.Context, systemPrompt, userMessage string, history []Message) (string, error) {
	messages := make([]Message, 0, historyWindow+2)
	messages = append(messages, Message{Role: RoleSystem, Content: systemPrompt})
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	messages = append(messages, history...)
	messages = append(messages, Message{Role: RoleUser, Content: userMessage})

	callCtx, cancel := context.WithTimeout(ctx, e.modelTimeout)
	defer cancel()

	response, err := e.model.Complete(callCtx, messages, e.sampling)
	if err != nil {
		return "", &ExecutionError{
			Stage:     "model",
			Retryable: isTimeout(err),
			Err:       err,
		}
	}
	return response, nil
}

// isTimeout reports whether err is a deadline or network timeout. Provider
// SDKs do not always wrap context.DeadlineExceeded, so transport-level
// timeouts count too.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
