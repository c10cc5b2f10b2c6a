package models

import "time"

// CompiledStep is one executable entry in a compiled configuration's step
// table, keyed by node id.
type CompiledStep struct {
	Kind     NodeKind       `json:"kind"`
	Data     map[string]any `json:"data"`
	Next     []string       `json:"next"`
	Compiled bool           `json:"compiled"`
}

// ModerationPolicy is the platform-enforced moderation posture. Moderation is
// enabled by default at medium strictness; a moderation node can adjust
// strictness and filters but node absence never disables it.
type ModerationPolicy struct {
	Enabled               bool     `json:"enabled"`
	Level                 string   `json:"level"`
	CustomFilters         []string `json:"custom_filters"`
	UseProviderModeration bool     `json:"use_provider_moderation"`
}

// PromptConfig holds the merged prompt hierarchy. RootSystem is the fixed
// platform prompt, Persona the tenant-authored composition. The two are
// concatenated at execution time, root first, so platform text always takes
// precedence.
type PromptConfig struct {
	RootSystem string           `json:"root_system"`
	Persona    string           `json:"persona,omitempty"`
	Moderation ModerationPolicy `json:"moderation"`
}

// KnowledgeSource binds a knowledge node to its connector configuration.
type KnowledgeSource struct {
	ID             string         `json:"id"`
	SourceType     SourceType     `json:"source_type"`
	Config         map[string]any `json:"config"`
	CollectionName string         `json:"collection_name"`
	Searchable     bool           `json:"searchable"`
}

// KnowledgeConfig lists the knowledge-source bindings of a compiled workflow.
type KnowledgeConfig struct {
	Sources []KnowledgeSource `json:"sources"`
}

// RouteCondition is a single routing predicate. Type is either "contains"
// (substring match on the user message) or "keywords" (any keyword present).
type RouteCondition struct {
	Type     string   `json:"type"`
	Value    string   `json:"value,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	Route    string   `json:"route,omitempty"`
}

// RouteRule is the compiled form of one router node. Rules are evaluated in
// authored order; the first matching condition wins.
type RouteRule struct {
	ID           string           `json:"id"`
	Conditions   []RouteCondition `json:"conditions"`
	DefaultRoute string           `json:"default_route,omitempty"`
	Type         string           `json:"type"`
}

// Escalation describes the hand-off behavior attached to a fallback.
type Escalation struct {
	Enabled bool   `json:"enabled"`
	Type    string `json:"type,omitempty"`
}

// FallbackRoute is the single fallback descriptor of a compiled workflow.
// When multiple fallback nodes exist the last one in execution order wins.
type FallbackRoute struct {
	Message    string     `json:"message"`
	Escalation Escalation `json:"escalation"`
}

// RoutingConfig is the ordered routing table of a compiled workflow.
type RoutingConfig struct {
	Conditions []RouteRule    `json:"conditions"`
	Fallback   *FallbackRoute `json:"fallback,omitempty"`
}

// CompiledConfig is the Chain Compiler's output: the executable,
// platform-guarded representation of a validated graph. It is immutable; a
// graph change produces a new CompiledConfig and a new version.
type CompiledConfig struct {
	TenantID   string                  `json:"tenant_id"`
	EntryPoint string                  `json:"entry_point"`
	Steps      map[string]CompiledStep `json:"steps"`
	Prompts    PromptConfig            `json:"prompts"`
	Knowledge  KnowledgeConfig         `json:"knowledge"`
	Routing    RoutingConfig           `json:"routing"`
	CompiledAt time.Time               `json:"compiled_at"`
}
