package engine

import (
	"fmt"
	"strings"

	"chatforge/backend/pkg/models"
)

// ValidationResult is the outcome of validating a graph. Errors accumulates
// every problem found so the editor can surface all of them in one pass.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Validate checks a node/edge graph for structural soundness before
// compilation is attempted. It is a pure function: rules accumulate errors
// rather than short-circuiting, and unknown node kinds are hard errors.
func Validate(nodes []models.Node, edges []models.Edge) ValidationResult {
	var errs []string

	personaCount := 0
	for _, n := range nodes {
		if _, err := models.ParseNodeKind(string(n.Kind)); err != nil {
			errs = append(errs, fmt.Sprintf("node %q: %v", n.ID, err))
			continue
		}
		switch n.Kind {
		case models.NodeKindPersona:
			personaCount++
			if stringField(n.Data, "prompt") == "" {
				errs = append(errs, fmt.Sprintf("persona node %q: prompt must not be empty", n.ID))
			}
		case models.NodeKindKnowledge:
			errs = append(errs, validateKnowledgeNode(n)...)
		case models.NodeKindRouter:
			if _, ok := n.Data["conditions"]; !ok {
				errs = append(errs, fmt.Sprintf("router node %q: conditions array is required", n.ID))
			}
		case models.NodeKindFallback:
			if stringField(n.Data, "message") == "" {
				errs = append(errs, fmt.Sprintf("fallback node %q: message must not be empty", n.ID))
			}
		case models.NodeKindModeration:
			// strictness and filters are optional; defaults apply at compile time
		}
	}
	if personaCount == 0 {
		errs = append(errs, "graph must contain at least one persona node")
	}

	a := newArena(nodes, edges)
	for _, e := range a.dangling {
		errs = append(errs, fmt.Sprintf("dangling edge %q: %s -> %s references a missing node", e.ID, e.Source, e.Target))
	}
	// A single orphaned node is tolerated as a provisional, not-yet-wired
	// starting node; more than one means the graph has disconnected islands.
	// An entirely edgeless graph is a set of provisional nodes, not islands,
	// so the rule only applies once at least one edge exists.
	if orphans := a.orphans(); len(edges) > 0 && len(orphans) > 1 {
		ids := make([]string, len(orphans))
		for i, idx := range orphans {
			ids[i] = a.nodes[idx].ID
		}
		errs = append(errs, fmt.Sprintf("graph has %d orphaned nodes (%s); at most one is permitted", len(orphans), strings.Join(ids, ", ")))
	}
	if nodeID, found := a.hasCycle(); found {
		errs = append(errs, fmt.Sprintf("graph contains a cycle through node %q", nodeID))
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func validateKnowledgeNode(n models.Node) []string {
	var errs []string
	sourceType := stringField(n.Data, "sourceType")
	if !models.ValidSourceType(sourceType) {
		errs = append(errs, fmt.Sprintf("knowledge node %q: sourceType %q is not supported", n.ID, sourceType))
		return errs
	}
	config, _ := n.Data["config"].(map[string]any)
	missing := func(key string) {
		errs = append(errs, fmt.Sprintf("knowledge node %q: %s source requires config.%s", n.ID, sourceType, key))
	}
	switch models.SourceType(sourceType) {
	case models.SourceTypeGoogleSheets:
		if stringField(config, "sheetId") == "" {
			missing("sheetId")
		}
	case models.SourceTypePDF, models.SourceTypeURL:
		if stringField(config, "url") == "" && stringField(config, "filePath") == "" {
			errs = append(errs, fmt.Sprintf("knowledge node %q: %s source requires config.url or config.filePath", n.ID, sourceType))
		}
	case models.SourceTypeVectorStore:
		if stringField(config, "collectionName") == "" {
			missing("collectionName")
		}
	case models.SourceTypeFileUpload:
		// uploads are ingested into the vector store out of band; no config
		// keys are required at authoring time
	}
	return errs
}

// stringField returns the trimmed string at key, or "" when absent or not a
// string.
func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return strings.TrimSpace(s)
}
