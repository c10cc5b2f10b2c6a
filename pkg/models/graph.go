package models

import "fmt"

// NodeKind identifies the behavioral role of a node in a workflow graph.
type NodeKind string

const (
	NodeKindPersona    NodeKind = "persona"
	NodeKindKnowledge  NodeKind = "knowledge"
	NodeKindModeration NodeKind = "moderation"
	NodeKindRouter     NodeKind = "router"
	NodeKindFallback   NodeKind = "fallback"
)

// ParseNodeKind returns the NodeKind for s or an error for unrecognized kinds.
// The compiler never silently ignores an unknown kind.
func ParseNodeKind(s string) (NodeKind, error) {
	switch NodeKind(s) {
	case NodeKindPersona, NodeKindKnowledge, NodeKindModeration, NodeKindRouter, NodeKindFallback:
		return NodeKind(s), nil
	}
	return "", fmt.Errorf("unknown node kind %q", s)
}

// SourceType identifies a knowledge-source connector.
type SourceType string

const (
	SourceTypeGoogleSheets SourceType = "google_sheets"
	SourceTypePDF          SourceType = "pdf"
	SourceTypeURL          SourceType = "url"
	SourceTypeVectorStore  SourceType = "vector_store"
	SourceTypeFileUpload   SourceType = "file_upload"
)

// ValidSourceType reports whether s names a supported knowledge source.
func ValidSourceType(s string) bool {
	switch SourceType(s) {
	case SourceTypeGoogleSheets, SourceTypePDF, SourceTypeURL, SourceTypeVectorStore, SourceTypeFileUpload:
		return true
	}
	return false
}

// Position is the editor placement of a node. It is presentation-only and
// never consulted by validation or compilation.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a single behavioral unit authored in the visual editor. The Data
// payload is kind-specific and validated per kind before compilation.
type Node struct {
	ID       string         `json:"id"`
	Kind     NodeKind       `json:"kind"`
	Position Position       `json:"position"`
	Data     map[string]any `json:"data"`
}

// Edge is a directed relationship between two node ids in one graph.
type Edge struct {
	ID     string         `json:"id"`
	Source string         `json:"source"`
	Target string         `json:"target"`
	Data   map[string]any `json:"data,omitempty"`
}

// Graph is the node set plus edge set authored for one workflow revision.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}
