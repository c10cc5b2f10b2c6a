package models

import (
	"time"
)

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft     WorkflowStatus = "draft"
	WorkflowStatusPublished WorkflowStatus = "published"
	WorkflowStatusArchived  WorkflowStatus = "archived"
)

// Workflow is the tenant-owned aggregate: the current graph plus the most
// recently produced compiled configuration. A tenant has at most one
// published workflow at a time; TenantID is empty for platform-owned
// (superadmin) workflows.
type Workflow struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Status      WorkflowStatus  `json:"status"`
	Version     int             `json:"version"`
	Graph       Graph           `json:"graph"`
	Compiled    *CompiledConfig `json:"compiled,omitempty"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
	CreatedBy   string          `json:"created_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// WorkflowVersion is an immutable snapshot of a workflow at one version:
// the exact graph, the compiled configuration produced from it, and rollback
// provenance. Snapshots are created on every compile-affecting update and
// never mutated afterwards.
type WorkflowVersion struct {
	ID                  string          `json:"id"`
	WorkflowID          string          `json:"workflow_id"`
	Version             int             `json:"version"`
	Graph               Graph           `json:"graph"`
	Compiled            *CompiledConfig `json:"compiled,omitempty"`
	ChangeDescription   string          `json:"change_description,omitempty"`
	IsRollback          bool            `json:"is_rollback"`
	RollbackFromVersion int             `json:"rollback_from_version,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}
