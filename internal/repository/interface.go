package repository

import (
	"context"
	"errors"

	"chatforge/backend/pkg/models"
)

// ErrNotFound is returned when a workflow, version, or tenant does not exist.
var ErrNotFound = errors.New("record not found")

// WorkflowStore persists workflows and their immutable version snapshots.
type WorkflowStore interface {
	// LoadWorkflow retrieves a workflow by its id.
	LoadWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	// SaveWorkflow inserts or updates the workflow aggregate.
	SaveWorkflow(ctx context.Context, workflow *models.Workflow) error
	// ListWorkflows returns all workflows owned by a tenant.
	ListWorkflows(ctx context.Context, tenantID string) ([]*models.Workflow, error)
	// FindPublished returns the tenant's single published workflow, if any.
	FindPublished(ctx context.Context, tenantID string) (*models.Workflow, error)
	// ListPublished returns every published workflow across tenants.
	ListPublished(ctx context.Context) ([]*models.Workflow, error)

	// SaveVersionSnapshot stores an immutable version snapshot.
	SaveVersionSnapshot(ctx context.Context, snapshot *models.WorkflowVersion) error
	// GetVersion retrieves one snapshot of a workflow.
	GetVersion(ctx context.Context, workflowID string, version int) (*models.WorkflowVersion, error)
	// GetLatestVersion retrieves the highest-numbered snapshot of a workflow.
	GetLatestVersion(ctx context.Context, workflowID string) (*models.WorkflowVersion, error)
}

// TenantStore persists tenant records.
type TenantStore interface {
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
	GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error)
}

// KnowledgeChunk is one stored piece of searchable knowledge content.
type KnowledgeChunk struct {
	ID         string
	Collection string
	Content    string
	Metadata   map[string]any
}

// KnowledgeStore performs vector similarity search over tenant knowledge
// collections.
type KnowledgeStore interface {
	InsertChunk(ctx context.Context, chunk *KnowledgeChunk, embedding []float32) error
	Search(ctx context.Context, collection string, embedding []float32, limit int) ([]KnowledgeChunk, error)
}
