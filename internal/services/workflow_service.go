package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chatforge/backend/internal/engine"
	"chatforge/backend/internal/logging"
	"chatforge/backend/internal/repository"
	"chatforge/backend/internal/runtime"
	"chatforge/backend/pkg/models"
)

// ConversationStore is the transcript capability the service needs around an
// execution: replaying recent turns and recording new ones.
type ConversationStore interface {
	Recent(ctx context.Context, tenantID, conversationID string, limit int) ([]runtime.Message, error)
	Append(ctx context.Context, tenantID, conversationID string, turns ...runtime.Message) error
	IsConversationAssisted(ctx context.Context, tenantID, conversationID string) (bool, error)
}

// WorkflowService owns the workflow lifecycle: authoring, versioning,
// publishing into the runtime registry, and execution against the live entry.
type WorkflowService struct {
	store         repository.WorkflowStore
	registry      *runtime.Registry
	conversations ConversationStore
	logger        *logging.Logger
}

// NewWorkflowService creates a new WorkflowService. conversations may be nil;
// executions then run without transcript replay.
func NewWorkflowService(store repository.WorkflowStore, registry *runtime.Registry, conversations ConversationStore, logger *logging.Logger) *WorkflowService {
	return &WorkflowService{
		store:         store,
		registry:      registry,
		conversations: conversations,
		logger:        logger,
	}
}

// CreateWorkflow creates a draft workflow at version 1 and records the first
// version snapshot.
func (s *WorkflowService) CreateWorkflow(ctx context.Context, tenantID, name, description, createdBy string, graph models.Graph) (*models.Workflow, error) {
	now := time.Now().UTC()
	workflow := &models.Workflow{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Name:        name,
		Description: description,
		Status:      models.WorkflowStatusDraft,
		Version:     1,
		Graph:       graph,
		CreatedBy:   createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.SaveWorkflow(ctx, workflow); err != nil {
		return nil, err
	}
	if err := s.snapshot(ctx, workflow, "initial version", false, 0); err != nil {
		return nil, err
	}
	return workflow, nil
}

// GetWorkflow retrieves one workflow.
func (s *WorkflowService) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	return s.store.LoadWorkflow(ctx, id)
}

// ListWorkflows lists a tenant's workflows.
func (s *WorkflowService) ListWorkflows(ctx context.Context, tenantID string) ([]*models.Workflow, error) {
	return s.store.ListWorkflows(ctx, tenantID)
}

// UpdateGraph replaces the workflow's graph, increments the version by exactly
// one, and records an immutable snapshot. Any previously compiled
// configuration is discarded; publishing recompiles from the new graph.
func (s *WorkflowService) UpdateGraph(ctx context.Context, workflowID string, graph models.Graph, changeDescription string) (*models.Workflow, error) {
	workflow, err := s.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	workflow.Graph = graph
	workflow.Compiled = nil
	workflow.Version++
	workflow.UpdatedAt = time.Now().UTC()

	if err := s.store.SaveWorkflow(ctx, workflow); err != nil {
		return nil, err
	}
	if err := s.snapshot(ctx, workflow, changeDescription, false, 0); err != nil {
		return nil, err
	}
	return workflow, nil
}

// Validate runs graph validation without touching any stored state.
func (s *WorkflowService) Validate(graph models.Graph) engine.ValidationResult {
	return engine.Validate(graph.Nodes, graph.Edges)
}

// CompilePreview compiles the graph as the tenant would see it deployed,
// without persisting or deploying anything.
func (s *WorkflowService) CompilePreview(graph models.Graph, tenantID string) (*models.CompiledConfig, error) {
	return engine.Compile(graph.Nodes, graph.Edges, tenantID)
}

// Publish compiles the workflow and deploys it as the tenant's single live
// workflow. Compilation failure aborts before any state changes. Any other
// published workflow of the tenant is archived, then the registry entry is
// hot-swapped; traffic switches atomically.
func (s *WorkflowService) Publish(ctx context.Context, workflowID string) (*models.Workflow, error) {
	workflow, err := s.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	compiled, err := engine.Compile(workflow.Graph.Nodes, workflow.Graph.Edges, workflow.TenantID)
	if err != nil {
		return nil, err
	}

	if err := s.archiveCurrentPublished(ctx, workflow.TenantID, workflow.ID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	workflow.Compiled = compiled
	workflow.Status = models.WorkflowStatusPublished
	workflow.PublishedAt = &now
	workflow.UpdatedAt = now
	if err := s.store.SaveWorkflow(ctx, workflow); err != nil {
		return nil, err
	}

	if _, err := s.registry.HotSwap(workflow.TenantID, workflow); err != nil {
		return nil, err
	}
	s.logger.Info("workflow published", "tenant_id", workflow.TenantID, "workflow_id", workflow.ID, "version", workflow.Version)
	return workflow, nil
}

func (s *WorkflowService) archiveCurrentPublished(ctx context.Context, tenantID, exceptID string) error {
	current, err := s.store.FindPublished(ctx, tenantID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.ID == exceptID {
		return nil
	}
	current.Status = models.WorkflowStatusArchived
	current.UpdatedAt = time.Now().UTC()
	return s.store.SaveWorkflow(ctx, current)
}

// Rollback restores the graph of an earlier version as a brand-new version.
// History stays append-only: rolling back from version 5 to version 3 yields
// version 6 carrying version 3's graph, marked with rollback provenance. A
// published workflow is recompiled and redeployed immediately.
func (s *WorkflowService) Rollback(ctx context.Context, workflowID string, targetVersion int) (*models.Workflow, error) {
	workflow, err := s.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	target, err := s.store.GetVersion(ctx, workflowID, targetVersion)
	if err != nil {
		return nil, err
	}

	workflow.Graph = target.Graph
	workflow.Compiled = nil
	workflow.Version++
	workflow.UpdatedAt = time.Now().UTC()

	if workflow.Status == models.WorkflowStatusPublished {
		compiled, err := engine.Compile(workflow.Graph.Nodes, workflow.Graph.Edges, workflow.TenantID)
		if err != nil {
			return nil, fmt.Errorf("rollback target no longer compiles: %w", err)
		}
		workflow.Compiled = compiled
	}

	if err := s.store.SaveWorkflow(ctx, workflow); err != nil {
		return nil, err
	}
	description := fmt.Sprintf("rollback to version %d", targetVersion)
	if err := s.snapshot(ctx, workflow, description, true, targetVersion); err != nil {
		return nil, err
	}

	if workflow.Status == models.WorkflowStatusPublished {
		if _, err := s.registry.HotSwap(workflow.TenantID, workflow); err != nil {
			return nil, err
		}
	}
	s.logger.Info("workflow rolled back", "workflow_id", workflow.ID, "target_version", targetVersion, "new_version", workflow.Version)
	return workflow, nil
}

// GetVersion retrieves one immutable snapshot of a workflow.
func (s *WorkflowService) GetVersion(ctx context.Context, workflowID string, version int) (*models.WorkflowVersion, error) {
	return s.store.GetVersion(ctx, workflowID, version)
}

func (s *WorkflowService) snapshot(ctx context.Context, workflow *models.Workflow, description string, isRollback bool, fromVersion int) error {
	return s.store.SaveVersionSnapshot(ctx, &models.WorkflowVersion{
		ID:                  uuid.New().String(),
		WorkflowID:          workflow.ID,
		Version:             workflow.Version,
		Graph:               workflow.Graph,
		Compiled:            workflow.Compiled,
		ChangeDescription:   description,
		IsRollback:          isRollback,
		RollbackFromVersion: fromVersion,
		CreatedAt:           time.Now().UTC(),
	})
}

// LoadPublished loads every tenant's published workflow into the registry.
// Called once at startup so live tenants serve immediately after a restart.
// A single workflow failing to load never blocks the rest.
func (s *WorkflowService) LoadPublished(ctx context.Context) error {
	published, err := s.store.ListPublished(ctx)
	if err != nil {
		return err
	}
	for _, workflow := range published {
		if _, err := s.registry.Load(workflow.TenantID, workflow); err != nil {
			s.logger.Error("failed to load published workflow", "tenant_id", workflow.TenantID, "workflow_id", workflow.ID, "error", err)
		}
	}
	return nil
}

// Execute runs a user message through the tenant's live workflow. Recent
// transcript turns are replayed to the model, and both the user turn and the
// reply are recorded. Suggestions produced for assisted conversations are not
// recorded as assistant turns; the operator decides what is actually sent.
func (s *WorkflowService) Execute(ctx context.Context, tenantID, conversationID, message string) (*runtime.Result, error) {
	var history []runtime.Message
	assisted := false
	if s.conversations != nil && conversationID != "" {
		var err error
		history, err = s.conversations.Recent(ctx, tenantID, conversationID, 10)
		if err != nil {
			s.logger.Warn("transcript replay failed, executing without history", "tenant_id", tenantID, "conversation_id", conversationID, "error", err)
			history = nil
		}
		assisted, err = s.conversations.IsConversationAssisted(ctx, tenantID, conversationID)
		if err != nil {
			s.logger.Warn("assist check failed, treating as unassisted", "tenant_id", tenantID, "conversation_id", conversationID, "error", err)
			assisted = false
		}
	}

	result, err := s.registry.Execute(ctx, tenantID, message, history, runtime.ExecutionContext{
		ConversationID: conversationID,
		Assisted:       assisted,
	})
	if err != nil {
		return nil, err
	}

	if s.conversations != nil && conversationID != "" {
		turns := []runtime.Message{{Role: runtime.RoleUser, Content: message}}
		if !result.Suggestion {
			turns = append(turns, runtime.Message{Role: runtime.RoleAssistant, Content: result.Response})
		}
		if err := s.conversations.Append(ctx, tenantID, conversationID, turns...); err != nil {
			s.logger.Warn("transcript append failed", "tenant_id", tenantID, "conversation_id", conversationID, "error", err)
		}
	}
	return result, nil
}

// Status reports the registry state for a tenant.
func (s *WorkflowService) Status(tenantID string) runtime.StatusReport {
	return s.registry.Status(tenantID)
}

// ActiveWorkflows lists live registry entries across tenants.
func (s *WorkflowService) ActiveWorkflows() []runtime.WorkflowInfo {
	return s.registry.ActiveWorkflows()
}

// Unload removes a tenant's live entry.
func (s *WorkflowService) Unload(tenantID string) bool {
	return s.registry.Unload(tenantID)
}
