package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatforge/backend/pkg/models"
)

// PostgresWorkflowStore is a PostgreSQL implementation of the WorkflowStore
// interface. Graphs and compiled configurations are stored as JSONB.
type PostgresWorkflowStore struct {
	db *pgxpool.Pool
}

// NewPostgresWorkflowStore creates a new PostgresWorkflowStore.
func NewPostgresWorkflowStore(db *pgxpool.Pool) *PostgresWorkflowStore {
	return &PostgresWorkflowStore{db: db}
}

const workflowColumns = "id, tenant_id, name, description, status, version, graph, compiled, published_at, created_by, created_at, updated_at"

// LoadWorkflow retrieves a workflow by its ID.
func (s *PostgresWorkflowStore) LoadWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	row := s.db.QueryRow(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE id = $1", id)
	return scanWorkflow(row)
}

// SaveWorkflow inserts the workflow, or updates it when the id already exists.
func (s *PostgresWorkflowStore) SaveWorkflow(ctx context.Context, workflow *models.Workflow) error {
	graph, compiled, err := encodeGraphAndCompiled(workflow.Graph, workflow.Compiled)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO workflows (`+workflowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			version = EXCLUDED.version,
			graph = EXCLUDED.graph,
			compiled = EXCLUDED.compiled,
			published_at = EXCLUDED.published_at,
			updated_at = EXCLUDED.updated_at`,
		workflow.ID, workflow.TenantID, workflow.Name, workflow.Description,
		workflow.Status, workflow.Version, graph, compiled,
		workflow.PublishedAt, workflow.CreatedBy, workflow.CreatedAt, workflow.UpdatedAt)
	return err
}

// ListWorkflows returns all workflows owned by a tenant, newest first.
func (s *PostgresWorkflowStore) ListWorkflows(ctx context.Context, tenantID string) ([]*models.Workflow, error) {
	rows, err := s.db.Query(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE tenant_id = $1 ORDER BY updated_at DESC", tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// FindPublished returns the tenant's published workflow. The publish flow
// archives any other published workflow first, so at most one row matches.
func (s *PostgresWorkflowStore) FindPublished(ctx context.Context, tenantID string) (*models.Workflow, error) {
	row := s.db.QueryRow(ctx,
		"SELECT "+workflowColumns+" FROM workflows WHERE tenant_id = $1 AND status = $2 LIMIT 1",
		tenantID, models.WorkflowStatusPublished)
	return scanWorkflow(row)
}

// ListPublished returns every published workflow across tenants. Used once at
// startup to warm the runtime registry.
func (s *PostgresWorkflowStore) ListPublished(ctx context.Context) ([]*models.Workflow, error) {
	rows, err := s.db.Query(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE status = $1", models.WorkflowStatusPublished)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// SaveVersionSnapshot stores an immutable version snapshot. Snapshots are
// never updated; a duplicate (workflow_id, version) pair is an error.
func (s *PostgresWorkflowStore) SaveVersionSnapshot(ctx context.Context, snapshot *models.WorkflowVersion) error {
	graph, compiled, err := encodeGraphAndCompiled(snapshot.Graph, snapshot.Compiled)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO workflow_versions
		(id, workflow_id, version, graph, compiled, change_description, is_rollback, rollback_from_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		snapshot.ID, snapshot.WorkflowID, snapshot.Version, graph, compiled,
		snapshot.ChangeDescription, snapshot.IsRollback, snapshot.RollbackFromVersion, snapshot.CreatedAt)
	return err
}

// GetVersion retrieves one snapshot of a workflow.
func (s *PostgresWorkflowStore) GetVersion(ctx context.Context, workflowID string, version int) (*models.WorkflowVersion, error) {
	row := s.db.QueryRow(ctx, `SELECT id, workflow_id, version, graph, compiled, change_description, is_rollback, rollback_from_version, created_at
		FROM workflow_versions WHERE workflow_id = $1 AND version = $2`, workflowID, version)
	return scanVersion(row)
}

// GetLatestVersion retrieves the highest-numbered snapshot of a workflow.
func (s *PostgresWorkflowStore) GetLatestVersion(ctx context.Context, workflowID string) (*models.WorkflowVersion, error) {
	row := s.db.QueryRow(ctx, `SELECT id, workflow_id, version, graph, compiled, change_description, is_rollback, rollback_from_version, created_at
		FROM workflow_versions WHERE workflow_id = $1 ORDER BY version DESC LIMIT 1`, workflowID)
	return scanVersion(row)
}

func encodeGraphAndCompiled(graph models.Graph, compiled *models.CompiledConfig) ([]byte, []byte, error) {
	graphJSON, err := json.Marshal(graph)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal graph: %w", err)
	}
	var compiledJSON []byte
	if compiled != nil {
		compiledJSON, err = json.Marshal(compiled)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal compiled config: %w", err)
		}
	}
	return graphJSON, compiledJSON, nil
}

func scanWorkflow(row pgx.Row) (*models.Workflow, error) {
	var wf models.Workflow
	var graphJSON, compiledJSON []byte
	err := row.Scan(&wf.ID, &wf.TenantID, &wf.Name, &wf.Description, &wf.Status,
		&wf.Version, &graphJSON, &compiledJSON, &wf.PublishedAt, &wf.CreatedBy,
		&wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(graphJSON, &wf.Graph); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	if len(compiledJSON) > 0 {
		wf.Compiled = &models.CompiledConfig{}
		if err := json.Unmarshal(compiledJSON, wf.Compiled); err != nil {
			return nil, fmt.Errorf("unmarshal compiled config: %w", err)
		}
	}
	return &wf, nil
}

func scanVersion(row pgx.Row) (*models.WorkflowVersion, error) {
	var v models.WorkflowVersion
	var graphJSON, compiledJSON []byte
	err := row.Scan(&v.ID, &v.WorkflowID, &v.Version, &graphJSON, &compiledJSON,
		&v.ChangeDescription, &v.IsRollback, &v.RollbackFromVersion, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(graphJSON, &v.Graph); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	if len(compiledJSON) > 0 {
		v.Compiled = &models.CompiledConfig{}
		if err := json.Unmarshal(compiledJSON, v.Compiled); err != nil {
			return nil, fmt.Errorf("unmarshal compiled config: %w", err)
		}
	}
	return &v, nil
}
