// Package api contains the HTTP handlers for the workflow service
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"chatforge/backend/internal/engine"
	"chatforge/backend/internal/repository"
	"chatforge/backend/internal/runtime"
	"chatforge/backend/pkg/models"
)

// WorkflowService is the service surface the API depends on.
type WorkflowService interface {
	CreateWorkflow(ctx context.Context, tenantID, name, description, createdBy string, graph models.Graph) (*models.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	ListWorkflows(ctx context.Context, tenantID string) ([]*models.Workflow, error)
	UpdateGraph(ctx context.Context, workflowID string, graph models.Graph, changeDescription string) (*models.Workflow, error)
	Validate(graph models.Graph) engine.ValidationResult
	CompilePreview(graph models.Graph, tenantID string) (*models.CompiledConfig, error)
	Publish(ctx context.Context, workflowID string) (*models.Workflow, error)
	Rollback(ctx context.Context, workflowID string, targetVersion int) (*models.Workflow, error)
	GetVersion(ctx context.Context, workflowID string, version int) (*models.WorkflowVersion, error)
	Execute(ctx context.Context, tenantID, conversationID, message string) (*runtime.Result, error)
	Status(tenantID string) runtime.StatusReport
	ActiveWorkflows() []runtime.WorkflowInfo
	Unload(tenantID string) bool
}

// Server holds the dependencies for the API server.
type Server struct {
	Workflows WorkflowService
}

// NewServer creates a new Server.
func NewServer(workflows WorkflowService) *Server {
	return &Server{Workflows: workflows}
}

// RegisterHandlers mounts all workflow routes on the group.
func RegisterHandlers(g *echo.Group, s *Server) {
	g.GET("/workflows", s.ListWorkflows)
	g.POST("/workflows", s.CreateWorkflow)
	g.POST("/workflows/validate", s.ValidateGraph)
	g.POST("/workflows/compile", s.CompileGraph)
	g.GET("/workflows/:id", s.GetWorkflow)
	g.PUT("/workflows/:id/graph", s.UpdateGraph)
	g.POST("/workflows/:id/publish", s.PublishWorkflow)
	g.POST("/workflows/:id/rollback", s.RollbackWorkflow)
	g.GET("/workflows/:id/versions/:version", s.GetWorkflowVersion)
	g.POST("/execute", s.Execute)
	g.GET("/runtime/status", s.RuntimeStatus)
	g.GET("/runtime/workflows", s.ActiveWorkflows)
	g.DELETE("/runtime/workflow", s.UnloadWorkflow)
}

func tenantID(c echo.Context) (string, error) {
	id, ok := c.Request().Context().Value("tenant_id").(string)
	if !ok || id == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "Tenant ID not found in context")
	}
	return id, nil
}

// problem writes an RFC 7807 Problem Details JSON error response.
func problem(c echo.Context, status int, title, detail string, validationErrors []string) error {
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(status, ProblemDetails{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
		Errors: validationErrors,
	})
}

// mapError translates domain errors into problem responses. Validation and
// planning failures are client errors; a not-loaded tenant means the runtime
// is not ready to serve, not that the client did anything wrong.
func mapError(c echo.Context, err error) error {
	var valErr *engine.ValidationError
	if errors.As(err, &valErr) {
		return problem(c, http.StatusUnprocessableEntity, "workflow validation failed", "", valErr.Errors)
	}
	var planErr *engine.PlanningError
	if errors.As(err, &planErr) {
		return problem(c, http.StatusUnprocessableEntity, "execution planning failed", planErr.Reason, nil)
	}
	var compErr *engine.CompilationError
	if errors.As(err, &compErr) {
		// Internal compiler inconsistency; the raw reason is logged server
		// side, not shown to clients.
		return problem(c, http.StatusInternalServerError, "compilation failed", "internal compilation error", nil)
	}
	var notLoaded *runtime.NotLoadedError
	if errors.As(err, &notLoaded) {
		return problem(c, http.StatusServiceUnavailable, "no active workflow", err.Error(), nil)
	}
	var execErr *runtime.ExecutionError
	if errors.As(err, &execErr) {
		status := http.StatusBadGateway
		if execErr.Retryable {
			status = http.StatusGatewayTimeout
		}
		return problem(c, status, "execution failed", err.Error(), nil)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return problem(c, http.StatusNotFound, "not found", err.Error(), nil)
	}
	return problem(c, http.StatusInternalServerError, "internal error", err.Error(), nil)
}

// loadOwned retrieves a workflow and enforces tenant ownership. Workflows of
// other tenants are indistinguishable from missing ones.
func (s *Server) loadOwned(c echo.Context, id string) (*models.Workflow, error) {
	tenant, err := tenantID(c)
	if err != nil {
		return nil, err
	}
	workflow, err := s.Workflows.GetWorkflow(c.Request().Context(), id)
	if err != nil {
		return nil, mapError(c, err)
	}
	if workflow.TenantID != tenant {
		return nil, problem(c, http.StatusNotFound, "not found", "workflow not found", nil)
	}
	return workflow, nil
}

// ListWorkflows returns the tenant's workflows
// (GET /api/v1/workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	workflows, err := s.Workflows.ListWorkflows(c.Request().Context(), tenant)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, workflows)
}

// CreateWorkflowRequest is the payload for workflow creation.
type CreateWorkflowRequest struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Graph       models.Graph `json:"graph"`
}

// CreateWorkflow creates a new draft workflow
// (POST /api/v1/workflows)
func (s *Server) CreateWorkflow(c echo.Context) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	var req CreateWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "invalid request body", err.Error(), nil)
	}
	if req.Name == "" {
		return problem(c, http.StatusBadRequest, "invalid request body", "name is required", nil)
	}
	createdBy, _ := c.Request().Context().Value("user_email").(string)

	workflow, err := s.Workflows.CreateWorkflow(c.Request().Context(), tenant, req.Name, req.Description, createdBy, req.Graph)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusCreated, workflow)
}

// GetWorkflow returns one workflow
// (GET /api/v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	workflow, err := s.loadOwned(c, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflow)
}

// UpdateGraphRequest is the payload for a graph update.
type UpdateGraphRequest struct {
	Graph             models.Graph `json:"graph"`
	ChangeDescription string       `json:"change_description"`
}

// UpdateGraph replaces the workflow's graph and bumps the version
// (PUT /api/v1/workflows/:id/graph)
func (s *Server) UpdateGraph(c echo.Context) error {
	workflow, err := s.loadOwned(c, c.Param("id"))
	if err != nil {
		return err
	}
	var req UpdateGraphRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "invalid request body", err.Error(), nil)
	}
	updated, err := s.Workflows.UpdateGraph(c.Request().Context(), workflow.ID, req.Graph, req.ChangeDescription)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

// GraphRequest wraps a bare graph payload.
type GraphRequest struct {
	Graph models.Graph `json:"graph"`
}

// ValidateGraph validates a graph without persisting anything
// (POST /api/v1/workflows/validate)
func (s *Server) ValidateGraph(c echo.Context) error {
	if _, err := tenantID(c); err != nil {
		return err
	}
	var req GraphRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "invalid request body", err.Error(), nil)
	}
	return c.JSON(http.StatusOK, s.Workflows.Validate(req.Graph))
}

// CompileGraph compiles a graph without persisting or deploying
// (POST /api/v1/workflows/compile)
func (s *Server) CompileGraph(c echo.Context) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	var req GraphRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "invalid request body", err.Error(), nil)
	}
	compiled, err := s.Workflows.CompilePreview(req.Graph, tenant)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, compiled)
}

// PublishWorkflow compiles and deploys the workflow
// (POST /api/v1/workflows/:id/publish)
func (s *Server) PublishWorkflow(c echo.Context) error {
	workflow, err := s.loadOwned(c, c.Param("id"))
	if err != nil {
		return err
	}
	published, err := s.Workflows.Publish(c.Request().Context(), workflow.ID)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, published)
}

// RollbackRequest names the version to restore.
type RollbackRequest struct {
	TargetVersion int `json:"target_version"`
}

// RollbackWorkflow restores an earlier version as a new version
// (POST /api/v1/workflows/:id/rollback)
func (s *Server) RollbackWorkflow(c echo.Context) error {
	workflow, err := s.loadOwned(c, c.Param("id"))
	if err != nil {
		return err
	}
	var req RollbackRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "invalid request body", err.Error(), nil)
	}
	if req.TargetVersion < 1 {
		return problem(c, http.StatusBadRequest, "invalid request body", "target_version must be positive", nil)
	}
	rolled, err := s.Workflows.Rollback(c.Request().Context(), workflow.ID, req.TargetVersion)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, rolled)
}

// GetWorkflowVersion returns one immutable snapshot
// (GET /api/v1/workflows/:id/versions/:version)
func (s *Server) GetWorkflowVersion(c echo.Context) error {
	workflow, err := s.loadOwned(c, c.Param("id"))
	if err != nil {
		return err
	}
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil {
		return problem(c, http.StatusBadRequest, "invalid version", c.Param("version"), nil)
	}
	snapshot, err := s.Workflows.GetVersion(c.Request().Context(), workflow.ID, version)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, snapshot)
}

// ExecuteRequest is one end-user message to run through the live workflow.
type ExecuteRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// Execute runs a message through the tenant's live workflow
// (POST /api/v1/execute)
func (s *Server) Execute(c echo.Context) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "invalid request body", err.Error(), nil)
	}
	if req.Message == "" {
		return problem(c, http.StatusBadRequest, "invalid request body", "message is required", nil)
	}
	result, err := s.Workflows.Execute(c.Request().Context(), tenant, req.ConversationID, req.Message)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// RuntimeStatus reports the tenant's registry state
// (GET /api/v1/runtime/status)
func (s *Server) RuntimeStatus(c echo.Context) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.Workflows.Status(tenant))
}

// ActiveWorkflows lists live entries across tenants
// (GET /api/v1/runtime/workflows)
func (s *Server) ActiveWorkflows(c echo.Context) error {
	if _, err := tenantID(c); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.Workflows.ActiveWorkflows())
}

// UnloadWorkflow removes the tenant's live entry
// (DELETE /api/v1/runtime/workflow)
func (s *Server) UnloadWorkflow(c echo.Context) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	removed := s.Workflows.Unload(tenant)
	return c.JSON(http.StatusOK, map[string]bool{"removed": removed})
}
