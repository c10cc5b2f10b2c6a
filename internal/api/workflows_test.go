package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatforge/backend/internal/engine"
	"chatforge/backend/internal/repository"
	"chatforge/backend/internal/runtime"
	"chatforge/backend/pkg/models"
)

type stubService struct {
	WorkflowService

	workflow   *models.Workflow
	getErr     error
	publishErr error
	result     *runtime.Result
	executeErr error
	validation engine.ValidationResult
}

func (s *stubService) GetWorkflow(context.Context, string) (*models.Workflow, error) {
	return s.workflow, s.getErr
}

func (s *stubService) Publish(context.Context, string) (*models.Workflow, error) {
	if s.publishErr != nil {
		return nil, s.publishErr
	}
	return s.workflow, nil
}

func (s *stubService) Execute(context.Context, string, string, string) (*runtime.Result, error) {
	return s.result, s.executeErr
}

func (s *stubService) Validate(models.Graph) engine.ValidationResult {
	return s.validation
}

func doRequest(t *testing.T, svc WorkflowService, method, path, tenant, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	RegisterHandlers(e.Group("/api/v1"), NewServer(svc))

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if tenant != "" {
		req = req.WithContext(context.WithValue(req.Context(), "tenant_id", tenant))
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestWorkflowHandlers(t *testing.T) {
	t.Run("requests without a tenant are unauthorized", func(t *testing.T) {
		rec := doRequest(t, &stubService{}, http.MethodGet, "/api/v1/runtime/status", "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("foreign workflows look like missing ones", func(t *testing.T) {
		svc := &stubService{workflow: &models.Workflow{ID: "wf-1", TenantID: "other-tenant"}}
		rec := doRequest(t, svc, http.MethodGet, "/api/v1/workflows/wf-1", "tenant-1", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unknown workflows are 404", func(t *testing.T) {
		svc := &stubService{getErr: repository.ErrNotFound}
		rec := doRequest(t, svc, http.MethodGet, "/api/v1/workflows/nope", "tenant-1", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "application/problem+json")
	})

	t.Run("validation failures on publish are 422 with the full error list", func(t *testing.T) {
		svc := &stubService{
			workflow:   &models.Workflow{ID: "wf-1", TenantID: "tenant-1"},
			publishErr: &engine.ValidationError{Errors: []string{"persona node p1 has an empty prompt", "graph contains a cycle"}},
		}
		rec := doRequest(t, svc, http.MethodPost, "/api/v1/workflows/wf-1/publish", "tenant-1", "")
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, rec.Body.String(), "empty prompt")
		assert.Contains(t, rec.Body.String(), "cycle")
	})

	t.Run("execute without a live workflow is unavailable", func(t *testing.T) {
		svc := &stubService{executeErr: &runtime.NotLoadedError{TenantID: "tenant-1"}}
		rec := doRequest(t, svc, http.MethodPost, "/api/v1/execute", "tenant-1",
			`{"message":"hello"}`)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("execute requires a message", func(t *testing.T) {
		rec := doRequest(t, &stubService{}, http.MethodPost, "/api/v1/execute", "tenant-1", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("successful execution returns the result", func(t *testing.T) {
		svc := &stubService{result: &runtime.Result{
			Response: "Hi there!",
			Metadata: runtime.Metadata{TenantID: "tenant-1", WorkflowVersion: 3},
		}}
		rec := doRequest(t, svc, http.MethodPost, "/api/v1/execute", "tenant-1",
			`{"conversation_id":"conv-1","message":"hello"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "Hi there!")
	})

	t.Run("validate returns the accumulated errors without failing", func(t *testing.T) {
		svc := &stubService{validation: engine.ValidationResult{
			Valid:  false,
			Errors: []string{"router node r1 has no conditions"},
		}}
		rec := doRequest(t, svc, http.MethodPost, "/api/v1/workflows/validate", "tenant-1",
			`{"graph":{"nodes":[],"edges":[]}}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "r1 has no conditions")
	})

	t.Run("retryable execution errors are gateway timeouts", func(t *testing.T) {
		svc := &stubService{executeErr: &runtime.ExecutionError{Stage: "model", Retryable: true, Err: context.DeadlineExceeded}}
		rec := doRequest(t, svc, http.MethodPost, "/api/v1/execute", "tenant-1",
			`{"message":"hello"}`)
		assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	})
}
