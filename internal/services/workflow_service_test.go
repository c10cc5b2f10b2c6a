package services

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatforge/backend/internal/logging"
	"chatforge/backend/internal/repository"
	"chatforge/backend/internal/runtime"
	"chatforge/backend/pkg/models"
)

type fakeWorkflowStore struct {
	mu        sync.Mutex
	workflows map[string]*models.Workflow
	versions  map[string][]*models.WorkflowVersion
}

func newFakeWorkflowStore() *fakeWorkflowStore {
	return &fakeWorkflowStore{
		workflows: make(map[string]*models.Workflow),
		versions:  make(map[string][]*models.WorkflowVersion),
	}
}

func (f *fakeWorkflowStore) LoadWorkflow(_ context.Context, id string) (*models.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *wf
	return &copied, nil
}

func (f *fakeWorkflowStore) SaveWorkflow(_ context.Context, workflow *models.Workflow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *workflow
	f.workflows[workflow.ID] = &copied
	return nil
}

func (f *fakeWorkflowStore) ListWorkflows(_ context.Context, tenantID string) ([]*models.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Workflow
	for _, wf := range f.workflows {
		if wf.TenantID == tenantID {
			copied := *wf
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeWorkflowStore) FindPublished(_ context.Context, tenantID string) (*models.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, wf := range f.workflows {
		if wf.TenantID == tenantID && wf.Status == models.WorkflowStatusPublished {
			copied := *wf
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeWorkflowStore) ListPublished(_ context.Context) ([]*models.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Workflow
	for _, wf := range f.workflows {
		if wf.Status == models.WorkflowStatusPublished {
			copied := *wf
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeWorkflowStore) SaveVersionSnapshot(_ context.Context, snapshot *models.WorkflowVersion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.versions[snapshot.WorkflowID] {
		if existing.Version == snapshot.Version {
			return fmt.Errorf("duplicate version %d", snapshot.Version)
		}
	}
	copied := *snapshot
	f.versions[snapshot.WorkflowID] = append(f.versions[snapshot.WorkflowID], &copied)
	return nil
}

func (f *fakeWorkflowStore) GetVersion(_ context.Context, workflowID string, version int) (*models.WorkflowVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, snap := range f.versions[workflowID] {
		if snap.Version == version {
			copied := *snap
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeWorkflowStore) GetLatestVersion(_ context.Context, workflowID string) (*models.WorkflowVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *models.WorkflowVersion
	for _, snap := range f.versions[workflowID] {
		if latest == nil || snap.Version > latest.Version {
			latest = snap
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	copied := *latest
	return &copied, nil
}

type recordingModel struct {
	mu       sync.Mutex
	response string
	lastMsgs []runtime.Message
}

func (m *recordingModel) Complete(_ context.Context, messages []runtime.Message, _ runtime.SamplingParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastMsgs = messages
	return m.response, nil
}

type fakeConversations struct {
	mu       sync.Mutex
	turns    map[string][]runtime.Message
	assisted map[string]bool
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{turns: make(map[string][]runtime.Message), assisted: make(map[string]bool)}
}

func (f *fakeConversations) key(tenantID, conversationID string) string {
	return tenantID + "/" + conversationID
}

func (f *fakeConversations) Recent(_ context.Context, tenantID, conversationID string, limit int) ([]runtime.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	turns := f.turns[f.key(tenantID, conversationID)]
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

func (f *fakeConversations) Append(_ context.Context, tenantID, conversationID string, turns ...runtime.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := f.key(tenantID, conversationID)
	f.turns[key] = append(f.turns[key], turns...)
	return nil
}

func (f *fakeConversations) IsConversationAssisted(_ context.Context, tenantID, conversationID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assisted[f.key(tenantID, conversationID)], nil
}

func personaGraph(prompt string) models.Graph {
	return models.Graph{Nodes: []models.Node{
		{ID: "p1", Kind: models.NodeKindPersona, Data: map[string]any{"prompt": prompt}},
	}}
}

func newTestService(t *testing.T, model runtime.ModelClient) (*WorkflowService, *fakeWorkflowStore, *fakeConversations) {
	t.Helper()
	store := newFakeWorkflowStore()
	conversations := newFakeConversations()
	exec := runtime.NewExecutor(model, nil, nil, logging.NewNop(), runtime.ExecutorOptions{})
	registry := runtime.NewRegistry(exec, nil, logging.NewNop())
	return NewWorkflowService(store, registry, conversations, logging.NewNop()), store, conversations
}

func TestWorkflowService(t *testing.T) {
	ctx := context.Background()

	t.Run("create starts at version one with a snapshot", func(t *testing.T) {
		svc, store, _ := newTestService(t, &recordingModel{response: "hi"})

		wf, err := svc.CreateWorkflow(ctx, "tenant-1", "Support Bot", "", "user-1", personaGraph("v1"))
		require.NoError(t, err)
		assert.Equal(t, 1, wf.Version)
		assert.Equal(t, models.WorkflowStatusDraft, wf.Status)

		snap, err := store.GetVersion(ctx, wf.ID, 1)
		require.NoError(t, err)
		assert.False(t, snap.IsRollback)
	})

	t.Run("graph updates increment the version by exactly one", func(t *testing.T) {
		svc, _, _ := newTestService(t, &recordingModel{response: "hi"})
		wf, err := svc.CreateWorkflow(ctx, "tenant-1", "Support Bot", "", "user-1", personaGraph("v1"))
		require.NoError(t, err)

		updated, err := svc.UpdateGraph(ctx, wf.ID, personaGraph("v2"), "tweak persona")
		require.NoError(t, err)
		assert.Equal(t, 2, updated.Version)
		assert.Nil(t, updated.Compiled)
	})

	t.Run("publish compiles, deploys, and archives the previous live workflow", func(t *testing.T) {
		svc, _, _ := newTestService(t, &recordingModel{response: "hi"})

		first, err := svc.CreateWorkflow(ctx, "tenant-1", "First", "", "user-1", personaGraph("first"))
		require.NoError(t, err)
		_, err = svc.Publish(ctx, first.ID)
		require.NoError(t, err)

		second, err := svc.CreateWorkflow(ctx, "tenant-1", "Second", "", "user-1", personaGraph("second"))
		require.NoError(t, err)
		published, err := svc.Publish(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, models.WorkflowStatusPublished, published.Status)
		require.NotNil(t, published.PublishedAt)

		archived, err := svc.GetWorkflow(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, models.WorkflowStatusArchived, archived.Status)

		status := svc.Status("tenant-1")
		require.NotNil(t, status.Workflow)
		assert.Equal(t, second.ID, status.Workflow.WorkflowID)
	})

	t.Run("publish of an invalid graph changes nothing", func(t *testing.T) {
		svc, _, _ := newTestService(t, &recordingModel{response: "hi"})
		wf, err := svc.CreateWorkflow(ctx, "tenant-1", "Broken", "", "user-1", personaGraph("  "))
		require.NoError(t, err)

		_, err = svc.Publish(ctx, wf.ID)
		require.Error(t, err)

		loaded, err := svc.GetWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, models.WorkflowStatusDraft, loaded.Status)
		assert.Equal(t, "not_loaded", svc.Status("tenant-1").Status)
	})

	t.Run("rollback creates a new forward version with provenance", func(t *testing.T) {
		model := &recordingModel{response: "hi"}
		svc, store, _ := newTestService(t, model)

		wf, err := svc.CreateWorkflow(ctx, "tenant-1", "Support Bot", "", "user-1", personaGraph("v1 persona"))
		require.NoError(t, err)
		_, err = svc.UpdateGraph(ctx, wf.ID, personaGraph("v2 persona"), "second")
		require.NoError(t, err)
		_, err = svc.Publish(ctx, wf.ID)
		require.NoError(t, err)

		rolled, err := svc.Rollback(ctx, wf.ID, 1)
		require.NoError(t, err)
		assert.Equal(t, 3, rolled.Version)
		assert.Equal(t, "v1 persona", rolled.Graph.Nodes[0].Data["prompt"])

		snap, err := store.GetLatestVersion(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, snap.Version)
		assert.True(t, snap.IsRollback)
		assert.Equal(t, 1, snap.RollbackFromVersion)

		// The published workflow is redeployed on rollback.
		status := svc.Status("tenant-1")
		require.NotNil(t, status.Workflow)
		assert.Equal(t, 3, status.Workflow.Version)

		result, err := svc.Execute(ctx, "tenant-1", "", "hello")
		require.NoError(t, err)
		assert.Equal(t, 3, result.Metadata.WorkflowVersion)
		assert.Contains(t, model.lastMsgs[0].Content, "v1 persona")
	})

	t.Run("execute replays and records the transcript", func(t *testing.T) {
		model := &recordingModel{response: "the answer"}
		svc, _, conversations := newTestService(t, model)

		wf, err := svc.CreateWorkflow(ctx, "tenant-1", "Support Bot", "", "user-1", personaGraph("persona"))
		require.NoError(t, err)
		_, err = svc.Publish(ctx, wf.ID)
		require.NoError(t, err)

		_, err = svc.Execute(ctx, "tenant-1", "conv-1", "first question")
		require.NoError(t, err)
		_, err = svc.Execute(ctx, "tenant-1", "conv-1", "second question")
		require.NoError(t, err)

		// Second call sees the first exchange: system + 2 history + user.
		assert.Len(t, model.lastMsgs, 4)
		assert.Equal(t, "first question", model.lastMsgs[1].Content)
		assert.Equal(t, "the answer", model.lastMsgs[2].Content)

		turns := conversations.turns["tenant-1/conv-1"]
		assert.Len(t, turns, 4)
	})

	t.Run("assisted conversations get suggestions and no assistant turn recorded", func(t *testing.T) {
		svc, _, conversations := newTestService(t, &recordingModel{response: "suggested"})

		wf, err := svc.CreateWorkflow(ctx, "tenant-1", "Support Bot", "", "user-1", personaGraph("persona"))
		require.NoError(t, err)
		_, err = svc.Publish(ctx, wf.ID)
		require.NoError(t, err)

		conversations.assisted["tenant-1/conv-9"] = true
		result, err := svc.Execute(ctx, "tenant-1", "conv-9", "help")
		require.NoError(t, err)
		assert.True(t, result.Suggestion)
		assert.Len(t, conversations.turns["tenant-1/conv-9"], 1)
	})

	t.Run("unload stops serving the tenant", func(t *testing.T) {
		svc, _, _ := newTestService(t, &recordingModel{response: "hi"})

		wf, err := svc.CreateWorkflow(ctx, "tenant-1", "Support Bot", "", "user-1", personaGraph("persona"))
		require.NoError(t, err)
		_, err = svc.Publish(ctx, wf.ID)
		require.NoError(t, err)

		assert.True(t, svc.Unload("tenant-1"))
		_, err = svc.Execute(ctx, "tenant-1", "", "hello")
		require.Error(t, err)
	})
}
