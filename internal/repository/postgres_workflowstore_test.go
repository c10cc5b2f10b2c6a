package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"chatforge/backend/pkg/models"
)

func setupTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		t.Fatal(err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	if err := Migrate(ctx, pool); err != nil {
		t.Fatal(err)
	}
	return pool
}

func sampleGraph() models.Graph {
	return models.Graph{
		Nodes: []models.Node{
			{ID: "p1", Kind: models.NodeKindPersona, Data: map[string]any{"prompt": "You are Acme support"}},
		},
	}
}

func TestPostgresWorkflowStore(t *testing.T) {
	ctx := context.Background()
	pool := setupTestPool(t)
	store := NewPostgresWorkflowStore(pool)

	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("save and load round-trips the graph", func(t *testing.T) {
		wf := &models.Workflow{
			ID:        uuid.New().String(),
			TenantID:  uuid.New().String(),
			Name:      "Support Bot",
			Status:    models.WorkflowStatusDraft,
			Version:   1,
			Graph:     sampleGraph(),
			CreatedAt: now,
			UpdatedAt: now,
		}
		require.NoError(t, store.SaveWorkflow(ctx, wf))

		loaded, err := store.LoadWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, wf.Name, loaded.Name)
		assert.Equal(t, wf.Version, loaded.Version)
		assert.Equal(t, wf.Graph, loaded.Graph)
		assert.Nil(t, loaded.Compiled)
	})

	t.Run("load of a missing workflow reports not found", func(t *testing.T) {
		_, err := store.LoadWorkflow(ctx, uuid.New().String())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("save updates an existing workflow in place", func(t *testing.T) {
		wf := &models.Workflow{
			ID:        uuid.New().String(),
			TenantID:  uuid.New().String(),
			Name:      "Support Bot",
			Status:    models.WorkflowStatusDraft,
			Version:   1,
			Graph:     sampleGraph(),
			CreatedAt: now,
			UpdatedAt: now,
		}
		require.NoError(t, store.SaveWorkflow(ctx, wf))

		wf.Version = 2
		wf.Status = models.WorkflowStatusPublished
		published := now.Add(time.Minute)
		wf.PublishedAt = &published
		require.NoError(t, store.SaveWorkflow(ctx, wf))

		loaded, err := store.LoadWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, loaded.Version)
		assert.Equal(t, models.WorkflowStatusPublished, loaded.Status)
		require.NotNil(t, loaded.PublishedAt)
	})

	t.Run("find published returns only the published workflow", func(t *testing.T) {
		tenantID := uuid.New().String()

		draft := &models.Workflow{
			ID: uuid.New().String(), TenantID: tenantID, Name: "Draft",
			Status: models.WorkflowStatusDraft, Version: 1, Graph: sampleGraph(),
			CreatedAt: now, UpdatedAt: now,
		}
		live := &models.Workflow{
			ID: uuid.New().String(), TenantID: tenantID, Name: "Live",
			Status: models.WorkflowStatusPublished, Version: 3, Graph: sampleGraph(),
			CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, store.SaveWorkflow(ctx, draft))
		require.NoError(t, store.SaveWorkflow(ctx, live))

		found, err := store.FindPublished(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, "Live", found.Name)

		_, err = store.FindPublished(ctx, uuid.New().String())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("version snapshots are stored and retrieved by number", func(t *testing.T) {
		workflowID := uuid.New().String()
		for version := 1; version <= 3; version++ {
			snap := &models.WorkflowVersion{
				ID:         uuid.New().String(),
				WorkflowID: workflowID,
				Version:    version,
				Graph:      sampleGraph(),
				CreatedAt:  now,
			}
			if version == 3 {
				snap.IsRollback = true
				snap.RollbackFromVersion = 2
			}
			require.NoError(t, store.SaveVersionSnapshot(ctx, snap))
		}

		v2, err := store.GetVersion(ctx, workflowID, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, v2.Version)
		assert.False(t, v2.IsRollback)

		latest, err := store.GetLatestVersion(ctx, workflowID)
		require.NoError(t, err)
		assert.Equal(t, 3, latest.Version)
		assert.True(t, latest.IsRollback)
		assert.Equal(t, 2, latest.RollbackFromVersion)
	})

	t.Run("duplicate version numbers are rejected", func(t *testing.T) {
		workflowID := uuid.New().String()
		snap := &models.WorkflowVersion{
			ID: uuid.New().String(), WorkflowID: workflowID, Version: 1,
			Graph: sampleGraph(), CreatedAt: now,
		}
		require.NoError(t, store.SaveVersionSnapshot(ctx, snap))

		dup := &models.WorkflowVersion{
			ID: uuid.New().String(), WorkflowID: workflowID, Version: 1,
			Graph: sampleGraph(), CreatedAt: now,
		}
		assert.Error(t, store.SaveVersionSnapshot(ctx, dup))
	})
}

func TestPostgresKnowledgeStore(t *testing.T) {
	ctx := context.Background()
	pool := setupTestPool(t)
	store := NewPostgresKnowledgeStore(pool)

	embed := func(seed float32) []float32 {
		v := make([]float32, 768)
		v[0] = seed
		v[1] = 1 - seed
		return v
	}

	collection := "tenant_acme_knowledge"
	require.NoError(t, store.InsertChunk(ctx, &KnowledgeChunk{
		ID: uuid.New().String(), Collection: collection,
		Content:  "Acme ships worldwide.",
		Metadata: map[string]any{"source": "faq"},
	}, embed(1)))
	require.NoError(t, store.InsertChunk(ctx, &KnowledgeChunk{
		ID: uuid.New().String(), Collection: collection,
		Content: "Returns are accepted within 30 days.",
	}, embed(0)))
	require.NoError(t, store.InsertChunk(ctx, &KnowledgeChunk{
		ID: uuid.New().String(), Collection: "tenant_other_knowledge",
		Content: "Other tenant secret.",
	}, embed(1)))

	t.Run("search ranks by similarity within a collection", func(t *testing.T) {
		chunks, err := store.Search(ctx, collection, embed(1), 5)
		require.NoError(t, err)
		require.Len(t, chunks, 2)
		assert.Equal(t, "Acme ships worldwide.", chunks[0].Content)
		assert.Equal(t, map[string]any{"source": "faq"}, chunks[0].Metadata)
	})

	t.Run("search never crosses collections", func(t *testing.T) {
		chunks, err := store.Search(ctx, collection, embed(1), 10)
		require.NoError(t, err)
		for _, chunk := range chunks {
			assert.Equal(t, collection, chunk.Collection)
		}
	})
}
