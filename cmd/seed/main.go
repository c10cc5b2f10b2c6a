// Seed populates a development database with a demo tenant, a published
// support workflow, and a handful of knowledge chunks so the runtime has
// something to serve immediately after `docker compose up`.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"chatforge/backend/internal/config"
	"chatforge/backend/internal/engine"
	"chatforge/backend/internal/knowledge"
	"chatforge/backend/internal/repository"
	"chatforge/backend/pkg/models"
)

const (
	seedTenantDomain = "localhost"
	seedTenantName   = "ChatForge Dev"
	seedWorkflowName = "Support Bot"
	seedCreatedBy    = "seed@localhost"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	pool, err := connect(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer pool.Close()

	if err := repository.Migrate(ctx, pool); err != nil {
		log.Fatalf("schema migration failed: %v", err)
	}

	tenants := repository.NewPostgresTenantStore(pool)
	workflows := repository.NewPostgresWorkflowStore(pool)
	chunks := repository.NewPostgresKnowledgeStore(pool)

	tenant, err := ensureTenant(ctx, tenants)
	if err != nil {
		log.Fatalf("failed to ensure tenant: %v", err)
	}
	log.Printf("Tenant ready: %s (%s)", tenant.Name, tenant.ID)

	if err := ensureWorkflow(ctx, workflows, tenant.ID); err != nil {
		log.Fatalf("failed to seed workflow: %v", err)
	}

	// Knowledge chunks need the embedding service; skip them when it is not
	// reachable rather than failing the whole seed.
	if cfg.Embedding.URL == "" {
		log.Println("No embedding service configured, skipping knowledge chunks")
	} else {
		embedder := knowledge.NewHTTPEmbedder(cfg.Embedding.URL)
		if err := seedKnowledge(ctx, chunks, embedder, tenant.ID); err != nil {
			log.Printf("Knowledge seeding skipped: %v", err)
		}
	}

	log.Println("Seeding complete!")
}

func connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, err
	}
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func ensureTenant(ctx context.Context, tenants repository.TenantStore) (*models.Tenant, error) {
	existing, err := tenants.GetTenantByDomain(ctx, seedTenantDomain)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	tenant := &models.Tenant{
		ID:        uuid.New().String(),
		Name:      seedTenantName,
		Domain:    seedTenantDomain,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tenants.CreateTenant(ctx, tenant); err != nil {
		return nil, err
	}
	return tenant, nil
}

// ensureWorkflow creates and publishes the demo support workflow. Re-running
// the seed against a database that already has workflows is a no-op.
func ensureWorkflow(ctx context.Context, workflows repository.WorkflowStore, tenantID string) error {
	existing, err := workflows.ListWorkflows(ctx, tenantID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		log.Printf("Tenant already has %d workflow(s), skipping", len(existing))
		return nil
	}

	graph := demoGraph()
	compiled, err := engine.Compile(graph.Nodes, graph.Edges, tenantID)
	if err != nil {
		return fmt.Errorf("demo graph failed to compile: %w", err)
	}

	now := time.Now().UTC()
	workflow := &models.Workflow{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Name:        seedWorkflowName,
		Description: "Demo customer support assistant",
		Status:      models.WorkflowStatusPublished,
		Version:     1,
		Graph:       graph,
		Compiled:    compiled,
		PublishedAt: &now,
		CreatedBy:   seedCreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := workflows.SaveWorkflow(ctx, workflow); err != nil {
		return err
	}
	if err := workflows.SaveVersionSnapshot(ctx, &models.WorkflowVersion{
		ID:                uuid.New().String(),
		WorkflowID:        workflow.ID,
		Version:           1,
		Graph:             graph,
		Compiled:          compiled,
		ChangeDescription: "initial version",
		CreatedAt:         now,
	}); err != nil {
		return err
	}
	log.Printf("Created workflow %q (%s), published at version 1", workflow.Name, workflow.ID)
	return nil
}

// demoGraph is a small but complete workflow: persona, a vector-store
// knowledge source, a moderation node, keyword routing, and a fallback with
// human handoff enabled.
func demoGraph() models.Graph {
	return models.Graph{
		Nodes: []models.Node{
			{
				ID:   "persona-1",
				Kind: models.NodeKindPersona,
				Data: map[string]any{
					"prompt": "You are a friendly support assistant for ChatForge. Answer questions about workflows, publishing, and integrations.",
					"tone":   "helpful",
				},
			},
			{
				ID:   "knowledge-1",
				Kind: models.NodeKindKnowledge,
				Data: map[string]any{
					"sourceType": string(models.SourceTypeVectorStore),
					"config":     map[string]any{},
				},
			},
			{
				ID:   "moderation-1",
				Kind: models.NodeKindModeration,
				Data: map[string]any{
					"strictness": "medium",
				},
			},
			{
				ID:   "router-1",
				Kind: models.NodeKindRouter,
				Data: map[string]any{
					"conditions": []any{
						map[string]any{
							"type":     "keywords",
							"keywords": []any{"refund", "billing", "invoice"},
							"route":    "billing",
						},
					},
					"defaultRoute": "general",
				},
			},
			{
				ID:   "fallback-1",
				Kind: models.NodeKindFallback,
				Data: map[string]any{
					"message": "I'm not sure how to help with that. Let me connect you with a team member.",
					"escalation": map[string]any{
						"enabled": true,
						"type":    "human_handoff",
					},
				},
			},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "persona-1", Target: "knowledge-1"},
			{ID: "e2", Source: "knowledge-1", Target: "moderation-1"},
			{ID: "e3", Source: "moderation-1", Target: "router-1"},
			{ID: "e4", Source: "router-1", Target: "fallback-1"},
		},
	}
}

func seedKnowledge(ctx context.Context, store repository.KnowledgeStore, embedder knowledge.Embedder, tenantID string) error {
	collection := fmt.Sprintf("tenant_%s_knowledge", tenantID)
	documents := []string{
		"Workflows are published from the editor. Publishing compiles the graph and swaps it into the runtime atomically, so there is no downtime.",
		"Rolling back creates a new version carrying the older graph. Version history is append-only and never rewritten.",
		"Refunds are processed within 5 business days. Billing questions can be escalated to a human operator from any conversation.",
	}
	for i, content := range documents {
		embedding, err := embedder.GetEmbedding(ctx, content)
		if err != nil {
			return fmt.Errorf("embedding service unavailable: %w", err)
		}
		chunk := &repository.KnowledgeChunk{
			ID:         uuid.New().String(),
			Collection: collection,
			Content:    content,
			Metadata:   map[string]any{"source": "seed", "index": i},
		}
		if err := store.InsertChunk(ctx, chunk, embedding); err != nil {
			return err
		}
	}
	log.Printf("Seeded %d knowledge chunks into %s", len(documents), collection)
	return nil
}
