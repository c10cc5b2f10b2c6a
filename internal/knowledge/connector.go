package knowledge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatforge/backend/internal/logging"
	"chatforge/backend/internal/repository"
	"chatforge/backend/internal/runtime"
	"chatforge/backend/pkg/models"
)

const (
	searchLimit = 5
	// fetchLimit caps how much of a remote document is pulled into context.
	fetchLimit   = 64 * 1024
	fetchTimeout = 10 * time.Second
)

// Connector retrieves knowledge context for a query across the compiled
// knowledge sources of a workflow. Vector-store sources are answered from the
// knowledge store; url and pdf sources are fetched live.
type Connector struct {
	store    repository.KnowledgeStore
	embedder Embedder
	client   *http.Client
	logger   *logging.Logger
}

// NewConnector creates a Connector.
func NewConnector(store repository.KnowledgeStore, embedder Embedder, logger *logging.Logger) *Connector {
	return &Connector{
		store:    store,
		embedder: embedder,
		client:   &http.Client{Timeout: fetchTimeout},
		logger:   logger,
	}
}

// GetKnowledge queries every searchable source and merges the results. One
// source failing never fails the whole retrieval; the failed source is logged
// and skipped.
func (c *Connector) GetKnowledge(ctx context.Context, query string, sources []models.KnowledgeSource, tenantID string) ([]runtime.KnowledgeResult, error) {
	var results []runtime.KnowledgeResult
	for _, source := range sources {
		if !source.Searchable {
			continue
		}
		found, err := c.query(ctx, query, source)
		if err != nil {
			c.logger.Warn("knowledge source unavailable", "tenant_id", tenantID, "source_id", source.ID, "source_type", source.SourceType, "error", err)
			continue
		}
		results = append(results, found...)
	}
	return results, nil
}

func (c *Connector) query(ctx context.Context, query string, source models.KnowledgeSource) ([]runtime.KnowledgeResult, error) {
	switch source.SourceType {
	case models.SourceTypeVectorStore:
		return c.searchVectors(ctx, query, source)
	case models.SourceTypeURL, models.SourceTypePDF:
		return c.fetchDocument(ctx, source)
	default:
		// sheets and file_upload content is ingested into the vector store
		// at upload time; there is nothing to query live.
		return nil, nil
	}
}

func (c *Connector) searchVectors(ctx context.Context, query string, source models.KnowledgeSource) ([]runtime.KnowledgeResult, error) {
	embedding, err := c.embedder.GetEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	chunks, err := c.store.Search(ctx, source.CollectionName, embedding, searchLimit)
	if err != nil {
		return nil, fmt.Errorf("search collection %q: %w", source.CollectionName, err)
	}
	results := make([]runtime.KnowledgeResult, 0, len(chunks))
	for _, chunk := range chunks {
		results = append(results, runtime.KnowledgeResult{
			Content:  chunk.Content,
			Metadata: chunk.Metadata,
		})
	}
	return results, nil
}

func (c *Connector) fetchDocument(ctx context.Context, source models.KnowledgeSource) ([]runtime.KnowledgeResult, error) {
	location, _ := source.Config["url"].(string)
	if location == "" {
		location, _ = source.Config["filePath"].(string)
	}
	if !strings.HasPrefix(location, "http://") && !strings.HasPrefix(location, "https://") {
		return nil, fmt.Errorf("source %s has no fetchable url", source.ID)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", location, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status code %d", location, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchLimit))
	if err != nil {
		return nil, err
	}
	content := strings.TrimSpace(string(body))
	if content == "" {
		return nil, nil
	}
	return []runtime.KnowledgeResult{{
		Content:  content,
		Metadata: map[string]any{"source": location},
	}}, nil
}
