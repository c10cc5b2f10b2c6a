package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PostgresKnowledgeStore stores knowledge chunks with their embeddings and
// serves cosine-distance similarity search, scoped by collection so tenants
// never see each other's content.
type PostgresKnowledgeStore struct {
	db *pgxpool.Pool
}

// NewPostgresKnowledgeStore creates a new PostgresKnowledgeStore.
func NewPostgresKnowledgeStore(db *pgxpool.Pool) *PostgresKnowledgeStore {
	return &PostgresKnowledgeStore{db: db}
}

// InsertChunk stores one chunk and its embedding.
func (s *PostgresKnowledgeStore) InsertChunk(ctx context.Context, chunk *KnowledgeChunk, embedding []float32) error {
	metadata, err := json.Marshal(chunk.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.Exec(ctx,
		"INSERT INTO knowledge_chunks (id, collection, content, embedding, metadata) VALUES ($1, $2, $3, $4, $5)",
		chunk.ID, chunk.Collection, chunk.Content, pgvector.NewVector(embedding), metadata)
	return err
}

// Search returns the chunks in a collection closest to the query embedding.
func (s *PostgresKnowledgeStore) Search(ctx context.Context, collection string, embedding []float32, limit int) ([]KnowledgeChunk, error) {
	rows, err := s.db.Query(ctx,
		"SELECT id, collection, content, metadata FROM knowledge_chunks WHERE collection = $1 ORDER BY embedding <=> $2 LIMIT $3",
		collection, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []KnowledgeChunk
	for rows.Next() {
		var chunk KnowledgeChunk
		var metadata []byte
		if err := rows.Scan(&chunk.ID, &chunk.Collection, &chunk.Content, &metadata); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &chunk.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}
