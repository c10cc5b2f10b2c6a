package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema holds the full DDL. Statements are idempotent so Migrate can run on
// every startup.
const schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	domain TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'draft',
	version INT NOT NULL DEFAULT 1,
	graph JSONB NOT NULL,
	compiled JSONB,
	published_at TIMESTAMPTZ,
	created_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_workflows_tenant ON workflows (tenant_id);

CREATE TABLE IF NOT EXISTS workflow_versions (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	version INT NOT NULL,
	graph JSONB NOT NULL,
	compiled JSONB,
	change_description TEXT NOT NULL DEFAULT '',
	is_rollback BOOLEAN NOT NULL DEFAULT false,
	rollback_from_version INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (workflow_id, version)
);

CREATE TABLE IF NOT EXISTS knowledge_chunks (
	id TEXT PRIMARY KEY,
	collection TEXT NOT NULL,
	content TEXT NOT NULL,
	embedding VECTOR(768),
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_collection ON knowledge_chunks (collection);
`

// Migrate applies the schema to the connected database.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}
