package postgres

import (
	"context"
	"fmt"
)

var toolSchema = []string{
	`CREATE TABLE IF NOT EXISTS tools (
		id          BIGSERIAL PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT,
		url         TEXT NOT NULL UNIQUE,
		pricing     TEXT,
		rating      DOUBLE PRECISION CHECK (rating IS NULL OR (rating >= 0 AND rating <= 5)),
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS categories (
		id   BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS tool_categories (
		tool_id     BIGINT NOT NULL REFERENCES tools(id) ON DELETE CASCADE,
		category_id BIGINT NOT NULL REFERENCES categories(id) ON DELETE CASCADE,
		PRIMARY KEY (tool_id, category_id)
	)`,
	`CREATE INDEX IF NOT EXISTS tools_updated_at_idx ON tools (updated_at)`,
}

var embeddingSchema = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,
	`CREATE TABLE IF NOT EXISTS tool_embeddings (
		tool_id    BIGINT PRIMARY KEY REFERENCES tools(id) ON DELETE CASCADE,
		digest     TEXT NOT NULL,
		model      TEXT NOT NULL,
		embedding  VECTOR NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates the catalog tables when missing. With vector set it
// also creates the embedding cache table.
func EnsureSchema(ctx context.Context, db DB, vector bool) error {
	statements := toolSchema
	if vector {
		statements = append(append([]string(nil), toolSchema...), embeddingSchema...)
	}
	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
