package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/JakeFAU/ai-tool-finder/internal/store"
)

// EmbeddingCache implements store.EmbeddingCache on a pgvector column.
type EmbeddingCache struct {
	db DB
}

// NewEmbeddingCache creates an EmbeddingCache over an open pool.
func NewEmbeddingCache(db DB) (*EmbeddingCache, error) {
	if db == nil {
		return nil, errors.New("pool is required")
	}
	return &EmbeddingCache{db: db}, nil
}

// Get returns the cached record for a tool.
func (c *EmbeddingCache) Get(ctx context.Context, toolID int64) (store.EmbeddingRecord, error) {
	var (
		rec store.EmbeddingRecord
		vec pgvector.Vector
	)
	err := c.db.QueryRow(ctx,
		`SELECT tool_id, digest, model, embedding FROM tool_embeddings WHERE tool_id = $1`,
		toolID,
	).Scan(&rec.ToolID, &rec.Digest, &rec.Model, &vec)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.EmbeddingRecord{}, fmt.Errorf("embedding %d: %w", toolID, store.ErrNotFound)
		}
		return store.EmbeddingRecord{}, fmt.Errorf("get embedding: %w", err)
	}
	rec.Vector = vec.Slice()
	return rec, nil
}

// Put stores or replaces a record.
func (c *EmbeddingCache) Put(ctx context.Context, record store.EmbeddingRecord) error {
	_, err := c.db.Exec(ctx, `
		INSERT INTO tool_embeddings (tool_id, digest, model, embedding, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (tool_id) DO UPDATE SET
			digest = EXCLUDED.digest,
			model = EXCLUDED.model,
			embedding = EXCLUDED.embedding,
			updated_at = EXCLUDED.updated_at`,
		record.ToolID, record.Digest, record.Model, pgvector.NewVector(record.Vector),
	)
	if err != nil {
		return fmt.Errorf("put embedding: %w", err)
	}
	return nil
}

// Delete drops a tool's record; missing records are ignored.
func (c *EmbeddingCache) Delete(ctx context.Context, toolID int64) error {
	if _, err := c.db.Exec(ctx, `DELETE FROM tool_embeddings WHERE tool_id = $1`, toolID); err != nil {
		return fmt.Errorf("delete embedding: %w", err)
	}
	return nil
}

// All returns every record ordered by tool ID.
func (c *EmbeddingCache) All(ctx context.Context) ([]store.EmbeddingRecord, error) {
	rows, err := c.db.Query(ctx, `SELECT tool_id, digest, model, embedding FROM tool_embeddings ORDER BY tool_id`)
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	defer rows.Close()

	out := make([]store.EmbeddingRecord, 0)
	for rows.Next() {
		var (
			rec store.EmbeddingRecord
			vec pgvector.Vector
		)
		if err := rows.Scan(&rec.ToolID, &rec.Digest, &rec.Model, &vec); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		rec.Vector = vec.Slice()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	return out, nil
}
