package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/ai-tool-finder/internal/store"
)

const toolColumns = `
	t.id, t.name, t.description, t.url, t.pricing, t.rating, t.created_at, t.updated_at,
	COALESCE(array_agg(c.name ORDER BY c.name) FILTER (WHERE c.name IS NOT NULL), '{}') AS categories
FROM tools t
LEFT JOIN tool_categories tc ON tc.tool_id = t.id
LEFT JOIN categories c ON c.id = tc.category_id`

// ToolStore implements store.ToolRepository on Postgres.
type ToolStore struct {
	db  DB
	now func() time.Time
}

// NewToolStore creates a ToolStore over an open pool.
func NewToolStore(db DB) (*ToolStore, error) {
	if db == nil {
		return nil, errors.New("pool is required")
	}
	return &ToolStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Upsert inserts or updates the tool keyed by URL and replaces its category
// links in one transaction.
func (s *ToolStore) Upsert(ctx context.Context, candidate store.Candidate) (tool store.Tool, err error) {
	c := candidate.Normalize()
	if err := c.Validate(); err != nil {
		return store.Tool{}, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return store.Tool{}, fmt.Errorf("begin upsert: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) && err == nil {
			err = fmt.Errorf("rollback upsert: %w", rbErr)
		}
	}()

	tool = store.Tool{
		Name:        c.Name,
		Description: c.Description,
		URL:         c.URL,
		Pricing:     c.Pricing,
		Rating:      c.Rating,
		Categories:  c.Categories,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO tools (name, description, url, pricing, rating, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (url) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			pricing = EXCLUDED.pricing,
			rating = EXCLUDED.rating,
			updated_at = GREATEST(EXCLUDED.updated_at, tools.created_at)
		RETURNING id, created_at, updated_at`,
		c.Name, c.Description, c.URL, c.Pricing, c.Rating, s.now(),
	).Scan(&tool.ID, &tool.CreatedAt, &tool.UpdatedAt)
	if err != nil {
		return store.Tool{}, fmt.Errorf("upsert tool: %w", err)
	}

	if _, err = tx.Exec(ctx, `DELETE FROM tool_categories WHERE tool_id = $1`, tool.ID); err != nil {
		return store.Tool{}, fmt.Errorf("clear tool categories: %w", err)
	}
	if len(c.Categories) > 0 {
		if _, err = tx.Exec(ctx,
			`INSERT INTO categories (name) SELECT unnest($1::text[]) ON CONFLICT (name) DO NOTHING`,
			c.Categories,
		); err != nil {
			return store.Tool{}, fmt.Errorf("insert categories: %w", err)
		}
		if _, err = tx.Exec(ctx,
			`INSERT INTO tool_categories (tool_id, category_id) SELECT $1, id FROM categories WHERE name = ANY($2::text[])`,
			tool.ID, c.Categories,
		); err != nil {
			return store.Tool{}, fmt.Errorf("link tool categories: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return store.Tool{}, fmt.Errorf("commit upsert: %w", err)
	}
	committed = true
	return tool, nil
}

// Get returns a tool by ID.
func (s *ToolStore) Get(ctx context.Context, id int64) (store.Tool, error) {
	rows, err := s.db.Query(ctx, `SELECT `+toolColumns+`
		WHERE t.id = $1
		GROUP BY t.id`, id)
	if err != nil {
		return store.Tool{}, fmt.Errorf("get tool: %w", err)
	}
	tools, err := scanTools(rows)
	if err != nil {
		return store.Tool{}, fmt.Errorf("get tool: %w", err)
	}
	if len(tools) == 0 {
		return store.Tool{}, fmt.Errorf("tool %d: %w", id, store.ErrNotFound)
	}
	return tools[0], nil
}

// List pages through tools in ascending ID order.
func (s *ToolStore) List(ctx context.Context, opts store.ListOptions) ([]store.Tool, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.db.Query(ctx, `SELECT `+toolColumns+`
		WHERE $1 = '' OR EXISTS (
			SELECT 1 FROM tool_categories fc
			JOIN categories f ON f.id = fc.category_id
			WHERE fc.tool_id = t.id AND f.name = $1
		)
		GROUP BY t.id
		ORDER BY t.id
		LIMIT $2 OFFSET $3`, opts.Category, limit, max(opts.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	tools, err := scanTools(rows)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return tools, nil
}

// ListCategories returns every category with its tool count.
func (s *ToolStore) ListCategories(ctx context.Context) ([]store.CategoryCount, error) {
	rows, err := s.db.Query(ctx, `
		SELECT c.name, COUNT(tc.tool_id)
		FROM categories c
		LEFT JOIN tool_categories tc ON tc.category_id = c.id
		GROUP BY c.name
		ORDER BY c.name`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	out := make([]store.CategoryCount, 0)
	for rows.Next() {
		var (
			name  string
			count int64
		)
		if err := rows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, store.CategoryCount{Name: name, ToolCount: int(count)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return out, nil
}

// Delete removes a tool; links and cached embeddings cascade.
func (s *ToolStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM tools WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete tool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tool %d: %w", id, store.ErrNotFound)
	}
	return nil
}

// All returns every tool in ascending ID order.
func (s *ToolStore) All(ctx context.Context) ([]store.Tool, error) {
	return s.List(ctx, store.ListOptions{})
}

// ChangedSince returns tools updated at or after since, oldest first.
func (s *ToolStore) ChangedSince(ctx context.Context, since time.Time) ([]store.Tool, error) {
	rows, err := s.db.Query(ctx, `SELECT `+toolColumns+`
		WHERE t.updated_at >= $1
		GROUP BY t.id
		ORDER BY t.updated_at, t.id`, since)
	if err != nil {
		return nil, fmt.Errorf("list changed tools: %w", err)
	}
	tools, err := scanTools(rows)
	if err != nil {
		return nil, fmt.Errorf("list changed tools: %w", err)
	}
	return tools, nil
}

func scanTools(rows pgx.Rows) ([]store.Tool, error) {
	defer rows.Close()
	out := make([]store.Tool, 0)
	for rows.Next() {
		var t store.Tool
		if err := rows.Scan(
			&t.ID,
			&t.Name,
			&t.Description,
			&t.URL,
			&t.Pricing,
			&t.Rating,
			&t.CreatedAt,
			&t.UpdatedAt,
			&t.Categories,
		); err != nil {
			return nil, fmt.Errorf("scan tool: %w", err)
		}
		if t.Categories == nil {
			t.Categories = []string{}
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
