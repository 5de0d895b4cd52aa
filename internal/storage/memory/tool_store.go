// Package memory provides in-process implementations of the storage
// contracts for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/ai-tool-finder/internal/store"
)

// ToolStore keeps the tool catalog in maps guarded by a mutex.
type ToolStore struct {
	mu         sync.RWMutex
	nextID     int64
	tools      map[int64]store.Tool
	byURL      map[string]int64
	categories map[string]struct{}
	now        func() time.Time
}

// ToolStoreOption customizes a ToolStore.
type ToolStoreOption func(*ToolStore)

// WithNow replaces the time source used for timestamps.
func WithNow(now func() time.Time) ToolStoreOption {
	return func(s *ToolStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewToolStore constructs an empty ToolStore.
func NewToolStore(opts ...ToolStoreOption) *ToolStore {
	s := &ToolStore{
		tools:      make(map[int64]store.Tool),
		byURL:      make(map[string]int64),
		categories: make(map[string]struct{}),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upsert inserts a new tool or overwrites the one stored under the same URL.
func (s *ToolStore) Upsert(_ context.Context, candidate store.Candidate) (store.Tool, error) {
	c := candidate.Normalize()
	if err := c.Validate(); err != nil {
		return store.Tool{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, name := range c.Categories {
		s.categories[name] = struct{}{}
	}

	if id, ok := s.byURL[c.URL]; ok {
		tool := s.tools[id]
		tool.Name = c.Name
		tool.Description = c.Description
		tool.Pricing = c.Pricing
		tool.Rating = c.Rating
		tool.Categories = c.Categories
		if now.Before(tool.CreatedAt) {
			now = tool.CreatedAt
		}
		tool.UpdatedAt = now
		s.tools[id] = tool
		return cloneTool(tool), nil
	}

	s.nextID++
	tool := store.Tool{
		ID:          s.nextID,
		Name:        c.Name,
		Description: c.Description,
		URL:         c.URL,
		Pricing:     c.Pricing,
		Rating:      c.Rating,
		Categories:  c.Categories,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.tools[tool.ID] = tool
	s.byURL[tool.URL] = tool.ID
	return cloneTool(tool), nil
}

// Get returns a tool by ID.
func (s *ToolStore) Get(_ context.Context, id int64) (store.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tool, ok := s.tools[id]
	if !ok {
		return store.Tool{}, fmt.Errorf("tool %d: %w", id, store.ErrNotFound)
	}
	return cloneTool(tool), nil
}

// List pages through tools in ascending ID order.
func (s *ToolStore) List(_ context.Context, opts store.ListOptions) ([]store.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.Tool, 0)
	skipped := 0
	for _, id := range s.sortedIDs() {
		tool := s.tools[id]
		if opts.Category != "" && !hasCategory(tool, opts.Category) {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
		out = append(out, cloneTool(tool))
	}
	return out, nil
}

// ListCategories returns every known category with its tool count.
func (s *ToolStore) ListCategories(_ context.Context) ([]store.CategoryCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int, len(s.categories))
	for name := range s.categories {
		counts[name] = 0
	}
	for _, tool := range s.tools {
		for _, name := range tool.Categories {
			counts[name]++
		}
	}
	out := make([]store.CategoryCount, 0, len(counts))
	for name, n := range counts {
		out = append(out, store.CategoryCount{Name: name, ToolCount: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes a tool. Its categories stay known.
func (s *ToolStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tool, ok := s.tools[id]
	if !ok {
		return fmt.Errorf("tool %d: %w", id, store.ErrNotFound)
	}
	delete(s.tools, id)
	delete(s.byURL, tool.URL)
	return nil
}

// All returns every tool in ascending ID order.
func (s *ToolStore) All(ctx context.Context) ([]store.Tool, error) {
	return s.List(ctx, store.ListOptions{})
}

// ChangedSince returns tools updated at or after since, oldest first.
func (s *ToolStore) ChangedSince(_ context.Context, since time.Time) ([]store.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Tool, 0)
	for _, tool := range s.tools {
		if tool.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, cloneTool(tool))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *ToolStore) sortedIDs() []int64 {
	ids := make([]int64, 0, len(s.tools))
	for id := range s.tools {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func hasCategory(tool store.Tool, name string) bool {
	for _, c := range tool.Categories {
		if c == name {
			return true
		}
	}
	return false
}

func cloneTool(t store.Tool) store.Tool {
	t.Categories = append([]string{}, t.Categories...)
	return t
}
