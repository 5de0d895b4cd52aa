package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/ai-tool-finder/internal/store"
)

// EmbeddingCache keeps embedding vectors in a map.
type EmbeddingCache struct {
	mu      sync.RWMutex
	records map[int64]store.EmbeddingRecord
}

// NewEmbeddingCache constructs an empty EmbeddingCache.
func NewEmbeddingCache() *EmbeddingCache {
	return &EmbeddingCache{records: make(map[int64]store.EmbeddingRecord)}
}

// Get returns the cached record for a tool.
func (c *EmbeddingCache) Get(_ context.Context, toolID int64) (store.EmbeddingRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[toolID]
	if !ok {
		return store.EmbeddingRecord{}, fmt.Errorf("embedding %d: %w", toolID, store.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

// Put stores or replaces a record.
func (c *EmbeddingCache) Put(_ context.Context, record store.EmbeddingRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[record.ToolID] = cloneRecord(record)
	return nil
}

// Delete drops a tool's record; missing records are ignored.
func (c *EmbeddingCache) Delete(_ context.Context, toolID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, toolID)
	return nil
}

// All returns every record ordered by tool ID.
func (c *EmbeddingCache) All(_ context.Context) ([]store.EmbeddingRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]store.EmbeddingRecord, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolID < out[j].ToolID })
	return out, nil
}

func cloneRecord(r store.EmbeddingRecord) store.EmbeddingRecord {
	r.Vector = append([]float32(nil), r.Vector...)
	return r
}
