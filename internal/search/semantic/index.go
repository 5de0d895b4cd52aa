// Package semantic implements nearest-neighbor search over cached tool
// embeddings.
package semantic

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/ai-tool-finder/internal/hash/sha256"
	"github.com/JakeFAU/ai-tool-finder/internal/search"
	"github.com/JakeFAU/ai-tool-finder/internal/store"
)

// Embedder turns text into a vector. embedding.Service satisfies it.
type Embedder interface {
	Model() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Prepared is an embedding computed ahead of Commit so that slow embedding
// calls can run outside the caller's locks.
type Prepared struct {
	Digest string
	Model  string
	Vector []float32
	// Reused is set when the vector came from an existing entry.
	Reused bool
	Err    error
	// cached is set when the vector was read back from the cache record of
	// the tool it will be committed to.
	cached bool
}

type entry struct {
	digest string
	// vec is L2-normalized.
	vec []float32
}

// Index holds one vector per tool and mirrors them into a persistent cache.
// Query time never re-embeds stored tools.
type Index struct {
	embedder Embedder
	cache    store.EmbeddingCache
	logger   *zap.Logger

	mu       sync.RWMutex
	entries map[int64]entry
	// byDigest holds every tool whose current vector has the digest, so
	// tools sharing text keep the vector reusable until the last one changes.
	byDigest map[string]map[int64]struct{}
}

// New creates an Index. A nil cache keeps vectors in memory only.
func New(embedder Embedder, cache store.EmbeddingCache, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		embedder: embedder,
		cache:    cache,
		logger:   logger,
		entries:  make(map[int64]entry),
		byDigest: make(map[string]map[int64]struct{}),
	}
}

// Load fills the index from the persistent cache, skipping records computed
// by a different model. It returns the number of vectors loaded.
func (x *Index) Load(ctx context.Context) (int, error) {
	if x.cache == nil {
		return 0, nil
	}
	records, err := x.cache.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("load embeddings: %w", err)
	}
	model := x.embedder.Model()

	x.mu.Lock()
	defer x.mu.Unlock()
	loaded := 0
	for _, rec := range records {
		if rec.Model != model {
			continue
		}
		x.setLocked(rec.ToolID, rec.Digest, rec.Vector)
		loaded++
	}
	if skipped := len(records) - loaded; skipped > 0 {
		x.logger.Info("skipped cached embeddings from another model",
			zap.Int("skipped", skipped), zap.String("model", model))
	}
	return loaded, nil
}

// Prepare computes the vector for text, reusing any stored vector with the
// same digest.
func (x *Index) Prepare(ctx context.Context, text string) Prepared {
	p := Prepared{Digest: sha256.Text(text), Model: x.embedder.Model()}

	x.mu.RLock()
	for id := range x.byDigest[p.Digest] {
		p.Vector = x.entries[id].vec
		p.Reused = true
		break
	}
	x.mu.RUnlock()
	if p.Reused {
		return p
	}

	vec, err := x.embedder.Embed(ctx, text)
	if err != nil {
		p.Err = err
		return p
	}
	p.Vector = vec
	return p
}

// PrepareFor is Prepare for a tool that another process may already have
// embedded: a cache record for id with the same digest and model is used
// before the embedder is called.
func (x *Index) PrepareFor(ctx context.Context, id int64, text string) Prepared {
	digest := sha256.Text(text)
	x.mu.RLock()
	_, shared := x.byDigest[digest]
	x.mu.RUnlock()
	if shared || x.cache == nil {
		return x.Prepare(ctx, text)
	}
	rec, err := x.cache.Get(ctx, id)
	if err == nil && rec.Digest == digest && rec.Model == x.embedder.Model() {
		return Prepared{Digest: digest, Model: rec.Model, Vector: rec.Vector, Reused: true, cached: true}
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		x.logger.Debug("read cached embedding failed", zap.Int64("tool_id", id), zap.Error(err))
	}
	return x.Prepare(ctx, text)
}

// Commit stores a prepared vector for id. When p failed, a vector computed
// from different text is dropped so the index never serves a stale entry, and
// p.Err is returned.
func (x *Index) Commit(ctx context.Context, id int64, p Prepared) error {
	x.mu.Lock()
	current, had := x.entries[id]
	if had && current.digest == p.Digest {
		x.mu.Unlock()
		return nil
	}
	var stored entry
	if p.Err == nil {
		x.setLocked(id, p.Digest, p.Vector)
		stored = x.entries[id]
	} else {
		x.removeLocked(id)
	}
	x.mu.Unlock()

	if x.cache == nil || p.cached {
		return p.Err
	}
	if stored.vec == nil {
		if had {
			if err := x.cache.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
				x.logger.Warn("drop stale embedding failed", zap.Int64("tool_id", id), zap.Error(err))
			}
		}
		return p.Err
	}
	rec := store.EmbeddingRecord{ToolID: id, Digest: p.Digest, Model: p.Model, Vector: stored.vec}
	if err := x.cache.Put(ctx, rec); err != nil {
		return fmt.Errorf("cache embedding %d: %w", id, err)
	}
	return nil
}

// Index embeds the tool's text unless the stored vector is current.
func (x *Index) Index(ctx context.Context, tool store.Tool) error {
	text := tool.EmbeddingText()
	digest := sha256.Text(text)
	x.mu.RLock()
	current, ok := x.entries[tool.ID]
	x.mu.RUnlock()
	if ok && current.digest == digest {
		return nil
	}
	return x.Commit(ctx, tool.ID, x.Prepare(ctx, text))
}

// Remove drops the tool's vector from memory and the cache.
func (x *Index) Remove(ctx context.Context, id int64) error {
	x.mu.Lock()
	x.removeLocked(id)
	x.mu.Unlock()
	if x.cache == nil {
		return nil
	}
	if err := x.cache.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete embedding %d: %w", id, err)
	}
	return nil
}

// Has reports whether the tool has a vector.
func (x *Index) Has(id int64) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.entries[id]
	return ok
}

// IDs returns the tools that have vectors, in no particular order.
func (x *Index) IDs() []int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ids := make([]int64, 0, len(x.entries))
	for id := range x.entries {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of tools with vectors.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// QueryVector embeds a query. Blank queries return a nil vector.
func (x *Index) QueryVector(ctx context.Context, query string) ([]float32, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	vec, err := x.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return vec, nil
}

// Nearest returns the k stored vectors most similar to query by cosine
// similarity, ties broken by ascending ID. A non-positive k returns all.
func (x *Index) Nearest(query []float32, k int) []search.Hit {
	q, ok := normalize(query)
	if !ok {
		return []search.Hit{}
	}

	x.mu.RLock()
	hits := make([]search.Hit, 0, len(x.entries))
	for id, e := range x.entries {
		if len(e.vec) != len(q) {
			continue
		}
		var dot float64
		for i, v := range e.vec {
			dot += float64(v) * float64(q[i])
		}
		hits = append(hits, search.Hit{ID: id, Score: dot})
	}
	x.mu.RUnlock()

	search.SortHits(hits)
	return search.Truncate(hits, k)
}

// Search embeds query once and returns its nearest neighbors.
func (x *Index) Search(ctx context.Context, query string, k int) ([]search.Hit, error) {
	vec, err := x.QueryVector(ctx, query)
	if err != nil {
		return nil, err
	}
	return x.Nearest(vec, k), nil
}

func (x *Index) setLocked(id int64, digest string, vec []float32) {
	x.removeLocked(id)
	unit, ok := normalize(vec)
	if !ok {
		return
	}
	x.entries[id] = entry{digest: digest, vec: unit}
	ids, ok := x.byDigest[digest]
	if !ok {
		ids = make(map[int64]struct{})
		x.byDigest[digest] = ids
	}
	ids[id] = struct{}{}
}

func (x *Index) removeLocked(id int64) {
	e, ok := x.entries[id]
	if !ok {
		return
	}
	delete(x.entries, id)
	if ids, ok := x.byDigest[e.digest]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(x.byDigest, e.digest)
		}
	}
}

func normalize(vec []float32) ([]float32, bool) {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return nil, false
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out, true
}
