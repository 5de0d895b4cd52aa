// Package catalog keeps the tool store and its search indexes in step and
// serves the query contract over them.
package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ai-tool-finder/internal/metrics"
	"github.com/JakeFAU/ai-tool-finder/internal/search"
	"github.com/JakeFAU/ai-tool-finder/internal/search/hybrid"
	"github.com/JakeFAU/ai-tool-finder/internal/search/lexical"
	"github.com/JakeFAU/ai-tool-finder/internal/search/semantic"
	"github.com/JakeFAU/ai-tool-finder/internal/store"
)

// Search modes.
const (
	ModeLexical  = "lexical"
	ModeSemantic = "semantic"
	ModeHybrid   = "hybrid"
)

// DefaultRefreshOverlap is how far before the watermark a refresh re-reads.
const DefaultRefreshOverlap = 30 * time.Second

// Config bounds page sizes and controls refreshes from a shared repository.
type Config struct {
	DefaultLimit int
	MaxLimit     int
	// Shared marks a repository that other processes also write. Queries
	// then index tools changed since the last refresh before answering.
	Shared bool
	// RefreshInterval is the minimum time between refreshes. Zero refreshes
	// before every query.
	RefreshInterval time.Duration
	// RefreshOverlap covers writes committed with an UpdatedAt older than
	// the watermark.
	RefreshOverlap time.Duration
}

// Catalog owns the tool repository and both indexes. Writes hold the write
// lock across the store write and the index updates, so no reader observes a
// stored tool without its index entries.
type Catalog struct {
	repo     store.ToolRepository
	lexical  *lexical.Index
	semantic *semantic.Index
	ranker   *hybrid.Ranker
	cfg      Config
	logger   *zap.Logger

	mu    sync.RWMutex
	tools map[int64]store.Tool

	// refreshMu is taken before mu.
	refreshMu   sync.Mutex
	watermark   time.Time
	lastRefresh time.Time
	now         func() time.Time
}

// New creates a Catalog. Call Rebuild before serving queries against a
// non-empty repository.
func New(repo store.ToolRepository, sem *semantic.Index, cfg Config, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 20
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 100
	}
	if cfg.DefaultLimit > cfg.MaxLimit {
		cfg.DefaultLimit = cfg.MaxLimit
	}
	if cfg.RefreshOverlap <= 0 {
		cfg.RefreshOverlap = DefaultRefreshOverlap
	}
	c := &Catalog{
		repo:     repo,
		lexical:  lexical.New(),
		semantic: sem,
		cfg:      cfg,
		logger:   logger,
		tools:    make(map[int64]store.Tool),
		now:      time.Now,
	}
	c.ranker = hybrid.New(
		hybrid.SourceFunc(c.searchLexical),
		hybrid.SourceFunc(c.searchSemantic),
		logger,
	)
	return c
}

// Rebuild loads every stored tool into the indexes, reusing cached vectors.
// Tools whose vectors cannot be computed stay searchable lexically and are
// retried by Reconcile.
func (c *Catalog) Rebuild(ctx context.Context) error {
	loaded, err := c.semantic.Load(ctx)
	if err != nil {
		return err
	}
	tools, err := c.repo.All(ctx)
	if err != nil {
		return fmt.Errorf("load tools: %w", err)
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	c.mu.Lock()
	c.lexical = lexical.New()
	c.tools = make(map[int64]store.Tool, len(tools))
	for _, tool := range tools {
		c.lexical.Index(tool)
		c.tools[tool.ID] = tool
		if tool.UpdatedAt.After(c.watermark) {
			c.watermark = tool.UpdatedAt
		}
	}
	c.lastRefresh = c.now()
	var orphans []int64
	for _, id := range c.semantic.IDs() {
		if _, ok := c.tools[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	c.mu.Unlock()

	for _, id := range orphans {
		if err := c.semantic.Remove(ctx, id); err != nil {
			c.logger.Warn("drop orphaned embedding failed", zap.Int64("tool_id", id), zap.Error(err))
		}
	}

	missing, err := c.Reconcile(ctx)
	c.logger.Info("catalog rebuilt",
		zap.Int("tools", len(tools)),
		zap.Int("cached_vectors", loaded),
		zap.Int("missing_vectors", missing),
	)
	return err
}

// Reconcile embeds every tool whose vector is missing or stale and returns
// how many remain without a vector.
func (c *Catalog) Reconcile(ctx context.Context) (int, error) {
	c.mu.RLock()
	tools := make([]store.Tool, 0, len(c.tools))
	for _, tool := range c.tools {
		tools = append(tools, tool)
	}
	c.mu.RUnlock()

	missing := 0
	for _, tool := range tools {
		if err := ctx.Err(); err != nil {
			return missing, fmt.Errorf("reconcile: %w", err)
		}
		if err := c.semantic.Index(ctx, tool); err != nil {
			missing++
			c.logger.Warn("embedding unavailable", zap.Int64("tool_id", tool.ID), zap.Error(err))
		}
	}
	return missing, nil
}

// Refresh indexes the tools other writers stored or changed since the last
// refresh and returns how many it absorbed. Deletions made elsewhere are not
// detected.
func (c *Catalog) Refresh(ctx context.Context) (int, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.refreshLocked(ctx)
}

func (c *Catalog) refreshLocked(ctx context.Context) (int, error) {
	var since time.Time
	if !c.watermark.IsZero() {
		since = c.watermark.Add(-c.cfg.RefreshOverlap)
	}
	changed, err := c.repo.ChangedSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("load changed tools: %w", err)
	}
	absorbed := c.absorb(ctx, changed)
	for _, tool := range changed {
		if tool.UpdatedAt.After(c.watermark) {
			c.watermark = tool.UpdatedAt
		}
	}
	c.lastRefresh = c.now()
	return absorbed, nil
}

// catchUp refreshes a shared repository at most once per RefreshInterval.
// A failed refresh leaves the indexes as they were.
func (c *Catalog) catchUp(ctx context.Context) {
	if !c.cfg.Shared {
		return
	}
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	if c.cfg.RefreshInterval > 0 && !c.lastRefresh.IsZero() &&
		c.now().Sub(c.lastRefresh) < c.cfg.RefreshInterval {
		return
	}
	absorbed, err := c.refreshLocked(ctx)
	if err != nil {
		metrics.ObserveCatalogRefresh("error")
		c.logger.Warn("catalog refresh failed", zap.Error(err))
		return
	}
	metrics.ObserveCatalogRefresh("ok")
	if absorbed > 0 {
		c.logger.Debug("catalog refreshed", zap.Int("absorbed", absorbed))
	}
}

// absorb indexes each tool that is missing from the catalog or newer than
// the indexed copy. Vectors are prepared before the write lock is taken.
func (c *Catalog) absorb(ctx context.Context, tools []store.Tool) int {
	absorbed := 0
	for _, tool := range tools {
		if c.indexed(tool) {
			continue
		}
		prepared := c.semantic.PrepareFor(ctx, tool.ID, tool.EmbeddingText())

		c.mu.Lock()
		if known, ok := c.tools[tool.ID]; ok && !known.UpdatedAt.Before(tool.UpdatedAt) {
			c.mu.Unlock()
			continue
		}
		c.tools[tool.ID] = tool
		c.lexical.Index(tool)
		err := c.semantic.Commit(ctx, tool.ID, prepared)
		c.mu.Unlock()

		if err != nil {
			c.logger.Warn("tool indexed without embedding", zap.Int64("tool_id", tool.ID), zap.Error(err))
		}
		absorbed++
	}
	return absorbed
}

func (c *Catalog) indexed(tool store.Tool) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	known, ok := c.tools[tool.ID]
	return ok && !known.UpdatedAt.Before(tool.UpdatedAt)
}

// Upsert stores the candidate and updates both indexes before returning. The
// embedding is computed before the write lock is taken; an embedding failure
// leaves the tool stored and lexically indexed.
func (c *Catalog) Upsert(ctx context.Context, candidate store.Candidate) (store.Tool, error) {
	norm := candidate.Normalize()
	if err := norm.Validate(); err != nil {
		return store.Tool{}, err
	}
	text := store.Tool{Name: norm.Name, Description: norm.Description}.EmbeddingText()
	prepared := c.semantic.Prepare(ctx, text)

	c.mu.Lock()
	defer c.mu.Unlock()

	tool, err := c.repo.Upsert(ctx, norm)
	if err != nil {
		metrics.ObserveToolUpserted("error")
		return store.Tool{}, fmt.Errorf("upsert %s: %w", norm.URL, err)
	}
	_, existed := c.tools[tool.ID]
	c.tools[tool.ID] = tool
	c.lexical.Index(tool)
	if err := c.semantic.Commit(ctx, tool.ID, prepared); err != nil {
		c.logger.Warn("tool stored without embedding",
			zap.Int64("tool_id", tool.ID), zap.String("url", tool.URL), zap.Error(err))
	}

	if existed {
		metrics.ObserveToolUpserted("updated")
	} else {
		metrics.ObserveToolUpserted("created")
	}
	return tool, nil
}

// Delete removes a tool from the store and both indexes.
func (c *Catalog) Delete(ctx context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.repo.Delete(ctx, id); err != nil {
		return err
	}
	delete(c.tools, id)
	c.lexical.Remove(id)
	if err := c.semantic.Remove(ctx, id); err != nil {
		c.logger.Warn("remove embedding failed", zap.Int64("tool_id", id), zap.Error(err))
	}
	return nil
}

// ListTools pages through tools by ascending ID. On a shared repository every
// listed tool is indexed before the page is returned.
func (c *Catalog) ListTools(ctx context.Context, offset, limit int, category string) ([]store.Tool, error) {
	c.catchUp(ctx)
	c.mu.RLock()
	tools, err := c.repo.List(ctx, store.ListOptions{
		Offset:   max(offset, 0),
		Limit:    c.clamp(limit),
		Category: category,
	})
	c.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	if c.cfg.Shared {
		c.absorb(ctx, tools)
	}
	return tools, nil
}

// GetTool returns one tool or store.ErrNotFound.
func (c *Catalog) GetTool(ctx context.Context, id int64) (store.Tool, error) {
	c.catchUp(ctx)
	c.mu.RLock()
	tool, err := c.repo.Get(ctx, id)
	c.mu.RUnlock()
	if err != nil {
		return store.Tool{}, err
	}
	if c.cfg.Shared {
		c.absorb(ctx, []store.Tool{tool})
	}
	return tool, nil
}

// ListCategories returns every category with its tool count.
func (c *Catalog) ListCategories(ctx context.Context) ([]store.CategoryCount, error) {
	c.catchUp(ctx)
	c.mu.RLock()
	defer c.mu.RUnlock()
	cats, err := c.repo.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return cats, nil
}

// LexicalSearch ranks tools by keyword relevance.
func (c *Catalog) LexicalSearch(ctx context.Context, query string, limit int) []store.Tool {
	metrics.ObserveSearch(ModeLexical)
	c.catchUp(ctx)
	hits, err := c.searchLexical(ctx, query, c.clamp(limit))
	if err != nil {
		metrics.ObserveSearchDegraded(ModeLexical, hybrid.IndexLexical)
		c.logger.Warn("lexical search failed", zap.String("query", query), zap.Error(err))
		return []store.Tool{}
	}
	return c.resolve(hits)
}

// SemanticSearch ranks tools by embedding similarity. When the embedding
// service is unavailable it serves lexical results instead.
func (c *Catalog) SemanticSearch(ctx context.Context, query string, limit int) []store.Tool {
	metrics.ObserveSearch(ModeSemantic)
	c.catchUp(ctx)
	limit = c.clamp(limit)
	hits, err := c.searchSemantic(ctx, query, limit)
	if err != nil {
		metrics.ObserveSearchDegraded(ModeSemantic, hybrid.IndexSemantic)
		c.logger.Warn("semantic search degraded to lexical", zap.String("query", query), zap.Error(err))
		hits, err = c.searchLexical(ctx, query, limit)
		if err != nil {
			return []store.Tool{}
		}
	}
	return c.resolve(hits)
}

// HybridSearch returns lexical matches first, then semantic-only matches.
func (c *Catalog) HybridSearch(ctx context.Context, query string, limit int) []store.Tool {
	metrics.ObserveSearch(ModeHybrid)
	c.catchUp(ctx)
	res := c.ranker.Search(ctx, query, c.clamp(limit))
	return c.resolve(res.Hits)
}

// Search dispatches on mode; unknown modes are treated as hybrid.
func (c *Catalog) Search(ctx context.Context, mode, query string, limit int) []store.Tool {
	switch mode {
	case ModeLexical:
		return c.LexicalSearch(ctx, query, limit)
	case ModeSemantic:
		return c.SemanticSearch(ctx, query, limit)
	default:
		return c.HybridSearch(ctx, query, limit)
	}
}

// Stats reports index sizes.
func (c *Catalog) Stats() (tools, vectors int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tools), c.semantic.Len()
}

func (c *Catalog) searchLexical(_ context.Context, query string, limit int) ([]search.Hit, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lexical.Search(query, limit)
}

// searchSemantic embeds the query before taking the read lock.
func (c *Catalog) searchSemantic(ctx context.Context, query string, limit int) ([]search.Hit, error) {
	vec, err := c.semantic.QueryVector(ctx, query)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.semantic.Nearest(vec, limit), nil
}

// resolve maps hits to tool snapshots, skipping tools deleted since the
// search ran.
func (c *Catalog) resolve(hits []search.Hit) []store.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]store.Tool, 0, len(hits))
	for _, hit := range hits {
		if tool, ok := c.tools[hit.ID]; ok {
			out = append(out, tool)
		}
	}
	return out
}

// EffectiveLimit returns the page size applied for a requested limit.
func (c *Catalog) EffectiveLimit(limit int) int {
	return c.clamp(limit)
}

func (c *Catalog) clamp(limit int) int {
	switch {
	case limit <= 0:
		return c.cfg.DefaultLimit
	case limit > c.cfg.MaxLimit:
		return c.cfg.MaxLimit
	default:
		return limit
	}
}
