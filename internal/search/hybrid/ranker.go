// Package hybrid fuses lexical and semantic results into one ranking.
//
// Fusion is precedence based: every lexical hit, in lexical order, comes
// before any hit found only by the semantic index.
package hybrid

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/ai-tool-finder/internal/metrics"
	"github.com/JakeFAU/ai-tool-finder/internal/search"
)

// Index names used in Result.Degraded and metrics.
const (
	IndexLexical  = "lexical"
	IndexSemantic = "semantic"
)

// Source is one ranked index.
type Source interface {
	Search(ctx context.Context, query string, limit int) ([]search.Hit, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, query string, limit int) ([]search.Hit, error)

// Search calls f.
func (f SourceFunc) Search(ctx context.Context, query string, limit int) ([]search.Hit, error) {
	return f(ctx, query, limit)
}

// Result is a fused ranking. Degraded lists the indexes that failed.
type Result struct {
	Hits     []search.Hit
	Degraded []string
}

// Ranker queries both indexes and fuses their hits.
type Ranker struct {
	lexical  Source
	semantic Source
	logger   *zap.Logger
}

// New creates a Ranker.
func New(lexical, semantic Source, logger *zap.Logger) *Ranker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ranker{lexical: lexical, semantic: semantic, logger: logger}
}

// Search returns at most limit hits. A failing index is logged and skipped;
// when both fail the result is empty. Search never returns an error.
func (r *Ranker) Search(ctx context.Context, query string, limit int) Result {
	var res Result
	lex, err := r.lexical.Search(ctx, query, limit)
	if err != nil {
		res.Degraded = append(res.Degraded, IndexLexical)
		r.degrade(IndexLexical, query, err)
		lex = nil
	}
	sem, err := r.semantic.Search(ctx, query, limit)
	if err != nil {
		res.Degraded = append(res.Degraded, IndexSemantic)
		r.degrade(IndexSemantic, query, err)
		sem = nil
	}
	res.Hits = Fuse(limit, lex, sem)
	return res
}

func (r *Ranker) degrade(index, query string, err error) {
	metrics.ObserveSearchDegraded("hybrid", index)
	r.logger.Warn("search index failed, serving degraded results",
		zap.String("index", index), zap.String("query", query), zap.Error(err))
}

// Fuse concatenates ranked lists in order, keeping the first occurrence of
// each ID, and truncates to limit. A non-positive limit keeps everything.
func Fuse(limit int, lists ...[]search.Hit) []search.Hit {
	seen := make(map[int64]struct{})
	out := make([]search.Hit, 0)
	for _, list := range lists {
		for _, hit := range list {
			if limit > 0 && len(out) == limit {
				return out
			}
			if _, dup := seen[hit.ID]; dup {
				continue
			}
			seen[hit.ID] = struct{}{}
			out = append(out, hit)
		}
	}
	return out
}
