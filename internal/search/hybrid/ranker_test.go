package hybrid

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ai-tool-finder/internal/search"
)

func hits(ids ...int64) []search.Hit {
	out := make([]search.Hit, len(ids))
	for i, id := range ids {
		out[i] = search.Hit{ID: id, Score: float64(len(ids) - i)}
	}
	return out
}

func idsOf(hs []search.Hit) []int64 {
	out := make([]int64, len(hs))
	for i, h := range hs {
		out[i] = h.ID
	}
	return out
}

func fixed(list []search.Hit, err error) Source {
	return SourceFunc(func(context.Context, string, int) ([]search.Hit, error) {
		return list, err
	})
}

func TestFuseKeepsLexicalPositions(t *testing.T) {
	t.Parallel()

	got := Fuse(10, hits(4, 2, 9), hits(2, 7, 4, 1))
	require.Equal(t, []int64{4, 2, 9, 7, 1}, idsOf(got))
}

func TestFuseTruncatesWithoutDuplicates(t *testing.T) {
	t.Parallel()

	got := Fuse(3, hits(1, 2), hits(2, 1, 3, 4))
	require.Equal(t, []int64{1, 2, 3}, idsOf(got))
	require.Len(t, Fuse(0, hits(1), hits(2)), 2)
	require.Empty(t, Fuse(5))
}

func TestRankerDegradesToRemainingIndex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	boom := errors.New("index down")

	res := New(fixed(hits(1, 2), nil), fixed(nil, boom), zap.NewNop()).Search(ctx, "q", 5)
	require.Equal(t, []int64{1, 2}, idsOf(res.Hits))
	require.Equal(t, []string{IndexSemantic}, res.Degraded)

	res = New(fixed(nil, boom), fixed(hits(3), nil), nil).Search(ctx, "q", 5)
	require.Equal(t, []int64{3}, idsOf(res.Hits))
	require.Equal(t, []string{IndexLexical}, res.Degraded)

	res = New(fixed(hits(1), boom), fixed(nil, boom), nil).Search(ctx, "q", 5)
	require.Empty(t, res.Hits)
	require.Equal(t, []string{IndexLexical, IndexSemantic}, res.Degraded)
}

func TestRankerPassesLimitToSources(t *testing.T) {
	t.Parallel()
	var limits []int
	src := SourceFunc(func(_ context.Context, _ string, limit int) ([]search.Hit, error) {
		limits = append(limits, limit)
		return hits(1, 2, 3), nil
	})

	res := New(src, src, nil).Search(context.Background(), "q", 2)
	require.Equal(t, []int64{1, 2}, idsOf(res.Hits))
	require.Equal(t, []int{2, 2}, limits)
	require.Empty(t, res.Degraded)
}
