package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ai-tool-finder/internal/store"
)

func TestEmbeddingCacheRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewEmbeddingCache()

	_, err := c.Get(ctx, 1)
	require.True(t, errors.Is(err, store.ErrNotFound))

	vec := []float32{0.6, 0.8}
	require.NoError(t, c.Put(ctx, store.EmbeddingRecord{ToolID: 2, Digest: "d2", Model: "hashing", Vector: vec}))
	require.NoError(t, c.Put(ctx, store.EmbeddingRecord{ToolID: 1, Digest: "d1", Model: "hashing", Vector: []float32{1, 0}}))
	vec[0] = 9

	rec, err := c.Get(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []float32{0.6, 0.8}, rec.Vector)

	all, err := c.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, int64(1), all[0].ToolID)

	require.NoError(t, c.Delete(ctx, 2))
	require.NoError(t, c.Delete(ctx, 2))
	all, err = c.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}
