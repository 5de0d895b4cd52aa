package hashing

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestEmbedIsDeterministicAndNormalized(t *testing.T) {
	t.Parallel()
	p := New(0)
	require.Equal(t, "hashing-256", p.Model())

	vecs, err := p.Embed(context.Background(), []string{"AI image generator", "ai IMAGE generator!"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	require.Len(t, vecs[0], DefaultDimensions)
	require.Equal(t, vecs[0], vecs[1])
	require.InDelta(t, 1.0, cosine(vecs[0], vecs[0]), 1e-6)
}

func TestEmbedRanksSharedVocabularyHigher(t *testing.T) {
	t.Parallel()
	p := New(512)

	vecs, err := p.Embed(context.Background(), []string{
		"image generator",
		"AI image generator for artists",
		"tax accounting spreadsheet",
	})
	require.NoError(t, err)
	require.Greater(t, cosine(vecs[0], vecs[1]), cosine(vecs[0], vecs[2]))
}

func TestEmbedEmptyText(t *testing.T) {
	t.Parallel()

	vecs, err := New(8).Embed(context.Background(), []string{""})
	require.NoError(t, err)
	require.Equal(t, make([]float32, 8), vecs[0])
}

func TestEmbedHonorsCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(8).Embed(ctx, []string{"x"})
	require.ErrorIs(t, err, context.Canceled)
}
