// Package hashing implements a local embedding provider using signed feature
// hashing of words, word pairs, and character trigrams.
package hashing

import (
	"context"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/JakeFAU/ai-tool-finder/internal/search"
)

// DefaultDimensions is used when New is given a non-positive size.
const DefaultDimensions = 256

const (
	weightWord    = 1.0
	weightBigram  = 0.5
	weightTrigram = 0.25
)

// Provider embeds text without a remote model. Identical texts map to
// identical vectors and texts sharing vocabulary land close together.
type Provider struct {
	dims int
}

// New returns a Provider producing vectors of the given size.
func New(dims int) *Provider {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &Provider{dims: dims}
}

// Model names the provider and its vector size.
func (p *Provider) Model() string {
	return fmt.Sprintf("hashing-%d", p.dims)
}

// Embed returns one L2-normalized vector per text.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = p.vector(text)
	}
	return out, nil
}

func (p *Provider) vector(text string) []float32 {
	acc := make([]float64, p.dims)
	tokens := search.Tokenize(text)
	for i, token := range tokens {
		p.add(acc, "w:"+token, weightWord)
		if i > 0 {
			p.add(acc, "b:"+tokens[i-1]+" "+token, weightBigram)
		}
		runes := []rune("^" + token + "$")
		for j := 0; j+3 <= len(runes); j++ {
			p.add(acc, "t:"+string(runes[j:j+3]), weightTrigram)
		}
	}

	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	vec := make([]float32, p.dims)
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i, v := range acc {
		vec[i] = float32(v / norm)
	}
	return vec
}

func (p *Provider) add(acc []float64, feature string, weight float64) {
	h := xxhash.Sum64String(feature)
	bucket := h % uint64(p.dims)
	if h>>63 == 1 {
		weight = -weight
	}
	acc[bucket] += weight
}
