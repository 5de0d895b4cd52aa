// Package embedding provides the shared text embedding service used by the
// semantic index.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/ai-tool-finder/internal/metrics"
)

// ErrUnavailable signals that the embedding backend cannot serve requests.
var ErrUnavailable = errors.New("embedding service unavailable")

// Provider computes one vector per input text.
type Provider interface {
	// Model names the model; vectors from different models are not comparable.
	Model() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Initializer is implemented by providers that need a warm-up step, such as
// checking that a remote model is loaded.
type Initializer interface {
	Init(ctx context.Context) error
}

// Service wraps a Provider with an initialize-once lifecycle. It is safe for
// concurrent use; a failed initialization is retried on the next call.
type Service struct {
	provider Provider
	logger   *zap.Logger

	mu    sync.Mutex
	ready bool
}

// NewService creates a Service over provider.
func NewService(provider Provider, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{provider: provider, logger: logger}
}

// Model returns the provider's model name.
func (s *Service) Model() string {
	return s.provider.Model()
}

// Init runs the provider's warm-up step once. Later calls return nil after
// the first success.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	if warm, ok := s.provider.(Initializer); ok {
		if err := warm.Init(ctx); err != nil {
			metrics.ObserveEmbedding("init_error")
			return fmt.Errorf("%w: init %s: %v", ErrUnavailable, s.provider.Model(), err)
		}
	}
	s.ready = true
	s.logger.Info("embedding service ready", zap.String("model", s.provider.Model()))
	return nil
}

// Embed returns the vector for one text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	vectors, err := s.provider.Embed(ctx, []string{text})
	if err != nil {
		metrics.ObserveEmbedding("error")
		if ctx.Err() != nil {
			return nil, fmt.Errorf("embed: %w", ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		metrics.ObserveEmbedding("error")
		return nil, fmt.Errorf("%w: provider returned %d vectors", ErrUnavailable, len(vectors))
	}
	metrics.ObserveEmbedding("ok")
	return vectors[0], nil
}
