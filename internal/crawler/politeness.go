package crawler

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// pauseController abstracts how the scheduler waits out crawl delays and
// backoff.
type pauseController interface {
	Pause(ctx context.Context, delay time.Duration) error
}

type timerPauseController struct{}

func (timerPauseController) Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("pause interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// urlSet is a concurrency-safe set of canonical URLs.
type urlSet struct {
	seen sync.Map
}

// MarkIfNew stores the URL if it has not been seen before and returns true.
func (s *urlSet) MarkIfNew(url string) bool {
	if url == "" {
		return false
	}
	_, loaded := s.seen.LoadOrStore(url, struct{}{})
	return !loaded
}

func (s *urlSet) Has(url string) bool {
	_, ok := s.seen.Load(url)
	return ok
}

func (s *urlSet) Len() int {
	n := 0
	s.seen.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// hostGate serializes fetches to one host. Acquire honors ctx.
type hostGate chan struct{}

func newHostGate() hostGate {
	return make(hostGate, 1)
}

func (g hostGate) Acquire(ctx context.Context) error {
	select {
	case g <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for host gate: %w", ctx.Err())
	}
}

func (g hostGate) Release() {
	<-g
}
