// Package memory provides the bounded in-process crawl frontier.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/ai-tool-finder/internal/crawler"
)

// Queue is a bounded in-memory queue with context-aware operations. Enqueue
// blocks while the queue is full, which throttles the sitemap resolver to the
// pace of the workers.
type Queue struct {
	ch chan crawler.QueueItem
	mu sync.RWMutex
	// closed is guarded by mu; Enqueue holds the read lock while sending.
	closed bool
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{ch: make(chan crawler.QueueItem, capacity)}
}

// Enqueue pushes an item or returns when the context ends.
func (q *Queue) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return crawler.ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item. After Close, remaining items are still
// delivered before ErrQueueClosed.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	select {
	case <-ctx.Done():
		return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return crawler.QueueItem{}, crawler.ErrQueueClosed
		}
		return item, nil
	}
}

// Len returns the number of buffered items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting items. It waits for blocked Enqueue calls to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
