package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ai-tool-finder/internal/crawler"
	"github.com/JakeFAU/ai-tool-finder/internal/queue/memory"
)

// drainRunner consumes the queue until it closes, counting items.
type drainRunner struct {
	queue crawler.Queue
	seen  *atomic.Int64
}

func (r drainRunner) Run(ctx context.Context) {
	for {
		if _, err := r.queue.Dequeue(ctx); err != nil {
			return
		}
		r.seen.Add(1)
	}
}

func TestDispatcherDrainsQueueThenReturns(t *testing.T) {
	t.Parallel()
	q := memory.NewQueue(4)
	var seen atomic.Int64
	d := New(q, []Runner{drainRunner{q, &seen}, drainRunner{q, &seen}, drainRunner{q, &seen}})

	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()

	var emit crawler.Emitter = d.Enqueue
	for range 10 {
		require.NoError(t, emit(context.Background(), crawler.QueueItem{URL: "https://www.toolify.ai/tool/x"}))
	}
	d.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not return after queue closed")
	}
	require.Equal(t, int64(10), seen.Load())
}

func TestDispatcherStopsOnCancel(t *testing.T) {
	t.Parallel()
	q := memory.NewQueue(1)
	var seen atomic.Int64
	d := New(q, []Runner{drainRunner{q, &seen}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestDispatcherEnqueueWrapsErrors(t *testing.T) {
	t.Parallel()
	q := memory.NewQueue(1)
	q.Close()

	err := New(q, nil).Enqueue(context.Background(), crawler.QueueItem{URL: "u"})
	require.True(t, errors.Is(err, crawler.ErrQueueClosed))
	require.ErrorContains(t, err, "queue enqueue")
}
