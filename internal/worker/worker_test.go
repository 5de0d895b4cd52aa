package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ai-tool-finder/internal/crawler"
	"github.com/JakeFAU/ai-tool-finder/internal/hash/sha256"
	publishermemory "github.com/JakeFAU/ai-tool-finder/internal/publisher/memory"
	queuememory "github.com/JakeFAU/ai-tool-finder/internal/queue/memory"
	storagememory "github.com/JakeFAU/ai-tool-finder/internal/storage/memory"
	"github.com/JakeFAU/ai-tool-finder/internal/store"
)

const detailPage = `<html><head><title>x</title></head><body>
<h1>Writer Bot</h1><meta name="description" content="Drafts blog posts">
<a class="category-link" href="/c/writing">Writing</a>
</body></html>`

type fakeFetcher struct {
	pages map[string]crawler.Page
	errs  map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) (crawler.Page, error) {
	if err, ok := f.errs[rawURL]; ok {
		return crawler.Page{}, err
	}
	page, ok := f.pages[rawURL]
	if !ok {
		return crawler.Page{}, &crawler.FetchError{Kind: crawler.KindNotFound, URL: rawURL, Status: 404}
	}
	return page, nil
}

type fakeCatalog struct {
	mu     sync.Mutex
	nextID int64
	stored []store.Candidate
	err    error
}

func (c *fakeCatalog) Upsert(_ context.Context, cand store.Candidate) (store.Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return store.Tool{}, c.err
	}
	c.nextID++
	c.stored = append(c.stored, cand)
	return store.Tool{ID: c.nextID, Name: cand.Name, URL: cand.URL, Categories: cand.Categories}, nil
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return "evt-1", nil }

type harness struct {
	queue     *queuememory.Queue
	fetcher   *fakeFetcher
	catalog   *fakeCatalog
	blobs     *storagememory.BlobStore
	publisher *publishermemory.Publisher
	stats     *Stats
	worker    *Worker
}

func newHarness(pages map[string]crawler.Page) *harness {
	h := &harness{
		queue:     queuememory.NewQueue(10),
		fetcher:   &fakeFetcher{pages: pages, errs: map[string]error{}},
		catalog:   &fakeCatalog{},
		blobs:     storagememory.NewBlobStore(),
		publisher: publishermemory.New(),
		stats:     &Stats{},
	}
	h.worker = New(
		h.queue,
		h.fetcher,
		crawler.NewExtractor(),
		h.catalog,
		h.blobs,
		h.publisher,
		sha256.New(),
		fakeClock{now: time.Unix(100, 0).UTC()},
		fixedIDs{},
		Config{BlobPrefix: "pages"},
		h.stats,
		zap.NewNop(),
	)
	return h
}

// run enqueues urls, closes the queue, and runs the worker to completion.
func (h *harness) run(t *testing.T, urls ...string) {
	t.Helper()
	for _, u := range urls {
		require.NoError(t, h.queue.Enqueue(context.Background(), crawler.QueueItem{URL: u}))
	}
	h.queue.Close()
	done := make(chan struct{})
	go func() {
		h.worker.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after queue drained")
	}
}

func TestWorkerStoresArchivesAndPublishes(t *testing.T) {
	t.Parallel()
	u := "https://www.toolify.ai/tool/writer-bot"
	fetchedAt := time.Unix(90, 0).UTC()
	h := newHarness(map[string]crawler.Page{u: {URL: u, StatusCode: 200, Body: []byte(detailPage), FetchedAt: fetchedAt}})

	h.run(t, u)

	require.Len(t, h.catalog.stored, 1)
	require.Equal(t, "Writer Bot", h.catalog.stored[0].Name)
	require.Equal(t, u, h.catalog.stored[0].URL)

	path := "pages/www.toolify.ai/" + sha256.Text(detailPage) + ".html"
	body, ok := h.blobs.Object(path)
	require.True(t, ok)
	require.Equal(t, detailPage, string(body))

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, EventToolUpserted, msgs[0].Topic)
	event, ok := msgs[0].Payload.(ToolEvent)
	require.True(t, ok)
	require.Equal(t, ToolEvent{
		ID:          "evt-1",
		Type:        EventToolUpserted,
		ToolID:      1,
		Name:        "Writer Bot",
		URL:         u,
		Categories:  []string{"Writing"},
		ContentHash: sha256.Text(detailPage),
		ArchiveURI:  "memory://" + path,
		FetchedAt:   fetchedAt,
		OccurredAt:  time.Unix(100, 0).UTC(),
	}, event)

	require.Equal(t, RunStats{Processed: 1, Stored: 1, Archived: 1, Published: 1}, h.stats.Snapshot())
}

func TestWorkerSkipsIdenticalArchive(t *testing.T) {
	t.Parallel()
	a := "https://www.toolify.ai/tool/a"
	b := "https://www.toolify.ai/tool/b"
	h := newHarness(map[string]crawler.Page{
		a: {URL: a, Body: []byte(detailPage)},
		b: {URL: b, Body: []byte(detailPage)},
	})

	h.run(t, a, b)

	snap := h.stats.Snapshot()
	require.Equal(t, int64(2), snap.Stored)
	require.Equal(t, int64(1), snap.Archived)
	require.Equal(t, int64(2), snap.Published)
}

func TestWorkerContinuesPastFailures(t *testing.T) {
	t.Parallel()
	good := "https://www.toolify.ai/tool/good"
	noName := "https://www.toolify.ai/tool/no-name"
	h := newHarness(map[string]crawler.Page{
		good:   {URL: good, Body: []byte(detailPage)},
		noName: {URL: noName, Body: []byte("<html><body><p>nothing</p></body></html>")},
	})
	h.fetcher.errs["https://www.toolify.ai/tool/seen"] = &crawler.FetchError{Kind: crawler.KindInvalidURL, Err: crawler.ErrAlreadyVisited}

	h.run(t, "https://www.toolify.ai/tool/missing", noName, "https://www.toolify.ai/tool/seen", good)

	require.Equal(t, RunStats{
		Processed:     4,
		Stored:        1,
		Skipped:       1,
		FetchFailed:   1,
		ExtractFailed: 1,
		Archived:      1,
		Published:     1,
	}, h.stats.Snapshot())
}

func TestWorkerStoreFailureSkipsArchiveAndPublish(t *testing.T) {
	t.Parallel()
	u := "https://www.toolify.ai/tool/a"
	h := newHarness(map[string]crawler.Page{u: {URL: u, Body: []byte(detailPage)}})
	h.catalog.err = errors.New("db down")

	h.run(t, u)

	require.Equal(t, RunStats{Processed: 1, StoreFailed: 1}, h.stats.Snapshot())
	require.Empty(t, h.publisher.Messages())
}

func TestWorkerStopsOnCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.worker.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestBuildBlobPath(t *testing.T) {
	t.Parallel()
	w := New(nil, nil, nil, nil, nil, nil, nil, nil, nil, Config{}, nil, nil)
	require.Equal(t, "www.toolify.ai/abc.html", w.buildBlobPath("https://WWW.toolify.ai/tool/x", "abc"))
	w.cfg.BlobPrefix = "/archive/"
	require.Equal(t, "archive/unknown/abc.html", w.buildBlobPath("::bad", "abc"))
}
