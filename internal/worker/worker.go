// Package worker implements the crawl pipeline execution loop: fetch a
// detail page, extract the tool, store it, archive the page, and publish an
// event.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ai-tool-finder/internal/crawler"
	"github.com/JakeFAU/ai-tool-finder/internal/metrics"
	"github.com/JakeFAU/ai-tool-finder/internal/store"
)

// EventToolUpserted is the event type published after a tool is stored.
const EventToolUpserted = "tool.upserted"

// Config controls Worker behavior.
type Config struct {
	ContentType string
	BlobPrefix  string
	Topic       string
}

// Catalog stores extracted tools.
type Catalog interface {
	Upsert(ctx context.Context, candidate store.Candidate) (store.Tool, error)
}

// Extractor turns a detail page into a tool candidate.
type Extractor interface {
	Extract(pageURL string, body []byte) (store.Candidate, error)
}

// IDGenerator creates event IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// ToolEvent is the payload published for every stored tool.
type ToolEvent struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	ToolID      int64     `json:"tool_id"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Categories  []string  `json:"categories"`
	ContentHash string    `json:"content_hash"`
	ArchiveURI  string    `json:"archive_uri,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Stats counts worker outcomes across a run. It is shared by all workers.
type Stats struct {
	Processed     atomic.Int64
	Stored        atomic.Int64
	Skipped       atomic.Int64
	FetchFailed   atomic.Int64
	ExtractFailed atomic.Int64
	StoreFailed   atomic.Int64
	Archived      atomic.Int64
	Published     atomic.Int64
}

// RunStats is a point-in-time copy of Stats.
type RunStats struct {
	Processed     int64 `json:"processed"`
	Stored        int64 `json:"stored"`
	Skipped       int64 `json:"skipped"`
	FetchFailed   int64 `json:"fetch_failed"`
	ExtractFailed int64 `json:"extract_failed"`
	StoreFailed   int64 `json:"store_failed"`
	Archived      int64 `json:"archived"`
	Published     int64 `json:"published"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() RunStats {
	return RunStats{
		Processed:     s.Processed.Load(),
		Stored:        s.Stored.Load(),
		Skipped:       s.Skipped.Load(),
		FetchFailed:   s.FetchFailed.Load(),
		ExtractFailed: s.ExtractFailed.Load(),
		StoreFailed:   s.StoreFailed.Load(),
		Archived:      s.Archived.Load(),
		Published:     s.Published.Load(),
	}
}

// Worker consumes queue items and executes the pipeline. Archiving and
// publishing are skipped when their collaborators are nil.
type Worker struct {
	queue     crawler.Queue
	fetcher   crawler.PageFetcher
	extractor Extractor
	catalog   Catalog
	blobStore crawler.BlobStore
	publisher crawler.Publisher
	hasher    crawler.Hasher
	clock     crawler.Clock
	ids       IDGenerator
	cfg       Config
	stats     *Stats
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue crawler.Queue,
	fetcher crawler.PageFetcher,
	extractor Extractor,
	catalog Catalog,
	blobStore crawler.BlobStore,
	publisher crawler.Publisher,
	hasher crawler.Hasher,
	clock crawler.Clock,
	ids IDGenerator,
	cfg Config,
	stats *Stats,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stats == nil {
		stats = &Stats{}
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if cfg.Topic == "" {
		cfg.Topic = EventToolUpserted
	}
	return &Worker{
		queue:     queue,
		fetcher:   fetcher,
		extractor: extractor,
		catalog:   catalog,
		blobStore: blobStore,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		ids:       ids,
		cfg:       cfg,
		stats:     stats,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the queue is closed and drained or
// the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item crawler.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	w.stats.Processed.Add(1)
	log := w.logger.With(zap.String("url", item.URL))

	page, err := w.fetcher.Fetch(ctx, item.URL)
	if err != nil {
		w.recordFetchError(ctx, log, err)
		return
	}

	candidate, err := w.extractor.Extract(page.URL, page.Body)
	if err != nil {
		w.stats.ExtractFailed.Add(1)
		log.Warn("extract failed", zap.Error(err))
		return
	}

	tool, err := w.catalog.Upsert(ctx, candidate)
	if err != nil {
		w.stats.StoreFailed.Add(1)
		log.Error("store tool failed", zap.Error(err))
		return
	}
	w.stats.Stored.Add(1)
	log.Debug("tool stored", zap.Int64("tool_id", tool.ID), zap.String("name", tool.Name))

	hash := w.hash(page.Body)
	uri, err := w.archive(ctx, page, hash)
	if err != nil {
		log.Warn("archive page failed", zap.Error(err))
	}
	if err := w.publish(ctx, tool, page, hash, uri); err != nil {
		log.Warn("publish event failed", zap.Error(err))
	}
}

func (w *Worker) recordFetchError(ctx context.Context, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, crawler.ErrAlreadyVisited), errors.Is(err, crawler.ErrPreviouslyFailed):
		w.stats.Skipped.Add(1)
		log.Debug("skipping url", zap.Error(err))
	case ctx.Err() != nil:
		log.Debug("fetch canceled", zap.Error(err))
	default:
		w.stats.FetchFailed.Add(1)
		log.Warn("fetch failed",
			zap.String("kind", string(crawler.KindOf(err))),
			zap.Bool("permanent", crawler.IsPermanent(err)),
			zap.Error(err),
		)
	}
}

func (w *Worker) hash(body []byte) string {
	if w.hasher == nil {
		return ""
	}
	return w.hasher.Hash(body)
}

// archive stores the page once per distinct body; an identical body that is
// already archived is not uploaded again.
func (w *Worker) archive(ctx context.Context, page crawler.Page, hash string) (string, error) {
	if w.blobStore == nil || hash == "" {
		return "", nil
	}
	path := w.buildBlobPath(page.URL, hash)
	if uri, ok, err := w.blobStore.Lookup(ctx, path); err != nil {
		return "", fmt.Errorf("lookup %s: %w", path, err)
	} else if ok {
		return uri, nil
	}
	uri, err := w.blobStore.PutObject(ctx, path, w.cfg.ContentType, bytes.NewReader(page.Body))
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	w.stats.Archived.Add(1)
	return uri, nil
}

func (w *Worker) buildBlobPath(pageURL, hash string) string {
	host := "unknown"
	if u, err := url.Parse(pageURL); err == nil && u.Hostname() != "" {
		host = strings.ToLower(u.Hostname())
	}
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", host, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, host, hash)
}

func (w *Worker) publish(ctx context.Context, tool store.Tool, page crawler.Page, hash, uri string) error {
	if w.publisher == nil {
		return nil
	}
	event := ToolEvent{
		Type:        EventToolUpserted,
		ToolID:      tool.ID,
		Name:        tool.Name,
		URL:         tool.URL,
		Categories:  tool.Categories,
		ContentHash: hash,
		ArchiveURI:  uri,
		FetchedAt:   page.FetchedAt,
		OccurredAt:  w.now(),
	}
	if w.ids != nil {
		id, err := w.ids.NewID()
		if err != nil {
			return fmt.Errorf("event id: %w", err)
		}
		event.ID = id
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		return fmt.Errorf("publish payload: %w", err)
	}
	w.stats.Published.Add(1)
	return nil
}

func (w *Worker) now() time.Time {
	if w.clock == nil {
		return time.Now().UTC()
	}
	return w.clock.Now()
}
