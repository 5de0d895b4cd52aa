package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher performs a single HTTP GET. Non-2xx statuses are returned as
// responses; only transport failures are errors.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// PageFetcher retrieves pages under crawl politeness rules.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (Page, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// StateStore persists visited and permanently failed URLs across runs.
type StateStore interface {
	Load(ctx context.Context) (CrawlSnapshot, error)
	RecordVisit(ctx context.Context, url string, at time.Time) error
	RecordFailure(ctx context.Context, url string, kind FetchErrorKind) error
	Reset(ctx context.Context) error
}

// Queue is the crawl frontier between the sitemap resolver and workers.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
	Close()
}

// BlobStore archives raw page bodies.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, data io.Reader) (string, error)
	// Lookup reports whether path was archived before and returns its URI.
	Lookup(ctx context.Context, path string) (uri string, ok bool, err error)
}

// Publisher emits crawl events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher digests page bodies.
type Hasher interface {
	Hash(data []byte) string
}
