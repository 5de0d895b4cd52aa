package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// FetchRequest is a single transport-level GET.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the transport result for any HTTP status.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Page is a successfully fetched document.
type Page struct {
	// URL is the canonical URL that was requested.
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	FetchedAt   time.Time
	Attempts    int
}

// QueueItem is one detail-page URL waiting in the crawl frontier.
type QueueItem struct {
	URL string
	// Sitemap is the sitemap document the URL was listed in.
	Sitemap string
}

// FetchErrorKind classifies fetch failures.
type FetchErrorKind string

// Fetch failure kinds.
const (
	KindNetwork           FetchErrorKind = "network"
	KindServer            FetchErrorKind = "server"
	KindClient            FetchErrorKind = "client"
	KindNotFound          FetchErrorKind = "not_found"
	KindRobotsDisallowed  FetchErrorKind = "robots"
	KindRobotsUnavailable FetchErrorKind = "robots_unavailable"
	KindExhausted         FetchErrorKind = "exhausted"
	KindInvalidURL        FetchErrorKind = "invalid_url"
	KindCanceled          FetchErrorKind = "canceled"
)

// Transient reports whether a failure of this kind is worth retrying.
func (k FetchErrorKind) Transient() bool {
	return k == KindNetwork || k == KindServer
}

// Sentinel causes wrapped by FetchError.
var (
	ErrRobotsUnavailable = errors.New("robots rules unavailable")
	ErrHostAborted       = errors.New("host aborted")
	ErrAlreadyVisited    = errors.New("url already fetched this run")
	ErrPreviouslyFailed  = errors.New("url failed permanently")
)

// ErrQueueClosed is returned by a Queue that was closed, once it is drained.
var ErrQueueClosed = errors.New("queue closed")

// FetchError describes a failed fetch together with its classification.
type FetchError struct {
	Kind     FetchErrorKind
	URL      string
	Status   int
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transient reports whether the caller may retry the same URL later.
func (e *FetchError) Transient() bool {
	return e.Kind.Transient()
}

// IsPermanent reports whether err is a fetch failure that must not be retried.
func IsPermanent(err error) bool {
	var fe *FetchError
	if !errors.As(err, &fe) {
		return false
	}
	return !fe.Transient() && fe.Kind != KindCanceled
}

// KindOf returns the failure kind of err, or "" when err is not a FetchError.
func KindOf(err error) FetchErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// HostState is the per-host crawl state machine.
//
//	Idle -> Fetching -> Throttling -> (Fetching | Done | Aborted)
type HostState string

// Host states.
const (
	HostIdle       HostState = "idle"
	HostFetching   HostState = "fetching"
	HostThrottling HostState = "throttling"
	HostDone       HostState = "done"
	HostAborted    HostState = "aborted"
)

// HostStatus is a point-in-time view of one host's crawl state.
type HostStatus struct {
	Host        string
	State       HostState
	LastFetchAt time.Time
	CrawlDelay  time.Duration
	Visited     int
	Failed      int
}

// CrawlSnapshot is the persisted part of the crawl state.
type CrawlSnapshot struct {
	Visited map[string]time.Time
	Failed  map[string]FetchErrorKind
}
