package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ai-tool-finder/internal/metrics"
)

// SchedulerConfig tunes the fetch scheduler.
type SchedulerConfig struct {
	// UserAgent is sent with every request and selects the robots group.
	UserAgent string
	// MinCrawlDelay is the floor applied on top of any robots crawl-delay.
	MinCrawlDelay time.Duration
	// RobotsURL overrides the robots location for the host it points at.
	RobotsURL string
	// RevisitAfter skips URLs whose persisted visit is newer than this.
	// Zero ignores persisted visits.
	RevisitAfter time.Duration
}

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(policy RetryPolicy) SchedulerOption {
	return func(s *Scheduler) {
		if policy != nil {
			s.retry = policy
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(clock Clock) SchedulerOption {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithStateStore persists visits and permanent failures.
func WithStateStore(store StateStore) SchedulerOption {
	return func(s *Scheduler) {
		s.state = store
	}
}

func withPauser(p pauseController) SchedulerOption {
	return func(s *Scheduler) {
		s.pauser = p
	}
}

// Scheduler issues fetches under per-host politeness rules: one in-flight
// request per host, crawl-delay spacing, robots enforcement, and bounded
// retries for transient failures.
type Scheduler struct {
	cfg     SchedulerConfig
	fetcher Fetcher
	retry   RetryPolicy
	clock   Clock
	pauser  pauseController
	state   StateStore
	headers http.Header
	logger  *zap.Logger

	mu    sync.Mutex
	hosts map[string]*hostSlot

	visited urlSet

	failedMu    sync.Mutex
	failed      map[string]FetchErrorKind
	priorVisits map[string]time.Time
}

type hostSlot struct {
	key  string
	gate hostGate

	mu          sync.Mutex
	state       HostState
	lastFetchAt time.Time
	delay       time.Duration
	robots      *RobotsPolicy
	abortErr    error
	visited     int
	failed      int
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// NewScheduler builds a Scheduler over the given transport.
func NewScheduler(cfg SchedulerConfig, fetcher Fetcher, logger *zap.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cfg:         cfg,
		fetcher:     fetcher,
		retry:       NewExponentialRetryPolicy(0, 0, 0),
		clock:       wallClock{},
		pauser:      timerPauseController{},
		logger:      logger,
		hosts:       make(map[string]*hostSlot),
		failed:      make(map[string]FetchErrorKind),
		priorVisits: make(map[string]time.Time),
		headers:     http.Header{},
	}
	if cfg.UserAgent != "" {
		s.headers.Set("User-Agent", cfg.UserAgent)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore loads persisted visits and permanent failures from the state store.
func (s *Scheduler) Restore(ctx context.Context) error {
	if s.state == nil {
		return nil
	}
	snap, err := s.state.Load(ctx)
	if err != nil {
		return fmt.Errorf("load crawl state: %w", err)
	}
	s.failedMu.Lock()
	defer s.failedMu.Unlock()
	for u, kind := range snap.Failed {
		s.failed[u] = kind
	}
	for u, at := range snap.Visited {
		s.priorVisits[u] = at
	}
	s.logger.Info("crawl state restored",
		zap.Int("failed", len(snap.Failed)),
		zap.Int("visited", len(snap.Visited)),
	)
	return nil
}

// ResetFailures forgets every recorded permanent failure, in memory and in
// the state store.
func (s *Scheduler) ResetFailures(ctx context.Context) error {
	s.failedMu.Lock()
	s.failed = make(map[string]FetchErrorKind)
	s.priorVisits = make(map[string]time.Time)
	s.failedMu.Unlock()
	if s.state == nil {
		return nil
	}
	if err := s.state.Reset(ctx); err != nil {
		return fmt.Errorf("reset crawl state: %w", err)
	}
	return nil
}

// Fetch retrieves rawURL. Disallowed URLs never reach the transport; URLs
// already fetched or permanently failed in this run are not requested again.
func (s *Scheduler) Fetch(ctx context.Context, rawURL string) (Page, error) {
	return s.fetch(ctx, rawURL, true)
}

// Untracked returns a PageFetcher that shares this scheduler's host gates,
// robots rules, and retries but keeps no visit or failure records. Sitemaps
// go through it so every run re-reads them.
func (s *Scheduler) Untracked() PageFetcher {
	return untrackedFetcher{s: s}
}

type untrackedFetcher struct {
	s *Scheduler
}

func (u untrackedFetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	return u.s.fetch(ctx, rawURL, false)
}

func (s *Scheduler) fetch(ctx context.Context, rawURL string, tracked bool) (Page, error) {
	target, err := NormalizeURL(rawURL)
	if err != nil {
		return Page{}, &FetchError{Kind: KindInvalidURL, URL: rawURL, Err: err}
	}
	if tracked {
		if err := s.precheck(target); err != nil {
			return Page{}, err
		}
	}
	u, err := url.Parse(target)
	if err != nil {
		return Page{}, &FetchError{Kind: KindInvalidURL, URL: rawURL, Err: err}
	}

	slot := s.slot(hostKey(u))
	if err := slot.gate.Acquire(ctx); err != nil {
		return Page{}, &FetchError{Kind: KindCanceled, URL: target, Err: err}
	}
	defer slot.gate.Release()

	// A concurrent caller may have finished the same URL while we waited.
	if tracked {
		if err := s.precheck(target); err != nil {
			return Page{}, err
		}
	}
	if err := s.ensureRobots(ctx, slot, u); err != nil {
		return Page{}, err
	}
	if !slot.policy().IsAllowed(requestPath(u)) {
		s.logger.Debug("url disallowed by robots", zap.String("url", target))
		fe := &FetchError{Kind: KindRobotsDisallowed, URL: target}
		if !tracked {
			return Page{}, fe
		}
		return Page{}, s.recordFailure(ctx, slot, fe)
	}

	resp, attempts, fe := s.fetchWithRetry(ctx, slot, target)
	if fe != nil {
		if fe.Kind == KindCanceled || !tracked {
			return Page{}, fe
		}
		return Page{}, s.recordFailure(ctx, slot, fe)
	}

	now := s.clock.Now()
	if tracked {
		s.visited.MarkIfNew(target)
		slot.mu.Lock()
		slot.visited++
		slot.mu.Unlock()
		if s.state != nil {
			if err := s.state.RecordVisit(ctx, target, now); err != nil {
				s.logger.Warn("persist visit failed", zap.String("url", target), zap.Error(err))
			}
		}
	}
	metrics.ObserveFetch(slot.key, "ok", len(resp.Body))
	return Page{
		URL:         target,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Headers.Get("Content-Type"),
		Body:        resp.Body,
		FetchedAt:   now,
		Attempts:    attempts,
	}, nil
}

// RobotsFor returns the robots policy of rawURL's host, fetching it through
// the host gate on first use.
func (s *Scheduler) RobotsFor(ctx context.Context, rawURL string) (*RobotsPolicy, error) {
	target, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, &FetchError{Kind: KindInvalidURL, URL: rawURL, Err: err}
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, &FetchError{Kind: KindInvalidURL, URL: rawURL, Err: err}
	}
	slot := s.slot(hostKey(u))
	if err := slot.gate.Acquire(ctx); err != nil {
		return nil, &FetchError{Kind: KindCanceled, URL: target, Err: err}
	}
	defer slot.gate.Release()
	if err := s.ensureRobots(ctx, slot, u); err != nil {
		return nil, err
	}
	return slot.policy(), nil
}

// Close moves every host that was not aborted into the Done state.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, slot := range s.hosts {
		slot.mu.Lock()
		if slot.state != HostAborted {
			slot.state = HostDone
		}
		slot.mu.Unlock()
	}
}

// HostState returns the state of the host serving rawURL.
func (s *Scheduler) HostState(rawURL string) HostState {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return HostIdle
	}
	s.mu.Lock()
	slot, ok := s.hosts[hostKey(u)]
	s.mu.Unlock()
	if !ok {
		return HostIdle
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.state
}

// Hosts returns a snapshot of every host seen so far, sorted by host.
func (s *Scheduler) Hosts() []HostStatus {
	s.mu.Lock()
	slots := make([]*hostSlot, 0, len(s.hosts))
	for _, slot := range s.hosts {
		slots = append(slots, slot)
	}
	s.mu.Unlock()

	out := make([]HostStatus, 0, len(slots))
	for _, slot := range slots {
		slot.mu.Lock()
		out = append(out, HostStatus{
			Host:        slot.key,
			State:       slot.state,
			LastFetchAt: slot.lastFetchAt,
			CrawlDelay:  slot.delay,
			Visited:     slot.visited,
			Failed:      slot.failed,
		})
		slot.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func (s *Scheduler) precheck(target string) error {
	s.failedMu.Lock()
	kind, failed := s.failed[target]
	at, seen := s.priorVisits[target]
	s.failedMu.Unlock()
	if failed {
		return &FetchError{Kind: kind, URL: target, Err: ErrPreviouslyFailed}
	}
	if s.visited.Has(target) {
		return fmt.Errorf("%s: %w", target, ErrAlreadyVisited)
	}
	if seen && s.cfg.RevisitAfter > 0 && s.clock.Now().Sub(at) < s.cfg.RevisitAfter {
		return fmt.Errorf("%s: %w", target, ErrAlreadyVisited)
	}
	return nil
}

func (s *Scheduler) slot(key string) *hostSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.hosts[key]
	if !ok {
		slot = &hostSlot{
			key:   key,
			gate:  newHostGate(),
			state: HostIdle,
			delay: s.cfg.MinCrawlDelay,
		}
		s.hosts[key] = slot
	}
	return slot
}

// ensureRobots loads the host's robots rules once. The caller holds the gate.
func (s *Scheduler) ensureRobots(ctx context.Context, slot *hostSlot, u *url.URL) error {
	slot.mu.Lock()
	state, robots, abortErr := slot.state, slot.robots, slot.abortErr
	slot.mu.Unlock()
	if state == HostAborted {
		return &FetchError{
			Kind: KindRobotsUnavailable,
			URL:  u.String(),
			Err:  fmt.Errorf("%w: %w: %w", ErrRobotsUnavailable, ErrHostAborted, abortErr),
		}
	}
	if robots != nil {
		return nil
	}

	robotsURL := s.robotsURL(u)
	resp, _, fe := s.fetchWithRetry(ctx, slot, robotsURL)
	if fe != nil {
		switch fe.Kind {
		case KindCanceled:
			return fe
		case KindNotFound, KindClient:
		default:
			return s.abort(slot, u.String(), fe)
		}
	}
	policy, err := ParseRobots(resp.StatusCode, resp.Body, s.cfg.UserAgent)
	if err != nil {
		return s.abort(slot, u.String(), err)
	}

	slot.mu.Lock()
	slot.robots = policy
	slot.delay = max(policy.CrawlDelay(), s.cfg.MinCrawlDelay)
	delay := slot.delay
	slot.mu.Unlock()
	s.logger.Info("robots rules loaded",
		zap.String("host", slot.key),
		zap.String("robots_url", robotsURL),
		zap.Int("status", resp.StatusCode),
		zap.Duration("crawl_delay", delay),
	)
	return nil
}

func (s *Scheduler) robotsURL(u *url.URL) string {
	if s.cfg.RobotsURL != "" {
		if o, err := url.Parse(s.cfg.RobotsURL); err == nil && o.Host != "" && hostKey(o) == hostKey(u) {
			return s.cfg.RobotsURL
		}
	}
	return hostKey(u) + "/robots.txt"
}

func (s *Scheduler) abort(slot *hostSlot, target string, cause error) error {
	slot.mu.Lock()
	slot.state = HostAborted
	slot.abortErr = cause
	slot.mu.Unlock()
	s.logger.Error("robots rules unavailable; aborting host",
		zap.String("host", slot.key),
		zap.Error(cause),
	)
	metrics.ObserveFetch(slot.key, string(KindRobotsUnavailable), 0)
	err := cause
	if !errors.Is(err, ErrRobotsUnavailable) {
		err = fmt.Errorf("%w: %w", ErrRobotsUnavailable, cause)
	}
	return &FetchError{Kind: KindRobotsUnavailable, URL: target, Err: err}
}

// fetchWithRetry runs attempts until success, a permanent failure, the
// attempt ceiling, or cancellation. The caller holds the gate.
func (s *Scheduler) fetchWithRetry(ctx context.Context, slot *hostSlot, target string) (FetchResponse, int, *FetchError) {
	for attempt := 1; ; attempt++ {
		resp, err := s.fetchOnce(ctx, slot, target)
		kind := classify(ctx, resp, err)
		if kind == "" {
			return resp, attempt, nil
		}
		fe := &FetchError{Kind: kind, URL: target, Status: resp.StatusCode, Attempts: attempt, Err: err}
		if kind == KindCanceled {
			return resp, attempt, fe
		}
		if !s.retry.ShouldRetry(kind, attempt) {
			if kind.Transient() {
				fe = &FetchError{Kind: KindExhausted, URL: target, Status: resp.StatusCode, Attempts: attempt, Err: fe}
			}
			return resp, attempt, fe
		}
		wait := s.retry.Backoff(attempt)
		s.logger.Debug("transient fetch failure; backing off",
			zap.String("url", target),
			zap.String("kind", string(kind)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
		)
		metrics.ObserveRetry(slot.key, string(kind))
		if err := s.pauser.Pause(ctx, wait); err != nil {
			return resp, attempt, &FetchError{Kind: KindCanceled, URL: target, Attempts: attempt, Err: err}
		}
	}
}

// fetchOnce waits out the host's crawl delay and performs one request.
func (s *Scheduler) fetchOnce(ctx context.Context, slot *hostSlot, target string) (FetchResponse, error) {
	slot.mu.Lock()
	var wait time.Duration
	if !slot.lastFetchAt.IsZero() {
		wait = slot.lastFetchAt.Add(slot.delay).Sub(s.clock.Now())
	}
	slot.mu.Unlock()
	if wait > 0 {
		metrics.ObserveCrawlDelayWait(slot.key, wait)
		if err := s.pauser.Pause(ctx, wait); err != nil {
			return FetchResponse{}, err
		}
	} else if err := ctx.Err(); err != nil {
		return FetchResponse{}, fmt.Errorf("fetch canceled: %w", err)
	}

	slot.setState(HostFetching)
	resp, err := s.fetcher.Fetch(ctx, FetchRequest{URL: target, Headers: s.headers.Clone()})

	slot.mu.Lock()
	slot.lastFetchAt = s.clock.Now()
	if slot.state == HostFetching {
		slot.state = HostThrottling
	}
	slot.mu.Unlock()
	return resp, err
}

func (s *Scheduler) recordFailure(ctx context.Context, slot *hostSlot, fe *FetchError) error {
	slot.mu.Lock()
	slot.failed++
	slot.mu.Unlock()
	s.failedMu.Lock()
	s.failed[fe.URL] = fe.Kind
	s.failedMu.Unlock()
	metrics.ObserveFetch(slot.key, string(fe.Kind), 0)
	if s.state != nil {
		if err := s.state.RecordFailure(ctx, fe.URL, fe.Kind); err != nil {
			s.logger.Warn("persist failure failed", zap.String("url", fe.URL), zap.Error(err))
		}
	}
	return fe
}

func (h *hostSlot) setState(state HostState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == HostAborted || h.state == HostDone {
		return
	}
	h.state = state
}

func (h *hostSlot) policy() *RobotsPolicy {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.robots
}

// classify maps a transport outcome onto a failure kind; "" means success.
func classify(ctx context.Context, resp FetchResponse, err error) FetchErrorKind {
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return KindCanceled
		}
		return KindNetwork
	}
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return ""
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return KindServer
	default:
		return KindClient
	}
}
