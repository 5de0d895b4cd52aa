package crawler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// clockPauser advances the fake clock instead of sleeping.
type clockPauser struct {
	clock *fakeClock
	mu    sync.Mutex
	waits []time.Duration
}

func (p *clockPauser) Pause(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.waits = append(p.waits, d)
	p.mu.Unlock()
	p.clock.Advance(d)
	return nil
}

type stubResponse struct {
	status int
	body   string
	err    error
}

type fetchCall struct {
	url string
	at  time.Time
	ua  string
}

// stubFetcher replays canned responses per URL; the last response repeats.
type stubFetcher struct {
	mu     sync.Mutex
	clock  Clock
	routes map[string][]stubResponse
	calls  []fetchCall
}

func newStubFetcher(clock Clock) *stubFetcher {
	return &stubFetcher{clock: clock, routes: map[string][]stubResponse{}}
}

func (f *stubFetcher) on(url string, responses ...stubResponse) *stubFetcher {
	f.routes[url] = responses
	return f
}

func (f *stubFetcher) Fetch(_ context.Context, req FetchRequest) (FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fetchCall{url: req.URL, at: f.clock.Now(), ua: req.Headers.Get("User-Agent")})
	seq, ok := f.routes[req.URL]
	if !ok || len(seq) == 0 {
		return FetchResponse{URL: req.URL, StatusCode: http.StatusNotFound}, nil
	}
	resp := seq[0]
	if len(seq) > 1 {
		f.routes[req.URL] = seq[1:]
	}
	if resp.err != nil {
		return FetchResponse{}, resp.err
	}
	return FetchResponse{
		URL:        req.URL,
		StatusCode: resp.status,
		Body:       []byte(resp.body),
		Headers:    http.Header{"Content-Type": {"text/html"}},
	}, nil
}

func (f *stubFetcher) urls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.url
	}
	return out
}

func (f *stubFetcher) count(url string) int {
	n := 0
	for _, u := range f.urls() {
		if u == url {
			n++
		}
	}
	return n
}

const site = "https://www.toolify.ai"

func newTestScheduler(t *testing.T, fetcher Fetcher, clock *fakeClock, cfg SchedulerConfig) (*Scheduler, *clockPauser) {
	t.Helper()
	if cfg.UserAgent == "" {
		cfg.UserAgent = testAgent
	}
	pauser := &clockPauser{clock: clock}
	s := NewScheduler(cfg, fetcher, zap.NewNop(),
		WithClock(clock),
		withPauser(pauser),
		WithRetryPolicy(NewExponentialRetryPolicy(3, 100*time.Millisecond, time.Second)),
	)
	return s, pauser
}

func TestSchedulerSpacesFetchesPerHostAcrossURLKinds(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	fetcher := newStubFetcher(clock).
		on(site+"/robots.txt", stubResponse{status: 200, body: "User-agent: *\nCrawl-delay: 5\n"}).
		on(site+"/sitemap.xml", stubResponse{status: 200, body: "<urlset/>"}).
		on(site+"/tool/a", stubResponse{status: 200, body: "a"}).
		on(site+"/tool/b", stubResponse{status: 200, body: "b"})
	s, _ := newTestScheduler(t, fetcher, clock, SchedulerConfig{})

	ctx := context.Background()
	for _, u := range []string{site + "/sitemap.xml", site + "/tool/a", site + "/tool/b"} {
		_, err := s.Fetch(ctx, u)
		require.NoError(t, err)
	}

	calls := fetcher.calls
	require.Len(t, calls, 4)
	require.Equal(t, site+"/robots.txt", calls[0].url, "robots is fetched first")
	for i := 1; i < len(calls); i++ {
		require.GreaterOrEqual(t, calls[i].at.Sub(calls[i-1].at), 5*time.Second)
	}
	for _, c := range calls {
		require.Equal(t, testAgent, c.ua)
	}
	require.Equal(t, HostThrottling, s.HostState(site))
}

func TestSchedulerAppliesConfiguredDelayFloor(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	fetcher := newStubFetcher(clock).
		on(site+"/robots.txt", stubResponse{status: 200, body: "User-agent: *\nCrawl-delay: 1\n"}).
		on(site+"/a", stubResponse{status: 200}).
		on(site+"/b", stubResponse{status: 200})
	s, _ := newTestScheduler(t, fetcher, clock, SchedulerConfig{MinCrawlDelay: 3 * time.Second})

	_, err := s.Fetch(context.Background(), site+"/a")
	require.NoError(t, err)
	_, err = s.Fetch(context.Background(), site+"/b")
	require.NoError(t, err)

	hosts := s.Hosts()
	require.Len(t, hosts, 1)
	require.Equal(t, 3*time.Second, hosts[0].CrawlDelay)
	require.Equal(t, 2, hosts[0].Visited)
}

func TestSchedulerDisallowedURLNeverReachesTransport(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	fetcher := newStubFetcher(clock).
		on(site+"/robots.txt", stubResponse{status: 200, body: "User-agent: *\nDisallow: /tool/private\n"}).
		on(site+"/tool/public", stubResponse{status: 200})
	s, _ := newTestScheduler(t, fetcher, clock, SchedulerConfig{})

	_, err := s.Fetch(context.Background(), site+"/tool/private")
	require.Error(t, err)
	require.Equal(t, KindRobotsDisallowed, KindOf(err))
	require.True(t, IsPermanent(err))

	_, err = s.Fetch(context.Background(), site+"/tool/public")
	require.NoError(t, err)

	require.Zero(t, fetcher.count(site+"/tool/private"))
	require.Equal(t, 1, fetcher.count(site+"/tool/public"))
}

func TestSchedulerRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	fetcher := newStubFetcher(clock).
		on(site+"/robots.txt", stubResponse{status: 404}).
		on(site+"/flaky",
			stubResponse{status: 503},
			stubResponse{err: errors.New("connection reset by peer")},
			stubResponse{status: 200, body: "ok"},
		)
	s, pauser := newTestScheduler(t, fetcher, clock, SchedulerConfig{})

	page, err := s.Fetch(context.Background(), site+"/flaky")
	require.NoError(t, err)
	require.Equal(t, 3, page.Attempts)
	require.Equal(t, "ok", string(page.Body))
	require.Equal(t, 3, fetcher.count(site+"/flaky"))
	require.Len(t, pauser.waits, 2, "one backoff per retry")
}

func TestSchedulerExhaustedRetriesArePermanentForRun(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	fetcher := newStubFetcher(clock).
		on(site+"/robots.txt", stubResponse{status: 404}).
		on(site+"/down", stubResponse{status: 500})
	s, _ := newTestScheduler(t, fetcher, clock, SchedulerConfig{})

	_, err := s.Fetch(context.Background(), site+"/down")
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, KindExhausted, fe.Kind)
	require.Equal(t, 3, fe.Attempts)
	require.Equal(t, 500, fe.Status)
	require.True(t, IsPermanent(err))

	_, err = s.Fetch(context.Background(), site+"/down")
	require.True(t, errors.Is(err, ErrPreviouslyFailed))
	require.Equal(t, 3, fetcher.count(site+"/down"))
}

func TestSchedulerPermanentStatusesAreNotRetried(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	fetcher := newStubFetcher(clock).
		on(site+"/robots.txt", stubResponse{status: 404}).
		on(site+"/gone", stubResponse{status: 404}).
		on(site+"/forbidden", stubResponse{status: 403})
	s, pauser := newTestScheduler(t, fetcher, clock, SchedulerConfig{})

	_, err := s.Fetch(context.Background(), site+"/gone")
	require.Equal(t, KindNotFound, KindOf(err))
	_, err = s.Fetch(context.Background(), site+"/forbidden")
	require.Equal(t, KindClient, KindOf(err))

	require.Equal(t, 1, fetcher.count(site+"/gone"))
	require.Equal(t, 1, fetcher.count(site+"/forbidden"))
	for _, w := range pauser.waits {
		require.Zero(t, w, "no backoff for permanent failures")
	}
}

func TestSchedulerAbortsHostWhenRobotsUnavailable(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	fetcher := newStubFetcher(clock).
		on(site+"/robots.txt", stubResponse{status: 503}).
		on(site+"/tool/a", stubResponse{status: 200})
	s, _ := newTestScheduler(t, fetcher, clock, SchedulerConfig{})

	_, err := s.Fetch(context.Background(), site+"/tool/a")
	require.Equal(t, KindRobotsUnavailable, KindOf(err))
	require.True(t, errors.Is(err, ErrRobotsUnavailable))
	require.Equal(t, HostAborted, s.HostState(site))

	_, err = s.Fetch(context.Background(), site+"/tool/b")
	require.True(t, errors.Is(err, ErrHostAborted))
	require.True(t, errors.Is(err, ErrRobotsUnavailable))
	require.Zero(t, fetcher.count(site+"/tool/a"))
	require.Equal(t, 3, fetcher.count(site+"/robots.txt"), "robots fetch is retried before aborting")

	s.Close()
	require.Equal(t, HostAborted, s.HostState(site))
}

func TestSchedulerUsesConfiguredRobotsURL(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	fetcher := newStubFetcher(clock).
		on(site+"/custom-robots.txt", stubResponse{status: 200, body: "User-agent: *\nDisallow: /x\n"})
	s, _ := newTestScheduler(t, fetcher, clock, SchedulerConfig{RobotsURL: site + "/custom-robots.txt"})

	policy, err := s.RobotsFor(context.Background(), site+"/anything")
	require.NoError(t, err)
	require.False(t, policy.IsAllowed("/x"))
	require.Equal(t, 1, fetcher.count(site+"/custom-robots.txt"))
	require.Zero(t, fetcher.count(site+"/robots.txt"))
}

func TestSchedulerDoesNotRefetchVisitedURLs(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	fetcher := newStubFetcher(clock).
		on(site+"/robots.txt", stubResponse{status: 404}).
		on(site+"/tool/a", stubResponse{status: 200})
	s, _ := newTestScheduler(t, fetcher, clock, SchedulerConfig{})

	_, err := s.Fetch(context.Background(), site+"/tool/a")
	require.NoError(t, err)
	_, err = s.Fetch(context.Background(), "https://WWW.toolify.ai:443/tool/a/#reviews")
	require.True(t, errors.Is(err, ErrAlreadyVisited))
	require.Equal(t, 1, fetcher.count(site+"/tool/a"))
}

func TestSchedulerCancellationWhileThrottled(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(wallClock{}).
		on(site+"/robots.txt", stubResponse{status: 200, body: "User-agent: *\nCrawl-delay: 3600\n"}).
		on(site+"/a", stubResponse{status: 200})
	s := NewScheduler(SchedulerConfig{UserAgent: testAgent}, fetcher, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := s.Fetch(ctx, site+"/a")
	require.Equal(t, KindCanceled, KindOf(err))
	require.Less(t, time.Since(start), 5*time.Second)
	require.Zero(t, fetcher.count(site+"/a"))
	require.NotEqual(t, HostFetching, s.HostState(site))

	// A canceled URL is not recorded as failed.
	s.failedMu.Lock()
	_, failed := s.failed[site+"/a"]
	s.failedMu.Unlock()
	require.False(t, failed)
}

func TestSchedulerSequentialFetchesTakeAtLeastDelay(t *testing.T) {
	t.Parallel()

	const delay = 30 * time.Millisecond
	fetcher := newStubFetcher(wallClock{}).on(site+"/robots.txt", stubResponse{status: 404})
	for _, p := range []string{"/1", "/2", "/3", "/4"} {
		fetcher.on(site+p, stubResponse{status: 200})
	}
	s := NewScheduler(SchedulerConfig{UserAgent: testAgent, MinCrawlDelay: delay}, fetcher, zap.NewNop())

	start := time.Now()
	for _, p := range []string{"/1", "/2", "/3", "/4"} {
		_, err := s.Fetch(context.Background(), site+p)
		require.NoError(t, err)
	}
	require.GreaterOrEqual(t, time.Since(start), 3*delay)
}

func TestSchedulerConcurrentCallersShareOneGate(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	fetcher := newStubFetcher(clock).on(site+"/robots.txt", stubResponse{status: 404})
	fetcher.on(site+"/same", stubResponse{status: 200})
	s, _ := newTestScheduler(t, fetcher, clock, SchedulerConfig{})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Fetch(context.Background(), site+"/same")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.True(t, errors.Is(err, ErrAlreadyVisited))
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, fetcher.count(site+"/same"))
}

type memoryStateStore struct {
	mu       sync.Mutex
	snapshot CrawlSnapshot
	visits   []string
	failures map[string]FetchErrorKind
	resets   int
}

func (m *memoryStateStore) Load(context.Context) (CrawlSnapshot, error) {
	return m.snapshot, nil
}

func (m *memoryStateStore) RecordVisit(_ context.Context, url string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.visits = append(m.visits, url)
	return nil
}

func (m *memoryStateStore) RecordFailure(_ context.Context, url string, kind FetchErrorKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures == nil {
		m.failures = map[string]FetchErrorKind{}
	}
	m.failures[url] = kind
	return nil
}

func (m *memoryStateStore) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
	return nil
}

func TestSchedulerPersistsAndRestoresState(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	state := &memoryStateStore{snapshot: CrawlSnapshot{
		Failed:  map[string]FetchErrorKind{site + "/dead": KindExhausted},
		Visited: map[string]time.Time{site + "/fresh": clock.Now().Add(-time.Hour)},
	}}
	fetcher := newStubFetcher(clock).
		on(site+"/robots.txt", stubResponse{status: 404}).
		on(site+"/dead", stubResponse{status: 200}).
		on(site+"/fresh", stubResponse{status: 200}).
		on(site+"/new", stubResponse{status: 200}).
		on(site+"/missing", stubResponse{status: 404})
	pauser := &clockPauser{clock: clock}
	s := NewScheduler(SchedulerConfig{UserAgent: testAgent, RevisitAfter: 24 * time.Hour}, fetcher, zap.NewNop(),
		WithClock(clock), withPauser(pauser), WithStateStore(state))
	require.NoError(t, s.Restore(context.Background()))

	_, err := s.Fetch(context.Background(), site+"/dead")
	require.True(t, errors.Is(err, ErrPreviouslyFailed))
	_, err = s.Fetch(context.Background(), site+"/fresh")
	require.True(t, errors.Is(err, ErrAlreadyVisited))
	_, err = s.Fetch(context.Background(), site+"/new")
	require.NoError(t, err)
	_, err = s.Fetch(context.Background(), site+"/missing")
	require.Equal(t, KindNotFound, KindOf(err))

	require.Equal(t, []string{site + "/new"}, state.visits)
	require.Equal(t, KindNotFound, state.failures[site+"/missing"])

	require.NoError(t, s.ResetFailures(context.Background()))
	require.Equal(t, 1, state.resets)
	_, err = s.Fetch(context.Background(), site+"/dead")
	require.NoError(t, err)
}

func TestSchedulerCloseMarksHostsDone(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	fetcher := newStubFetcher(clock).
		on(site+"/robots.txt", stubResponse{status: 404}).
		on(site+"/a", stubResponse{status: 200})
	s, _ := newTestScheduler(t, fetcher, clock, SchedulerConfig{})
	require.Equal(t, HostIdle, s.HostState(site))

	_, err := s.Fetch(context.Background(), site+"/a")
	require.NoError(t, err)
	s.Close()
	require.Equal(t, HostDone, s.HostState(site))
}

func TestSchedulerRejectsInvalidURL(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s, _ := newTestScheduler(t, newStubFetcher(clock), clock, SchedulerConfig{})
	_, err := s.Fetch(context.Background(), "/relative/path")
	require.Equal(t, KindInvalidURL, KindOf(err))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	require.Equal(t, FetchErrorKind(""), classify(ctx, FetchResponse{StatusCode: 200}, nil))
	require.Equal(t, KindNotFound, classify(ctx, FetchResponse{StatusCode: 404}, nil))
	require.Equal(t, KindClient, classify(ctx, FetchResponse{StatusCode: 403}, nil))
	require.Equal(t, KindServer, classify(ctx, FetchResponse{StatusCode: 429}, nil))
	require.Equal(t, KindServer, classify(ctx, FetchResponse{StatusCode: 502}, nil))
	require.Equal(t, KindNetwork, classify(ctx, FetchResponse{}, context.DeadlineExceeded))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	require.Equal(t, KindCanceled, classify(canceled, FetchResponse{}, errors.New("boom")))
}

func TestSchedulerUntrackedFetchesKeepPolitenessButNoRecords(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	state := &memoryStateStore{}
	fetcher := newStubFetcher(clock).
		on(site+"/robots.txt", stubResponse{status: 200, body: "User-agent: *\nCrawl-delay: 2\n"}).
		on(site+"/sitemap.xml", stubResponse{status: 200, body: "<urlset/>"})
	s := NewScheduler(SchedulerConfig{UserAgent: testAgent}, fetcher, zap.NewNop(),
		WithClock(clock), withPauser(&clockPauser{clock: clock}), WithStateStore(state))

	docs := s.Untracked()
	_, err := docs.Fetch(context.Background(), site+"/sitemap.xml")
	require.NoError(t, err)
	_, err = docs.Fetch(context.Background(), site+"/sitemap.xml")
	require.NoError(t, err)

	calls := fetcher.calls
	require.Len(t, calls, 3)
	require.GreaterOrEqual(t, calls[2].at.Sub(calls[1].at), 2*time.Second)
	require.Empty(t, state.visits)
}
