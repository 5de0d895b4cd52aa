// Package app builds the long-lived services from configuration and runs the
// crawl and serve workflows over them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/ai-tool-finder/internal/api"
	"github.com/JakeFAU/ai-tool-finder/internal/catalog"
	"github.com/JakeFAU/ai-tool-finder/internal/clock/system"
	"github.com/JakeFAU/ai-tool-finder/internal/config"
	"github.com/JakeFAU/ai-tool-finder/internal/crawler"
	"github.com/JakeFAU/ai-tool-finder/internal/dispatcher"
	"github.com/JakeFAU/ai-tool-finder/internal/embedding"
	"github.com/JakeFAU/ai-tool-finder/internal/embedding/hashing"
	"github.com/JakeFAU/ai-tool-finder/internal/embedding/ollama"
	collyfetcher "github.com/JakeFAU/ai-tool-finder/internal/fetcher/colly"
	"github.com/JakeFAU/ai-tool-finder/internal/hash/sha256"
	"github.com/JakeFAU/ai-tool-finder/internal/id/uuid"
	"github.com/JakeFAU/ai-tool-finder/internal/logging"
	"github.com/JakeFAU/ai-tool-finder/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/ai-tool-finder/internal/publisher/memory"
	natspublisher "github.com/JakeFAU/ai-tool-finder/internal/publisher/nats"
	gcppublisher "github.com/JakeFAU/ai-tool-finder/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/ai-tool-finder/internal/queue/memory"
	"github.com/JakeFAU/ai-tool-finder/internal/search/semantic"
	boltstate "github.com/JakeFAU/ai-tool-finder/internal/storage/bolt"
	gcsstorage "github.com/JakeFAU/ai-tool-finder/internal/storage/gcs"
	localstorage "github.com/JakeFAU/ai-tool-finder/internal/storage/local"
	memoryStorage "github.com/JakeFAU/ai-tool-finder/internal/storage/memory"
	pgstore "github.com/JakeFAU/ai-tool-finder/internal/storage/postgres"
	"github.com/JakeFAU/ai-tool-finder/internal/store"
	"github.com/JakeFAU/ai-tool-finder/internal/worker"
)

// publisher is a crawler.Publisher that owns resources.
type publisher interface {
	crawler.Publisher
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    crawler.Clock
	catalog  *catalog.Catalog
	embedder *embedding.Service

	pool         *pgxpool.Pool
	storage      *storage.Client
	pubsubClient *pubsub.Client
	blobStore    crawler.BlobStore
	publisher    publisher
	transport    crawler.Fetcher
}

// Option customizes Build.
type Option func(*App)

// WithTransport replaces the colly transport, mainly for tests.
func WithTransport(f crawler.Fetcher) Option {
	return func(a *App) { a.transport = f }
}

// WithClock replaces the wall clock.
func WithClock(c crawler.Clock) Option {
	return func(a *App) { a.clock = c }
}

// Build creates the application's dependencies and loads the catalog indexes.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, clock: system.New()}
	for _, opt := range opts {
		opt(a)
	}
	a.logger.Info("building application dependencies",
		zap.String("database", cfg.Database.Driver),
		zap.String("embedding", cfg.Embedding.Provider),
		zap.String("archive", cfg.Archive.Backend),
		zap.String("publisher", cfg.Publisher.Backend),
	)

	repo, cache, err := a.setupStore(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	if err := a.setupEmbedding(); err != nil {
		a.Close(ctx)
		return nil, err
	}
	index := semantic.New(a.embedder, cache, logging.Named(a.logger, "semantic"))
	a.catalog = catalog.New(repo, index, catalog.Config{
		DefaultLimit:    cfg.Search.DefaultLimit,
		MaxLimit:        cfg.Search.MaxLimit,
		Shared:          cfg.Database.Driver == config.BackendPostgres,
		RefreshInterval: cfg.Search.RefreshInterval,
	}, logging.Named(a.logger, "catalog"))

	if err := a.catalog.Rebuild(ctx); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("rebuild catalog: %w", err)
	}
	if a.blobStore, err = a.setupArchive(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	if a.publisher, err = a.setupPublisher(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// Catalog exposes the query facade.
func (a *App) Catalog() *catalog.Catalog {
	return a.catalog
}

// Publisher exposes the event publisher; nil when publishing is disabled.
func (a *App) Publisher() crawler.Publisher {
	if a.publisher == nil {
		return nil
	}
	return a.publisher
}

// Ready reports whether the database is reachable.
func (a *App) Ready(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	if err := a.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases every external resource. It is safe to call on a partially
// built App.
func (a *App) Close(_ context.Context) {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	a.logger.Info("shutdown complete")
}

// CrawlOptions tunes a single crawl run.
type CrawlOptions struct {
	// ResetFailures forgets persisted visits and permanent failures first.
	ResetFailures bool
	// MaxTools overrides crawler.max_tools when positive.
	MaxTools int
	// Background marks a crawl run by serve in the serving process.
	Background bool
}

// CrawlReport summarizes one crawl run.
type CrawlReport struct {
	Roots   []string             `json:"roots"`
	Sitemap crawler.SitemapStats `json:"sitemap"`
	Workers worker.RunStats      `json:"workers"`
	Hosts   []crawler.HostStatus `json:"hosts"`
	Tools   int                  `json:"tools"`
	Vectors int                  `json:"vectors"`
	Elapsed time.Duration        `json:"elapsed"`
}

// Crawl resolves the sitemaps, fetches every listed detail page under the
// politeness rules, and stores the extracted tools. It returns when the
// frontier is drained or ctx is done.
func (a *App) Crawl(ctx context.Context, opts CrawlOptions) (CrawlReport, error) {
	start := time.Now()
	cfg := a.cfg.Crawler
	if a.cfg.Database.Driver == config.BackendMemory && !opts.Background {
		a.logger.Warn("memory driver keeps crawled tools in this process only; run serve --crawl-interval to search them")
	}

	include, err := a.cfg.SitemapInclude()
	if err != nil {
		return CrawlReport{}, err
	}
	maxTools := cfg.MaxTools
	if opts.MaxTools > 0 {
		maxTools = opts.MaxTools
	}

	schedOpts := []crawler.SchedulerOption{
		crawler.WithRetryPolicy(a.retryPolicy()),
		crawler.WithClock(a.clock),
	}
	if cfg.StatePath != "" {
		state, err := boltstate.Open(cfg.StatePath)
		if err != nil {
			return CrawlReport{}, fmt.Errorf("open crawl state: %w", err)
		}
		defer func() {
			if err := state.Close(); err != nil {
				a.logger.Warn("crawl state close failed", zap.Error(err))
			}
		}()
		schedOpts = append(schedOpts, crawler.WithStateStore(state))
	}

	sched := crawler.NewScheduler(crawler.SchedulerConfig{
		UserAgent:     cfg.UserAgent,
		MinCrawlDelay: cfg.CrawlDelay,
		RobotsURL:     cfg.RobotsURL,
		RevisitAfter:  cfg.RevisitAfter,
	}, a.fetchTransport(), logging.Named(a.logger, "scheduler"), schedOpts...)

	if opts.ResetFailures {
		if err := sched.ResetFailures(ctx); err != nil {
			return CrawlReport{}, err
		}
		a.logger.Info("crawl state reset")
	} else if err := sched.Restore(ctx); err != nil {
		return CrawlReport{}, err
	}

	roots := a.sitemapRoots(ctx, sched)
	resolver := crawler.NewSitemapResolver(crawler.SitemapConfig{
		MaxDepth: cfg.SitemapMaxDepth,
		MaxURLs:  maxTools,
		Include:  include,
	}, sched.Untracked(), logging.Named(a.logger, "sitemap"))

	queue := queueMemory.NewQueue(cfg.QueueDepth)
	stats := &worker.Stats{}
	d := dispatcher.New(queue, a.workers(queue, sched, stats))

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()

	sitemapStats, resolveErr := resolver.Resolve(ctx, roots, d.Enqueue)
	d.Close()
	<-done

	if ctx.Err() == nil {
		if _, err := a.catalog.Reconcile(ctx); err != nil {
			a.logger.Warn("reconcile embeddings failed", zap.Error(err))
		}
	}

	sched.Close()
	tools, vectors := a.catalog.Stats()
	report := CrawlReport{
		Roots:   roots,
		Sitemap: sitemapStats,
		Workers: stats.Snapshot(),
		Hosts:   sched.Hosts(),
		Tools:   tools,
		Vectors: vectors,
		Elapsed: time.Since(start),
	}
	a.logger.Info("crawl finished",
		zap.Int("sitemaps", sitemapStats.Sitemaps),
		zap.Int("urls", sitemapStats.Emitted),
		zap.Bool("truncated", sitemapStats.Truncated),
		zap.Int64("stored", report.Workers.Stored),
		zap.Int64("skipped", report.Workers.Skipped),
		zap.Int64("fetch_failed", report.Workers.FetchFailed),
		zap.Int64("extract_failed", report.Workers.ExtractFailed),
		zap.Int("tools", tools),
		zap.Int("vectors", vectors),
		zap.Duration("elapsed", report.Elapsed),
	)
	if resolveErr != nil {
		return report, resolveErr
	}
	return report, ctx.Err()
}

// Handler builds the HTTP API over the catalog.
func (a *App) Handler() http.Handler {
	opts := api.Options{
		RequestTimeout: a.cfg.Server.WriteTimeout,
		Ready:          a.Ready,
	}
	if a.cfg.Auth.Enabled {
		opts.APIKey = a.cfg.Auth.APIKey
	}
	if a.cfg.Server.RateLimitRPS > 0 {
		opts.Limiter = ratelimit.New(ratelimit.Config{
			RPS:   a.cfg.Server.RateLimitRPS,
			Burst: a.cfg.Server.RateLimitBurst,
		})
		a.logger.Info("rate limiter enabled",
			zap.Float64("rps", a.cfg.Server.RateLimitRPS),
			zap.Int("burst", a.cfg.Server.RateLimitBurst),
		)
	}
	return api.NewServer(a.catalog, opts, logging.Named(a.logger, "api")).Handler()
}

// Serve runs the HTTP API until ctx is done, then shuts down gracefully.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout + 5*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func (a *App) setupStore(ctx context.Context) (store.ToolRepository, store.EmbeddingCache, error) {
	switch a.cfg.Database.Driver {
	case config.BackendPostgres:
		pool, err := pgstore.NewPool(ctx, pgstore.Config{
			DSN:             a.cfg.Database.DSN,
			MaxConns:        a.cfg.Database.MaxConns,
			MinConns:        a.cfg.Database.MinConns,
			MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
			Vector:          true,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("postgres init failed: %w", err)
		}
		a.pool = pool
		if err := pgstore.EnsureSchema(ctx, pool, true); err != nil {
			return nil, nil, err
		}
		repo, err := pgstore.NewToolStore(pool)
		if err != nil {
			return nil, nil, err
		}
		cache, err := pgstore.NewEmbeddingCache(pool)
		if err != nil {
			return nil, nil, err
		}
		a.logger.Info("using postgres tool store")
		return repo, cache, nil
	default:
		a.logger.Info("using in-memory tool store")
		return memoryStorage.NewToolStore(memoryStorage.WithNow(a.clock.Now)), memoryStorage.NewEmbeddingCache(), nil
	}
}

func (a *App) setupEmbedding() error {
	var provider embedding.Provider
	switch a.cfg.Embedding.Provider {
	case config.ProviderOllama:
		client, err := ollama.New(ollama.Config{
			BaseURL: a.cfg.Embedding.Ollama.BaseURL,
			Model:   a.cfg.Embedding.Ollama.Model,
			Timeout: a.cfg.Embedding.Ollama.Timeout,
		})
		if err != nil {
			return fmt.Errorf("ollama init failed: %w", err)
		}
		a.logger.Info("using ollama embeddings",
			zap.String("base_url", a.cfg.Embedding.Ollama.BaseURL),
			zap.String("model", a.cfg.Embedding.Ollama.Model),
		)
		provider = client
	default:
		provider = hashing.New(a.cfg.Embedding.Dimensions)
		a.logger.Info("using hashing embeddings", zap.String("model", provider.Model()))
	}
	a.embedder = embedding.NewService(provider, logging.Named(a.logger, "embedding"))
	return nil
}

func (a *App) setupArchive(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS page archive", zap.String("bucket", a.cfg.Archive.Bucket))
		return blobStore, nil
	case config.BackendLocal:
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local page archive", zap.String("path", a.cfg.Archive.BaseDir))
		return blobStore, nil
	case config.BackendMemory:
		a.logger.Info("using in-memory page archive")
		return memoryStorage.NewBlobStore(), nil
	default:
		a.logger.Info("page archive disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (publisher, error) {
	switch a.cfg.Publisher.Backend {
	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.Publisher.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Publisher.ProjectID),
			zap.String("topic", a.cfg.Publisher.Topic),
		)
		return gcppublisher.New(client), nil
	case config.BackendNATS:
		pub, err := natspublisher.Connect(a.cfg.Publisher.NATSURL, a.cfg.Publisher.SubjectPrefix)
		if err != nil {
			return nil, fmt.Errorf("nats publisher init failed: %w", err)
		}
		a.logger.Info("NATS publisher initialized",
			zap.String("url", a.cfg.Publisher.NATSURL),
			zap.String("subject_prefix", a.cfg.Publisher.SubjectPrefix),
		)
		return pub, nil
	case config.BackendMemory:
		a.logger.Info("using in-memory publisher")
		return memorypublisher.New(), nil
	default:
		a.logger.Info("event publishing disabled")
		return nil, nil
	}
}

func (a *App) fetchTransport() crawler.Fetcher {
	if a.transport != nil {
		return a.transport
	}
	return collyfetcher.New(collyfetcher.Config{
		UserAgent:   a.cfg.Crawler.UserAgent,
		Timeout:     a.cfg.FetchTimeout(),
		MaxBodySize: a.cfg.Crawler.MaxBodyBytes,
	})
}

func (a *App) retryPolicy() crawler.RetryPolicy {
	base, maxDelay := a.cfg.BackoffBounds()
	return crawler.NewExponentialRetryPolicy(a.cfg.RetryAttempts(), base, maxDelay)
}

// sitemapRoots prefers configured roots, then the robots Sitemap lines, then
// /sitemap.xml on the site.
func (a *App) sitemapRoots(ctx context.Context, sched *crawler.Scheduler) []string {
	if len(a.cfg.Crawler.SitemapURLs) > 0 {
		return a.cfg.Crawler.SitemapURLs
	}
	policy, err := sched.RobotsFor(ctx, a.cfg.Crawler.SiteURL+"/")
	if err != nil {
		a.logger.Warn("robots rules unavailable", zap.String("site", a.cfg.Crawler.SiteURL), zap.Error(err))
	} else if maps := policy.Sitemaps(); len(maps) > 0 {
		return maps
	}
	return []string{strings.TrimRight(a.cfg.Crawler.SiteURL, "/") + "/sitemap.xml"}
}

func (a *App) workers(queue crawler.Queue, sched *crawler.Scheduler, stats *worker.Stats) []dispatcher.Runner {
	pub := a.Publisher()
	workerCfg := worker.Config{
		ContentType: a.cfg.Archive.ContentType,
		BlobPrefix:  a.cfg.Archive.Prefix,
		Topic:       a.cfg.Publisher.Topic,
	}
	extractor := crawler.NewExtractor()
	hasher := sha256.New()
	ids := uuid.New()

	runners := make([]dispatcher.Runner, 0, a.cfg.Crawler.Concurrency)
	for i := 0; i < a.cfg.Crawler.Concurrency; i++ {
		runners = append(runners, worker.New(
			queue,
			sched,
			extractor,
			a.catalog,
			a.blobStore,
			pub,
			hasher,
			a.clock,
			ids,
			workerCfg,
			stats,
			logging.Named(a.logger, "worker").With(zap.Int("index", i)),
		))
	}
	return runners
}
