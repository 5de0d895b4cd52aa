// Package metrics exposes Prometheus collectors for the crawler and the
// search service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerFetchesTotal          *prometheus.CounterVec
	crawlerBytesTotal            *prometheus.CounterVec
	crawlerRetriesTotal          *prometheus.CounterVec
	crawlerCrawlDelayWaitSeconds *prometheus.HistogramVec
	crawlerToolsUpsertedTotal    *prometheus.CounterVec
	crawlerActiveWorkers         prometheus.Gauge
	searchRequestsTotal          *prometheus.CounterVec
	searchDegradedTotal          *prometheus.CounterVec
	catalogRefreshesTotal        *prometheus.CounterVec
	embeddingRequestsTotal       *prometheus.CounterVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec
	httpRateLimitedTotal         *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetches_total",
				Help: "Total number of fetch outcomes, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_retries_total",
				Help: "Total number of retried fetches, labeled by site and failure kind.",
			},
			[]string{"site", "kind"},
		)

		crawlerCrawlDelayWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_crawl_delay_wait_seconds",
				Help:    "Histogram of time spent waiting out per-host crawl delays.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		crawlerToolsUpsertedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_tools_upserted_total",
				Help: "Total number of tool records written, labeled by status.",
			},
			[]string{"status"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a URL.",
			},
		)

		searchRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_requests_total",
				Help: "Total number of search queries, labeled by mode.",
			},
			[]string{"mode"},
		)

		searchDegradedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_degraded_total",
				Help: "Total number of searches served without one of the indexes.",
			},
			[]string{"mode", "index"},
		)

		catalogRefreshesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_refreshes_total",
				Help: "Total number of catalog refreshes from a shared repository, labeled by result.",
			},
			[]string{"result"},
		)

		embeddingRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "embedding_requests_total",
				Help: "Total number of embedding calls, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		httpRateLimitedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_rate_limited_total",
				Help: "Total number of HTTP requests rejected by the per-client limiter.",
			},
			[]string{"route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveFetch counts one fetch outcome ("ok" or a failure kind).
func ObserveFetch(site, outcome string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerFetchesTotal.WithLabelValues(sanitizedSite, outcome).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveRetry counts a retried fetch.
func ObserveRetry(site, kind string) {
	Init()
	crawlerRetriesTotal.WithLabelValues(SanitizeSite(site), kind).Inc()
}

// ObserveCrawlDelayWait records how long a fetch waited for its host slot.
func ObserveCrawlDelayWait(site string, wait time.Duration) {
	Init()
	crawlerCrawlDelayWaitSeconds.WithLabelValues(SanitizeSite(site)).Observe(wait.Seconds())
}

// ObserveToolUpserted counts tool writes by status ("ok", "invalid", "error").
func ObserveToolUpserted(status string) {
	Init()
	crawlerToolsUpsertedTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// ObserveSearch counts a search query.
func ObserveSearch(mode string) {
	Init()
	searchRequestsTotal.WithLabelValues(mode).Inc()
}

// ObserveSearchDegraded counts a search answered without the named index.
func ObserveSearchDegraded(mode, index string) {
	Init()
	searchDegradedTotal.WithLabelValues(mode, index).Inc()
}

// ObserveCatalogRefresh counts a catalog refresh ("ok", "error").
func ObserveCatalogRefresh(result string) {
	Init()
	catalogRefreshesTotal.WithLabelValues(result).Inc()
}

// ObserveEmbedding counts an embedding call ("ok", "cached", "error").
func ObserveEmbedding(outcome string) {
	Init()
	embeddingRequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimited counts a request rejected by the per-client limiter.
func ObserveRateLimited(route string) {
	Init()
	httpRateLimitedTotal.WithLabelValues(route).Inc()
}
