// Package config loads and validates toolfinder configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Backends accepted by the pluggable sections.
const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPubSub   = "pubsub"
	BackendNATS     = "nats"

	ProviderHashing = "hashing"
	ProviderOllama  = "ollama"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Search    SearchConfig    `mapstructure:"search"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimitRPS    float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs the crawl pipeline.
type CrawlerConfig struct {
	SiteURL         string        `mapstructure:"site_url"`
	RobotsURL       string        `mapstructure:"robots_url"`
	SitemapURLs     []string      `mapstructure:"sitemap_urls"`
	SitemapMaxDepth int           `mapstructure:"sitemap_max_depth"`
	SitemapInclude  string        `mapstructure:"sitemap_include"`
	UserAgent       string        `mapstructure:"user_agent"`
	CrawlDelay      time.Duration `mapstructure:"crawl_delay"`
	MaxTools        int           `mapstructure:"max_tools"`
	Concurrency     int           `mapstructure:"concurrency"`
	QueueDepth      int           `mapstructure:"queue_depth"`
	StatePath       string        `mapstructure:"state_path"`
	RevisitAfter    time.Duration `mapstructure:"revisit_after"`
	MaxBodyBytes    int           `mapstructure:"max_body_bytes"`
}

// HTTPConfig configures the fetch transport and retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// DatabaseConfig selects the tool store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// EmbeddingConfig selects the embedding provider.
type EmbeddingConfig struct {
	Provider   string       `mapstructure:"provider"`
	Dimensions int          `mapstructure:"dimensions"`
	Ollama     OllamaConfig `mapstructure:"ollama"`
}

// OllamaConfig points at an Ollama embedding endpoint.
type OllamaConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SearchConfig bounds query result sizes. RefreshInterval spaces out the
// catalog refreshes that pick up tools written by other processes to a
// postgres database; zero refreshes before every query.
type SearchConfig struct {
	DefaultLimit    int           `mapstructure:"default_limit"`
	MaxLimit        int           `mapstructure:"max_limit"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// ArchiveConfig controls raw page snapshots.
type ArchiveConfig struct {
	Backend     string `mapstructure:"backend"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
	BaseDir     string `mapstructure:"base_dir"`
	Bucket      string `mapstructure:"bucket"`
}

// PublisherConfig controls tool events.
type PublisherConfig struct {
	Backend       string `mapstructure:"backend"`
	Topic         string `mapstructure:"topic"`
	ProjectID     string `mapstructure:"project_id"`
	NATSURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// LoggingConfig selects the zap encoder and minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.rate_limit_rps", 0)
	v.SetDefault("server.rate_limit_burst", 0)
	v.SetDefault("crawler.site_url", "https://www.toolify.ai")
	v.SetDefault("crawler.robots_url", "")
	v.SetDefault("crawler.sitemap_urls", []string{})
	v.SetDefault("crawler.sitemap_max_depth", 3)
	v.SetDefault("crawler.sitemap_include", "sitemap_tools_")
	v.SetDefault("crawler.user_agent", "toolfinder/0.1 (+https://github.com/JakeFAU/ai-tool-finder)")
	v.SetDefault("crawler.crawl_delay", "2s")
	v.SetDefault("crawler.max_tools", 100)
	v.SetDefault("crawler.concurrency", 2)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.state_path", "")
	v.SetDefault("crawler.revisit_after", "0s")
	v.SetDefault("crawler.max_body_bytes", 10<<20)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 500)
	v.SetDefault("http.backoff_max_ms", 8000)
	v.SetDefault("database.driver", BackendMemory)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("embedding.provider", ProviderHashing)
	v.SetDefault("embedding.dimensions", 256)
	v.SetDefault("embedding.ollama.base_url", "http://localhost:11434")
	v.SetDefault("embedding.ollama.model", "nomic-embed-text")
	v.SetDefault("embedding.ollama.timeout", "30s")
	v.SetDefault("search.default_limit", 20)
	v.SetDefault("search.max_limit", 100)
	v.SetDefault("search.refresh_interval", "0s")
	v.SetDefault("archive.backend", BackendNone)
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("archive.base_dir", "data/pages")
	v.SetDefault("publisher.backend", BackendNone)
	v.SetDefault("publisher.topic", "tool.upserted")
	v.SetDefault("publisher.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("publisher.subject_prefix", "toolfinder")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

func (c *Config) applyDerived() {
	c.Crawler.SiteURL = strings.TrimRight(strings.TrimSpace(c.Crawler.SiteURL), "/")
	if c.Crawler.RobotsURL == "" && c.Crawler.SiteURL != "" {
		c.Crawler.RobotsURL = c.Crawler.SiteURL + "/robots.txt"
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if err := validateHTTPURL("crawler.site_url", c.Crawler.SiteURL); err != nil {
		return err
	}
	for _, u := range c.Crawler.SitemapURLs {
		if err := validateHTTPURL("crawler.sitemap_urls", u); err != nil {
			return err
		}
	}
	if strings.TrimSpace(c.Crawler.UserAgent) == "" {
		return fmt.Errorf("crawler.user_agent is required")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.MaxTools < 0 {
		return fmt.Errorf("crawler.max_tools must be >= 0")
	}
	if c.Crawler.CrawlDelay < 0 {
		return fmt.Errorf("crawler.crawl_delay must be >= 0")
	}
	if _, err := c.SitemapInclude(); err != nil {
		return err
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.Search.DefaultLimit <= 0 || c.Search.MaxLimit < c.Search.DefaultLimit {
		return fmt.Errorf("search limits must satisfy 0 < default_limit <= max_limit")
	}
	if c.Search.RefreshInterval < 0 {
		return fmt.Errorf("search.refresh_interval must be >= 0")
	}
	if err := oneOf("database.driver", c.Database.Driver, BackendMemory, BackendPostgres); err != nil {
		return err
	}
	if c.Database.Driver == BackendPostgres && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for the postgres driver")
	}
	if err := oneOf("embedding.provider", c.Embedding.Provider, ProviderHashing, ProviderOllama); err != nil {
		return err
	}
	if err := oneOf("archive.backend", c.Archive.Backend, BackendNone, BackendMemory, BackendLocal, BackendGCS); err != nil {
		return err
	}
	if c.Archive.Backend == BackendGCS && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required for the gcs backend")
	}
	if c.Archive.Backend == BackendLocal && c.Archive.BaseDir == "" {
		return fmt.Errorf("archive.base_dir is required for the local backend")
	}
	if err := oneOf("publisher.backend", c.Publisher.Backend, BackendNone, BackendMemory, BackendPubSub, BackendNATS); err != nil {
		return err
	}
	if c.Publisher.Backend == BackendPubSub && c.Publisher.ProjectID == "" {
		return fmt.Errorf("publisher.project_id is required for the pubsub backend")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// FetchTimeout is the per-request transport timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RetryAttempts is the total number of attempts for a transient failure.
func (c Config) RetryAttempts() int {
	return c.HTTP.MaxRetries + 1
}

// BackoffBounds returns the initial and maximum retry delays.
func (c Config) BackoffBounds() (time.Duration, time.Duration) {
	return time.Duration(c.HTTP.BackoffInitialMs) * time.Millisecond,
		time.Duration(c.HTTP.BackoffMaxMs) * time.Millisecond
}

// SitemapInclude compiles crawler.sitemap_include; nil when unset.
func (c Config) SitemapInclude() (*regexp.Regexp, error) {
	if c.Crawler.SitemapInclude == "" {
		return nil, nil
	}
	re, err := regexp.Compile(c.Crawler.SitemapInclude)
	if err != nil {
		return nil, fmt.Errorf("crawler.sitemap_include: %w", err)
	}
	return re, nil
}

func validateHTTPURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) url, got %q", key, raw)
	}
	return nil
}

func oneOf(key, got string, allowed ...string) error {
	for _, a := range allowed {
		if got == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), got)
}
