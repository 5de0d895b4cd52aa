package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// maxSitemapBytes is the protocol's uncompressed size limit.
const maxSitemapBytes = 50 << 20

var (
	// ErrMalformedSitemap marks a document that is neither a urlset nor a
	// sitemapindex.
	ErrMalformedSitemap = errors.New("malformed sitemap")
	// ErrStopResolve may be returned by an emitter to end enumeration early.
	ErrStopResolve = errors.New("stop resolving sitemaps")
)

// SitemapConfig tunes sitemap expansion.
type SitemapConfig struct {
	// MaxDepth bounds index nesting; roots are depth 0.
	MaxDepth int
	// MaxURLs stops enumeration once this many leaf URLs were emitted. Zero
	// is unbounded.
	MaxURLs int
	// Include, when set, filters the child sitemaps listed by an index.
	Include *regexp.Regexp
}

// SitemapStats summarizes one resolve run.
type SitemapStats struct {
	Sitemaps   int
	Malformed  int
	Failed     int
	Filtered   int
	Duplicates int
	Emitted    int
	Truncated  bool
}

// Emitter receives each unique leaf URL.
type Emitter func(ctx context.Context, item QueueItem) error

// SitemapResolver expands sitemap indexes into leaf URLs.
type SitemapResolver struct {
	cfg     SitemapConfig
	fetcher PageFetcher
	logger  *zap.Logger
}

type sitemapRef struct {
	url   string
	depth int
}

// NewSitemapResolver builds a resolver that fetches documents through fetcher.
func NewSitemapResolver(cfg SitemapConfig, fetcher PageFetcher, logger *zap.Logger) *SitemapResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	return &SitemapResolver{cfg: cfg, fetcher: fetcher, logger: logger}
}

// Resolve walks roots breadth first, emitting every leaf URL at most once.
// Documents that cannot be fetched or parsed are skipped. It returns an error
// only for cancellation, a robots failure on the host, or an emitter error.
func (r *SitemapResolver) Resolve(ctx context.Context, roots []string, emit Emitter) (SitemapStats, error) {
	var stats SitemapStats
	seenMaps := make(map[string]struct{})
	seenLeaves := make(map[string]struct{})

	queue := make([]sitemapRef, 0, len(roots))
	for _, root := range roots {
		canonical, err := NormalizeURL(root)
		if err != nil {
			r.logger.Warn("skipping invalid sitemap root", zap.String("url", root), zap.Error(err))
			continue
		}
		if _, dup := seenMaps[canonical]; dup {
			continue
		}
		seenMaps[canonical] = struct{}{}
		queue = append(queue, sitemapRef{url: canonical})
	}

	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]

		doc, err := r.load(ctx, ref.url)
		if err != nil {
			if ctx.Err() != nil || KindOf(err) == KindCanceled {
				return stats, fmt.Errorf("resolve sitemaps: %w", err)
			}
			if errors.Is(err, ErrRobotsUnavailable) {
				return stats, fmt.Errorf("resolve sitemaps: %w", err)
			}
			if errors.Is(err, ErrMalformedSitemap) {
				stats.Malformed++
			} else {
				stats.Failed++
			}
			r.logger.Warn("skipping sitemap", zap.String("url", ref.url), zap.Error(err))
			continue
		}
		stats.Sitemaps++

		switch doc.kind {
		case "sitemapindex":
			if ref.depth >= r.cfg.MaxDepth {
				r.logger.Warn("sitemap index exceeds max depth",
					zap.String("url", ref.url),
					zap.Int("depth", ref.depth),
				)
				continue
			}
			for _, loc := range doc.locs {
				child := r.canonicalLoc(ref.url, loc)
				if child == "" {
					continue
				}
				if r.cfg.Include != nil && !r.cfg.Include.MatchString(child) {
					stats.Filtered++
					continue
				}
				if _, dup := seenMaps[child]; dup {
					continue
				}
				seenMaps[child] = struct{}{}
				queue = append(queue, sitemapRef{url: child, depth: ref.depth + 1})
			}
		case "urlset":
			for _, loc := range doc.locs {
				leaf := r.canonicalLoc(ref.url, loc)
				if leaf == "" {
					continue
				}
				if _, dup := seenLeaves[leaf]; dup {
					stats.Duplicates++
					continue
				}
				seenLeaves[leaf] = struct{}{}
				if err := emit(ctx, QueueItem{URL: leaf, Sitemap: ref.url}); err != nil {
					if errors.Is(err, ErrStopResolve) {
						return stats, nil
					}
					return stats, fmt.Errorf("emit %s: %w", leaf, err)
				}
				stats.Emitted++
				if r.cfg.MaxURLs > 0 && stats.Emitted >= r.cfg.MaxURLs {
					stats.Truncated = true
					r.logger.Info("sitemap url limit reached", zap.Int("max_urls", r.cfg.MaxURLs))
					return stats, nil
				}
			}
		}
	}
	return stats, nil
}

type sitemapDoc struct {
	kind string
	locs []string
}

func (r *SitemapResolver) load(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	page, err := r.fetcher.Fetch(ctx, sitemapURL)
	if err != nil {
		return sitemapDoc{}, err
	}
	body, err := inflate(page.Body)
	if err != nil {
		return sitemapDoc{}, fmt.Errorf("%w: %v", ErrMalformedSitemap, err)
	}
	return parseSitemap(body)
}

// parseSitemap reads a urlset or sitemapindex document and returns its loc
// values in document order.
func parseSitemap(body []byte) (sitemapDoc, error) {
	root, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return sitemapDoc{}, fmt.Errorf("%w: %v", ErrMalformedSitemap, err)
	}
	top := firstElement(root)
	if top == nil {
		return sitemapDoc{}, fmt.Errorf("%w: no root element", ErrMalformedSitemap)
	}

	var entry string
	switch top.Data {
	case "sitemapindex":
		entry = "sitemap"
	case "urlset":
		entry = "url"
	default:
		return sitemapDoc{}, fmt.Errorf("%w: unexpected root <%s>", ErrMalformedSitemap, top.Data)
	}

	doc := sitemapDoc{kind: top.Data}
	for child := top.FirstChild; child != nil; child = child.NextSibling {
		if child.Type != xmlquery.ElementNode || child.Data != entry {
			continue
		}
		for field := child.FirstChild; field != nil; field = field.NextSibling {
			if field.Type == xmlquery.ElementNode && field.Data == "loc" {
				if loc := strings.TrimSpace(field.InnerText()); loc != "" {
					doc.locs = append(doc.locs, loc)
				}
				break
			}
		}
	}
	return doc, nil
}

func firstElement(n *xmlquery.Node) *xmlquery.Node {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.ElementNode {
			return child
		}
	}
	return nil
}

func (r *SitemapResolver) canonicalLoc(base, loc string) string {
	canonical, err := NormalizeURL(ResolveReference(base, loc))
	if err != nil {
		r.logger.Debug("skipping invalid sitemap loc", zap.String("sitemap", base), zap.String("loc", loc))
		return ""
	}
	return canonical
}

// inflate transparently decompresses gzip bodies.
func inflate(body []byte) ([]byte, error) {
	if len(body) < 2 || body[0] != 0x1f || body[1] != 0x8b {
		return body, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer func() { _ = zr.Close() }()
	out, err := io.ReadAll(io.LimitReader(zr, maxSitemapBytes))
	if err != nil {
		return nil, fmt.Errorf("inflate gzip: %w", err)
	}
	return out, nil
}
