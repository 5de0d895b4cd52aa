package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/ai-tool-finder/internal/catalog"
	"github.com/JakeFAU/ai-tool-finder/internal/metrics"
	"github.com/JakeFAU/ai-tool-finder/internal/policy/ratelimit"
	"github.com/JakeFAU/ai-tool-finder/internal/store"
)

// Catalog is the query contract the handlers serve.
type Catalog interface {
	ListTools(ctx context.Context, offset, limit int, category string) ([]store.Tool, error)
	GetTool(ctx context.Context, id int64) (store.Tool, error)
	ListCategories(ctx context.Context) ([]store.CategoryCount, error)
	Search(ctx context.Context, mode, query string, limit int) []store.Tool
	// EffectiveLimit is the page size the catalog applies for a requested
	// limit; zero selects the default.
	EffectiveLimit(limit int) int
}

// ReadyFunc reports whether downstream dependencies can serve traffic.
type ReadyFunc func(ctx context.Context) error

// Options tunes the server's middleware stack.
type Options struct {
	APIKey         string
	RequestTimeout time.Duration
	Limiter        *ratelimit.Limiter
	Ready          ReadyFunc
}

// Server wires HTTP handlers to the catalog.
type Server struct {
	router  chi.Router
	catalog Catalog
	ready   ReadyFunc
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cat Catalog, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		catalog: cat,
		ready:   opts.Ready,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		if opts.Limiter != nil {
			r.Use(opts.Limiter.Middleware)
		}
		r.Use(timeoutMiddleware(opts.RequestTimeout))

		r.Get("/tools", s.listTools)
		r.Get("/tools/{id}", s.getTool)
		r.Get("/categories", s.listCategories)
		r.Get("/search", s.search)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

type listResponse struct {
	Tools  []store.Tool `json:"tools"`
	Offset int          `json:"offset"`
	Limit  int          `json:"limit"`
}

type searchResponse struct {
	Query string       `json:"query"`
	Mode  string       `json:"mode"`
	Tools []store.Tool `json:"tools"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listTools(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, err := intParam(q.Get("offset"))
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	tools, err := s.catalog.ListTools(r.Context(), offset, limit, strings.TrimSpace(q.Get("category")))
	if err != nil {
		s.logger.Error("list tools failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list tools")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Tools: tools, Offset: offset, Limit: s.catalog.EffectiveLimit(limit)})
}

func (s *Server) getTool(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid tool id")
		return
	}
	tool, err := s.catalog.GetTool(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "tool not found")
			return
		}
		s.logger.Error("get tool failed", zap.Int64("tool_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load tool")
		return
	}
	writeJSON(w, http.StatusOK, tool)
}

func (s *Server) listCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.catalog.ListCategories(r.Context())
	if err != nil {
		s.logger.Error("list categories failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list categories")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": cats})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	mode := q.Get("mode")
	switch mode {
	case "":
		mode = catalog.ModeHybrid
	case catalog.ModeLexical, catalog.ModeSemantic, catalog.ModeHybrid:
	default:
		writeError(w, http.StatusBadRequest, "mode must be lexical, semantic or hybrid")
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	tools := s.catalog.Search(r.Context(), mode, query, limit)
	writeJSON(w, http.StatusOK, searchResponse{Query: query, Mode: mode, Tools: tools})
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck // client went away
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
