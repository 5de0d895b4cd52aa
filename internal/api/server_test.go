package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ai-tool-finder/internal/catalog"
	"github.com/JakeFAU/ai-tool-finder/internal/embedding"
	"github.com/JakeFAU/ai-tool-finder/internal/embedding/hashing"
	"github.com/JakeFAU/ai-tool-finder/internal/policy/ratelimit"
	"github.com/JakeFAU/ai-tool-finder/internal/search/semantic"
	"github.com/JakeFAU/ai-tool-finder/internal/storage/memory"
	"github.com/JakeFAU/ai-tool-finder/internal/store"
)

func ptr[T any](v T) *T { return &v }

func newTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	svc := embedding.NewService(hashing.New(128), zap.NewNop())
	cat := catalog.New(
		memory.NewToolStore(),
		semantic.New(svc, memory.NewEmbeddingCache(), zap.NewNop()),
		catalog.Config{DefaultLimit: 10, MaxLimit: 20},
		zap.NewNop(),
	)
	ctx := context.Background()
	for _, c := range []store.Candidate{
		{Name: "ChatGPT", URL: "https://www.toolify.ai/tool/chatgpt", Description: ptr("AI chat assistant for writing"), Categories: []string{"Chatbot", "Writing"}},
		{Name: "Midjourney", URL: "https://www.toolify.ai/tool/midjourney", Description: ptr("Image generation from text prompts"), Categories: []string{"Image"}},
		{Name: "Notion AI", URL: "https://www.toolify.ai/tool/notion-ai", Description: ptr("Writing helper inside notes"), Categories: []string{"Writing"}},
	} {
		_, err := cat.Upsert(ctx, c)
		require.NoError(t, err)
	}
	return cat
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	return NewServer(newTestCatalog(t), opts, zap.NewNop())
}

func get(t *testing.T, h http.Handler, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_HealthAndRequestID(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, Options{}).Handler()

	rec := get(t, h, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = get(t, h, "/healthz", map[string]string{"X-Request-ID": "abc"})
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	ok := newTestServer(t, Options{Ready: func(context.Context) error { return nil }}).Handler()
	require.Equal(t, http.StatusOK, get(t, ok, "/readyz", nil).Code)

	down := newTestServer(t, Options{Ready: func(context.Context) error { return errors.New("db down") }}).Handler()
	require.Equal(t, http.StatusServiceUnavailable, get(t, down, "/readyz", nil).Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, Options{}).Handler()
	get(t, h, "/v1/search?q=chat", nil)

	rec := get(t, h, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "search_requests_total")
}

func TestServer_ListTools(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, Options{}).Handler()

	rec := get(t, h, "/v1/tools", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[listResponse](t, rec)
	require.Len(t, body.Tools, 3)
	require.Equal(t, "ChatGPT", body.Tools[0].Name)
	require.Equal(t, 10, body.Limit, "omitted limit reports the default page size")

	rec = get(t, h, "/v1/tools?offset=1&limit=1", nil)
	body = decode[listResponse](t, rec)
	require.Len(t, body.Tools, 1)
	require.Equal(t, "Midjourney", body.Tools[0].Name)
	require.Equal(t, 1, body.Limit)
	require.Equal(t, 1, body.Offset)

	rec = get(t, h, "/v1/tools?limit=500", nil)
	require.Equal(t, 20, decode[listResponse](t, rec).Limit)

	rec = get(t, h, "/v1/tools?category=Writing", nil)
	body = decode[listResponse](t, rec)
	require.Len(t, body.Tools, 2)

	require.Equal(t, http.StatusBadRequest, get(t, h, "/v1/tools?offset=-1", nil).Code)
	require.Equal(t, http.StatusBadRequest, get(t, h, "/v1/tools?limit=x", nil).Code)
}

func TestServer_GetTool(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, Options{}).Handler()

	rec := get(t, h, "/v1/tools/2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tool := decode[store.Tool](t, rec)
	require.Equal(t, "Midjourney", tool.Name)
	require.Equal(t, []string{"Image"}, tool.Categories)

	require.Equal(t, http.StatusNotFound, get(t, h, "/v1/tools/99", nil).Code)
	require.Equal(t, http.StatusBadRequest, get(t, h, "/v1/tools/abc", nil).Code)
	require.Equal(t, http.StatusBadRequest, get(t, h, "/v1/tools/0", nil).Code)
}

func TestServer_ListCategories(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, Options{}).Handler()

	rec := get(t, h, "/v1/categories", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Categories []store.CategoryCount `json:"categories"`
	}](t, rec)
	require.Equal(t, []store.CategoryCount{
		{Name: "Chatbot", ToolCount: 1},
		{Name: "Image", ToolCount: 1},
		{Name: "Writing", ToolCount: 2},
	}, body.Categories)
}

func TestServer_Search(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, Options{}).Handler()

	rec := get(t, h, "/v1/search?q=chatgpt&mode=lexical", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[searchResponse](t, rec)
	require.Equal(t, "lexical", body.Mode)
	require.NotEmpty(t, body.Tools)
	require.Equal(t, "ChatGPT", body.Tools[0].Name)

	rec = get(t, h, "/v1/search?q=writing", nil)
	body = decode[searchResponse](t, rec)
	require.Equal(t, "hybrid", body.Mode)
	require.NotEmpty(t, body.Tools)

	rec = get(t, h, "/v1/search?q=image+prompts&mode=semantic&limit=1", nil)
	body = decode[searchResponse](t, rec)
	require.Len(t, body.Tools, 1)

	rec = get(t, h, "/v1/search?q=zzzz&mode=lexical", nil)
	body = decode[searchResponse](t, rec)
	require.NotNil(t, body.Tools)
	require.Empty(t, body.Tools)

	require.Equal(t, http.StatusBadRequest, get(t, h, "/v1/search", nil).Code)
	require.Equal(t, http.StatusBadRequest, get(t, h, "/v1/search?q=x&mode=fuzzy", nil).Code)
	require.Equal(t, http.StatusBadRequest, get(t, h, "/v1/search?q=x&limit=-2", nil).Code)
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, Options{APIKey: "secret"}).Handler()

	require.Equal(t, http.StatusUnauthorized, get(t, h, "/v1/tools", nil).Code)
	require.Equal(t, http.StatusUnauthorized, get(t, h, "/v1/tools", map[string]string{"X-API-Key": "nope"}).Code)
	require.Equal(t, http.StatusOK, get(t, h, "/v1/tools", map[string]string{"X-API-Key": "secret"}).Code)
	require.Equal(t, http.StatusOK, get(t, h, "/healthz", nil).Code)
}

func TestServer_RateLimit(t *testing.T) {
	t.Parallel()
	limiter := ratelimit.New(ratelimit.Config{RPS: 0.001, Burst: 1})
	h := newTestServer(t, Options{Limiter: limiter}).Handler()

	require.Equal(t, http.StatusOK, get(t, h, "/v1/categories", nil).Code)
	require.Equal(t, http.StatusTooManyRequests, get(t, h, "/v1/categories", nil).Code)
	require.Equal(t, http.StatusOK, get(t, h, "/healthz", nil).Code)
}

type failingCatalog struct{ panicOnSearch bool }

func (failingCatalog) ListTools(context.Context, int, int, string) ([]store.Tool, error) {
	return nil, errors.New("db down")
}

func (failingCatalog) GetTool(context.Context, int64) (store.Tool, error) {
	return store.Tool{}, errors.New("db down")
}

func (failingCatalog) ListCategories(context.Context) ([]store.CategoryCount, error) {
	return nil, errors.New("db down")
}

func (failingCatalog) EffectiveLimit(limit int) int { return limit }

func (f failingCatalog) Search(context.Context, string, string, int) []store.Tool {
	if f.panicOnSearch {
		panic("boom")
	}
	return []store.Tool{}
}

func TestServer_InternalErrors(t *testing.T) {
	t.Parallel()
	h := NewServer(failingCatalog{panicOnSearch: true}, Options{}, zap.NewNop()).Handler()

	require.Equal(t, http.StatusInternalServerError, get(t, h, "/v1/tools", nil).Code)
	require.Equal(t, http.StatusInternalServerError, get(t, h, "/v1/tools/1", nil).Code)
	require.Equal(t, http.StatusInternalServerError, get(t, h, "/v1/categories", nil).Code)
	require.Equal(t, http.StatusInternalServerError, get(t, h, "/v1/search?q=x", nil).Code)
}
