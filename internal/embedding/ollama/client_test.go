package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmbedPostsModelAndInputs(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/embed", r.URL.Path)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "nomic-embed-text", req.Model)

		out := embedResponse{}
		for i := range req.Input {
			out.Embeddings = append(out.Embeddings, []float32{float32(i), 1})
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/", Model: "nomic-embed-text"})
	require.NoError(t, err)
	require.Equal(t, "nomic-embed-text", c.Model())
	require.NoError(t, c.Init(context.Background()))

	vecs, err := c.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, [][]float32{{0, 1}, {1, 1}}, vecs)
}

func TestEmbedErrors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()
	short := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[]}`))
	}))
	defer short.Close()

	c, err := New(Config{BaseURL: srv.URL, Model: "missing"})
	require.NoError(t, err)
	_, err = c.Embed(context.Background(), []string{"a"})
	require.ErrorContains(t, err, "404")
	require.Error(t, c.Init(context.Background()))

	c, err = New(Config{BaseURL: short.URL, Model: "m"})
	require.NoError(t, err)
	_, err = c.Embed(context.Background(), []string{"a"})
	require.ErrorContains(t, err, "0 embeddings for 1 inputs")
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Model: "m"})
	require.Error(t, err)
	_, err = New(Config{BaseURL: "http://localhost:11434"})
	require.Error(t, err)
}
