package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("<h1>ChatGPT</h1>")
	uri, err := store.PutObject(context.Background(), "pages/www.toolify.ai/abc.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://pages/www.toolify.ai/abc.html", uri)

	payload[0] = 'X'
	stored, ok := store.Object("pages/www.toolify.ai/abc.html")
	require.True(t, ok)
	require.Equal(t, "<h1>ChatGPT</h1>", string(stored))
}

func TestBlobStoreLookup(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	_, ok, err := store.Lookup(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = store.PutObject(context.Background(), "present", "text/html", bytes.NewReader(nil))
	require.NoError(t, err)
	uri, ok, err := store.Lookup(context.Background(), "present")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "memory://present", uri)
}
