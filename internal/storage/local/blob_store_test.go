package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ai-tool-finder/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("CreatesMissingDirectory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "pages")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{BaseDir: " "})
		require.Error(t, err)
	})

	t.Run("BaseDirIsAFile", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.Error(t, err)
	})
}

func TestPutObjectAndLookup(t *testing.T) {
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()
	path := "pages/www.toolify.ai/abc.html"

	_, ok, err := store.Lookup(ctx, path)
	require.NoError(t, err)
	require.False(t, ok)

	uri, err := store.PutObject(ctx, path, "text/html", strings.NewReader("<html></html>"))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(dir, path), uri)

	// #nosec G304 -- test reads from the controlled temp directory.
	got, err := os.ReadFile(filepath.Join(dir, path))
	require.NoError(t, err)
	require.Equal(t, "<html></html>", string(got))

	found, ok, err := store.Lookup(ctx, path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uri, found)

	entries, err := os.ReadDir(filepath.Dir(filepath.Join(dir, path)))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPutObjectRejectsBadPaths(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	for _, path := range []string{"", "../escape.html", "a/../../escape.html"} {
		_, err := store.PutObject(context.Background(), path, "text/html", strings.NewReader("x"))
		require.Error(t, err, path)
		_, _, err = store.Lookup(context.Background(), path)
		require.Error(t, err, path)
	}
}
