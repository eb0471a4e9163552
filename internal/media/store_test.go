package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pedrazadixon/gemininixiang/internal/geminiweb"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), []byte("fake image body")...)

func testServer(t *testing.T, responses map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := responses[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolve(t *testing.T) {
	t.Run("caches and serves an artifact", func(t *testing.T) {
		srv := testServer(t, map[string][]byte{"/a": pngBytes})
		store, err := NewStore(t.TempDir(), srv.Client(), nil)
		require.NoError(t, err)

		id, err := store.Resolve(context.Background(), srv.URL+"/a")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(id, "gen_"))

		path, mimeType, err := store.Open(id)
		require.NoError(t, err)
		assert.Equal(t, "image/png", mimeType)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, pngBytes, data)
	})

	t.Run("identical bytes resolve to one id", func(t *testing.T) {
		srv := testServer(t, map[string][]byte{"/a": pngBytes, "/b": pngBytes})
		store, err := NewStore(t.TempDir(), srv.Client(), nil)
		require.NoError(t, err)

		idA, err := store.Resolve(context.Background(), srv.URL+"/a")
		require.NoError(t, err)
		idB, err := store.Resolve(context.Background(), srv.URL+"/b")
		require.NoError(t, err)
		assert.Equal(t, idA, idB)
	})

	t.Run("repeat resolution of one URL is idempotent", func(t *testing.T) {
		hits := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits++
			_, _ = w.Write(pngBytes)
		}))
		t.Cleanup(srv.Close)
		store, err := NewStore(t.TempDir(), srv.Client(), nil)
		require.NoError(t, err)

		id1, err := store.Resolve(context.Background(), srv.URL+"/x")
		require.NoError(t, err)
		id2, err := store.Resolve(context.Background(), srv.URL+"/x")
		require.NoError(t, err)
		assert.Equal(t, id1, id2)
		assert.Equal(t, 1, hits)
	})

	t.Run("upstream failure is a media fetch error", func(t *testing.T) {
		srv := testServer(t, nil)
		store, err := NewStore(t.TempDir(), srv.Client(), nil)
		require.NoError(t, err)

		_, err = store.Resolve(context.Background(), srv.URL+"/missing")
		var fetchErr *geminiweb.MediaFetchError
		require.ErrorAs(t, err, &fetchErr)
	})

	t.Run("cache survives a restart", func(t *testing.T) {
		dir := t.TempDir()
		srv := testServer(t, map[string][]byte{"/a": pngBytes})
		store, err := NewStore(dir, srv.Client(), nil)
		require.NoError(t, err)
		id, err := store.Resolve(context.Background(), srv.URL+"/a")
		require.NoError(t, err)

		reopened, err := NewStore(dir, srv.Client(), nil)
		require.NoError(t, err)
		// Same bytes from a new URL reuse the artifact of the old run.
		idAgain, err := reopened.Resolve(context.Background(), srv.URL+"/a")
		require.NoError(t, err)
		assert.Equal(t, id, idAgain)
	})
}

func TestOpen(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil, nil)
	require.NoError(t, err)

	t.Run("unknown id", func(t *testing.T) {
		_, _, err := store.Open("gen_0123456789abcdef")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("invalid id never touches the filesystem", func(t *testing.T) {
		_, _, err := store.Open("../etc/passwd")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID("gen_0123456789abcdef"))
	assert.True(t, ValidID("plain-id"))
	assert.False(t, ValidID(""))
	assert.False(t, ValidID("__--"))
	assert.False(t, ValidID("a/b"))
	assert.False(t, ValidID("a.b"))
}

func TestSniff(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		ext  string
	}{
		{"png", pngBytes, ".png"},
		{"jpeg", []byte("\xff\xd8\xff\xe0rest"), ".jpg"},
		{"gif", []byte("GIF89a-data"), ".gif"},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), ".webp"},
		{"mp4", []byte("\x00\x00\x00\x18ftypisom"), ".mp4"},
		{"unknown", []byte("mystery"), ".png"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ext, _ := sniff(tc.data)
			assert.Equal(t, tc.ext, ext)
		})
	}
}

func TestRescanToleratesForeignFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not media"), 0o644))
	_, err := NewStore(dir, nil, nil)
	require.NoError(t, err)
}
