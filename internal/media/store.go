// Package media caches generated artifacts on disk and serves them under
// short opaque identifiers, so upstream download URLs that require session
// cookies never reach the caller.
package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/pedrazadixon/gemininixiang/internal/geminiweb"
)

// ErrNotFound reports a media id with no cached artifact behind it.
var ErrNotFound = errors.New("media not found")

var extTable = []struct {
	ext  string
	mime string
}{
	{".png", "image/png"},
	{".jpg", "image/jpeg"},
	{".jpeg", "image/jpeg"},
	{".gif", "image/gif"},
	{".webp", "image/webp"},
	{".mp4", "video/mp4"},
}

// Store resolves upstream media URLs into locally cached files. Identical
// bytes resolve to the same id regardless of how many URLs point at them,
// and resolving the same URL twice reuses the first download.
type Store struct {
	dir     string
	client  *http.Client
	cookies func() map[string]string

	mu     sync.Mutex
	byURL  map[string]string
	byHash map[string]string
}

// NewStore creates the cache directory and scans it for artifacts left by a
// previous run.
func NewStore(dir string, client *http.Client, cookies func() map[string]string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	s := &Store{
		dir:     dir,
		client:  client,
		cookies: cookies,
		byURL:   make(map[string]string),
		byHash:  make(map[string]string),
	}
	s.rescan()
	return s, nil
}

func (s *Store) rescan() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		id := strings.TrimSuffix(name, filepath.Ext(name))
		if !ValidID(id) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		sum := sha256.Sum256(data)
		s.byHash[hex.EncodeToString(sum[:])] = id
	}
}

// ValidID reports whether id is safe to look up on disk: alphanumeric after
// removing underscores and dashes, and non-empty.
func ValidID(id string) bool {
	cleaned := strings.NewReplacer("_", "", "-", "").Replace(id)
	if cleaned == "" {
		return false
	}
	for _, r := range cleaned {
		if (r < '0' || r > '9') && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

// Resolve downloads one artifact and returns its local id. The URL is
// rewritten to full resolution first and the download carries the session
// cookies. Bytes already in the cache short-circuit to the existing id.
func (s *Store) Resolve(ctx context.Context, rawURL string) (string, error) {
	s.mu.Lock()
	if id, ok := s.byURL[rawURL]; ok {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	fetchURL := geminiweb.FullSizeURL(rawURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return "", &geminiweb.MediaFetchError{URL: rawURL, Err: err}
	}
	if s.cookies != nil {
		if header := geminiweb.CookieHeader(s.cookies()); header != "" {
			req.Header.Set("Cookie", header)
		}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", &geminiweb.MediaFetchError{URL: rawURL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", &geminiweb.MediaFetchError{URL: rawURL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &geminiweb.MediaFetchError{URL: rawURL, Err: err}
	}
	if len(data) == 0 {
		return "", &geminiweb.MediaFetchError{URL: rawURL, Err: errors.New("empty body")}
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byHash[hash]; ok {
		s.byURL[rawURL] = id
		return id, nil
	}
	ext, _ := sniff(data)
	id := "gen_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	if err := os.WriteFile(filepath.Join(s.dir, id+ext), data, 0o644); err != nil {
		return "", &geminiweb.MediaFetchError{URL: rawURL, Err: err}
	}
	s.byHash[hash] = id
	s.byURL[rawURL] = id
	log.Debugf("cached media %s (%d bytes)", id, len(data))
	return id, nil
}

// Open finds the cached file behind an id. The id is validated before any
// filesystem access; an unknown or invalid id returns ErrNotFound.
func (s *Store) Open(id string) (string, string, error) {
	if !ValidID(id) {
		return "", "", ErrNotFound
	}
	for _, entry := range extTable {
		path := filepath.Join(s.dir, id+entry.ext)
		if _, err := os.Stat(path); err == nil {
			return path, entry.mime, nil
		}
	}
	return "", "", ErrNotFound
}

// sniff classifies artifact bytes by magic number, defaulting to PNG.
func sniff(data []byte) (string, string) {
	switch {
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return ".png", "image/png"
	case bytes.HasPrefix(data, []byte("\xff\xd8\xff")):
		return ".jpg", "image/jpeg"
	case bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")):
		return ".gif", "image/gif"
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return ".webp", "image/webp"
	case len(data) >= 8 && bytes.Equal(data[4:8], []byte("ftyp")):
		return ".mp4", "video/mp4"
	default:
		return ".png", "image/png"
	}
}
