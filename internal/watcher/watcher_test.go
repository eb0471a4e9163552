package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pedrazadixon/gemininixiang/internal/config"
)

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 8000\n"), 0o644))

	reloaded := make(chan *config.Config, 1)
	w, err := NewWatcher(path, func(cfg *config.Config) {
		reloaded <- cfg
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte("port: 9001\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9001, cfg.Port)
	case <-time.After(3 * time.Second):
		t.Fatal("config change was not observed")
	}
}

func TestWatcherIgnoresUnchangedContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 8000\n"), 0o644))

	reloaded := make(chan struct{}, 1)
	w, err := NewWatcher(path, func(*config.Config) {
		reloaded <- struct{}{}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	// Rewrite with identical bytes; the hash gate should swallow it.
	require.NoError(t, os.WriteFile(path, []byte("port: 8000\n"), 0o644))

	select {
	case <-reloaded:
		t.Fatal("reload fired for unchanged content")
	case <-time.After(700 * time.Millisecond):
	}
}
