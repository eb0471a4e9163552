// Package watcher provides file system monitoring for the proxy server.
// It watches the configuration file for changes and hot-reloads it, so
// cookie swaps and key changes take effect without a restart.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/pedrazadixon/gemininixiang/internal/config"
)

// Watcher monitors the configuration file and invokes the reload callback
// when its content actually changes.
type Watcher struct {
	configPath     string
	reloadCallback func(*config.Config)
	watcher        *fsnotify.Watcher
	lastHash       string
}

// NewWatcher creates a watcher for configPath.
func NewWatcher(configPath string, reloadCallback func(*config.Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		configPath:     configPath,
		reloadCallback: reloadCallback,
		watcher:        fw,
	}
	if data, err := os.ReadFile(configPath); err == nil {
		w.lastHash = hashBytes(data)
	}
	return w, nil
}

// Start begins watching until the context is cancelled. The parent
// directory is watched rather than the file itself, so editors that
// replace the file atomically still trigger events.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return err
	}
	go w.loop(ctx)
	return nil
}

// Stop closes the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	// Editors fire several events per save; debounce before reloading.
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(200*time.Millisecond, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Warnf("failed to read changed config file: %v", err)
		return
	}
	hash := hashBytes(data)
	if hash == w.lastHash {
		return
	}
	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("failed to reload config file: %v", err)
		return
	}
	w.lastHash = hash
	log.Info("config file changed, reloading")
	w.reloadCallback(cfg)
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
