package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads the configuration when its file changes.
type Watcher struct {
	Path string
	// Reload rebuilds the full configuration so flag and env precedence
	// still apply after a file change.
	Reload   func() (*Config, error)
	OnChange func(*Config)
	Debounce time.Duration
	Log      logrus.FieldLogger
}

// Run watches until ctx is cancelled. The directory is watched rather than
// the file so editors that replace the file on save are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	if w.Log == nil {
		w.Log = logrus.StandardLogger()
	}
	if w.Debounce <= 0 {
		w.Debounce = 200 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(w.Path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	w.Log.WithField("path", target).Info("watching configuration")

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				pending = time.After(w.Debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.Log.WithError(err).Warn("configuration watcher error")
		case <-pending:
			pending = nil
			cfg, err := w.Reload()
			if err != nil {
				w.Log.WithError(err).Error("configuration reload failed, keeping previous values")
				continue
			}
			w.Log.WithField("path", target).Info("configuration reloaded")
			w.OnChange(cfg)
		}
	}
}
