package label

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher owns the live Gate and keeps it current with the rules file
// on disk. Editors typically replace a config file via
// write-to-temp-then-rename, which does not retrigger a watch on the
// original inode, so Watcher watches the parent directory and filters
// events by name instead of watching the file directly.
type Watcher struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Gate]
	watcher *fsnotify.Watcher
}

// NewWatcher loads the rules file at path and starts watching its
// parent directory for changes. If macAvailable is false, or path does
// not exist, the returned Watcher's Gate always grants.
func NewWatcher(path string, macAvailable bool, logger *slog.Logger) (*Watcher, error) {
	w := &Watcher{path: path, logger: logger}

	if err := w.reload(macAvailable); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create rules file watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch rules directory %s: %w", dir, err)
	}
	w.watcher = fsw

	return w, nil
}

// Gate returns the currently active access-control gate. Safe to call
// concurrently with HandleEvent's reloads.
func (w *Watcher) Gate() *Gate {
	return w.current.Load()
}

// Events returns the underlying fsnotify event channel. The daemon
// drains it on its own goroutine, outside the epoll loop.
func (w *Watcher) Events() <-chan fsnotify.Event {
	return w.watcher.Events
}

// Errors returns the underlying fsnotify error channel.
func (w *Watcher) Errors() <-chan error {
	return w.watcher.Errors
}

// HandleEvent processes one fsnotify event, reloading the rule table
// if it concerns the watched rules file. Reload failures retain the
// previous rule table and are logged, never propagated.
func (w *Watcher) HandleEvent(ev fsnotify.Event) {
	if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
		return
	}
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	if err := w.reload(w.Gate().Enabled()); err != nil {
		w.logger.Warn("rules file reload failed, retaining previous rules",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Watcher) reload(macAvailable bool) error {
	if _, err := os.Stat(w.path); err != nil {
		if os.IsNotExist(err) {
			macAvailable = false
		}
	}

	rules, err := LoadRules(w.path)
	if err != nil {
		return err
	}

	w.current.Store(New(rules, macAvailable))
	if w.logger != nil {
		w.logger.Info("access control rules loaded",
			slog.String("path", w.path),
			slog.Int("rules", len(rules)),
			slog.Bool("enabled", macAvailable),
		)
	}
	return nil
}

// Close stops the underlying filesystem watch.
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("close rules file watcher: %w", err)
	}
	return nil
}
