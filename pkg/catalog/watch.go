package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads a catalog into a Registry when its files change.
type Watcher struct {
	path     string
	registry *Registry
	logger   zerolog.Logger
	delay    time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	onApply func(*Catalog, error)
}

// NewWatcher creates a watcher for a catalog file or directory.
func NewWatcher(path string, registry *Registry, logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		registry: registry,
		logger:   logger.With().Str("component", "catalog-watcher").Logger(),
		delay:    500 * time.Millisecond,
	}
}

// OnApply registers a callback invoked after every reload attempt.
func (w *Watcher) OnApply(fn func(*Catalog, error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onApply = fn
}

// Reload loads the catalog and applies it to the registry.
func (w *Watcher) Reload(ctx context.Context) error {
	cat, err := Load(w.path)
	if err == nil {
		err = w.registry.Apply(ctx, cat)
	}

	w.mu.Lock()
	fn := w.onApply
	w.mu.Unlock()
	if fn != nil {
		fn(cat, err)
	}

	if err != nil {
		return fmt.Errorf("failed to reload catalog: %w", err)
	}
	return nil
}

// Start watches the catalog until ctx is done. The directory holding a catalog file
// is watched so that editors replacing the file are noticed.
func (w *Watcher) Start(ctx context.Context) error {
	info, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("failed to stat catalog: %w", err)
	}

	dir := w.path
	if !info.IsDir() {
		dir = filepath.Dir(w.path)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	go w.processEvents(ctx, watcher, info.IsDir())

	w.logger.Info().Str("path", w.path).Msg("Started watching catalog")
	return nil
}

// relevant reports whether an event concerns the catalog.
func (w *Watcher) relevant(event fsnotify.Event, isDir bool) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	if isDir {
		ext := filepath.Ext(event.Name)
		return isCatalogFile(event.Name) || ext == ".cue"
	}
	return filepath.Clean(event.Name) == filepath.Clean(w.path) || filepath.Ext(event.Name) == ".cue"
}

// processEvents processes file system events and triggers debounced reloads.
func (w *Watcher) processEvents(ctx context.Context, watcher *fsnotify.Watcher, isDir bool) {
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event, isDir) {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Catalog file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(w.delay, func() {
				if err := w.Reload(ctx); err != nil {
					w.logger.Error().Err(err).Msg("Keeping previous catalog")
					return
				}
				w.logger.Info().Msg("Catalog reloaded")
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
