package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/lsm/cdctail/internal/observability"
)

// Watcher reloads the YAML overlay when it changes and applies a new
// logLevel to the running logger. Other keys need a restart.
type Watcher struct {
	path     string
	level    *slog.LevelVar
	logger   *slog.Logger
	onChange func(*File)
}

// NewWatcher creates a watcher for the overlay at path.
func NewWatcher(path string, level *slog.LevelVar, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:   filepath.Clean(path),
		level:  level,
		logger: logger,
	}
}

// OnChange registers a callback that fires after each successful reload.
func (w *Watcher) OnChange(fn func(*File)) {
	w.onChange = fn
}

// Watch blocks until ctx is done. The parent directory is watched so that
// files replaced by rename (editors, mounted ConfigMaps) are still seen.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}

	w.logger.Debug("config_watch_started", "file", w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config_watch_error", "error", err.Error())
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}
	name := filepath.Clean(event.Name)
	// ConfigMap mounts swap a ..data symlink rather than the file itself.
	return name == w.path || strings.HasPrefix(filepath.Base(name), "..")
}

func (w *Watcher) reload() {
	f, err := ReadFile(w.path)
	if err != nil {
		w.logger.Warn("config_reload_failed", "file", w.path, "error", err.Error())
		return
	}

	if f.LogLevel != "" && w.level != nil {
		if !ValidLogLevel(f.LogLevel) {
			w.logger.Warn("config_reload_failed", "file", w.path, "error", fmt.Sprintf("unknown log level %q", f.LogLevel))
		} else if next := observability.ParseLogLevel(f.LogLevel); next != w.level.Level() {
			w.level.Set(next)
			w.logger.Info("log_level_changed", "level", next.String())
		}
	}

	if w.onChange != nil {
		w.onChange(f)
	}
}
