package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-merges a TOML config file into the global viper instance
// whenever it changes on disk, so operators can hot-reload non-disruptive
// settings (chunk size, ef_search, skip mimes) without a restart. Settings
// that aren't safe to change at runtime (data-dir, wal-dir) are still read
// once at startup by whatever component consumes them; this just updates
// the values visible to future Get* calls.
type Watcher struct {
	fsw    *fsnotify.Watcher
	path   string
	logger *slog.Logger
	done   chan struct{}
}

// NewWatcher starts watching configPath for writes and creates, reapplying
// it to the global config on every change. Call Close to stop.
func NewWatcher(configPath string, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(configPath); err != nil {
		fsw.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{fsw: fsw, path: configPath, logger: logger, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := mergeTOMLFile(w.path); err != nil {
				w.logger.Error("config hot-reload failed", "path", w.path, "error", err)
				continue
			}
			w.logger.Info("config hot-reloaded", "path", w.path)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the underlying fsnotify
// handle.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
