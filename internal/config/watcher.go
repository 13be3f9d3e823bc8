package config

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/asheshgoplani/termlink/internal/logging"
)

var watchLog = logging.ForComponent(logging.CompConfig)

// Watcher reloads the config file on change and applies live-adjustable
// settings (currently the log level). Reloaded configs are delivered on a
// channel; connection settings only apply to sessions started afterwards.
type Watcher struct {
	path      string
	watcher   *fsnotify.Watcher
	reloadCh  chan *Config
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewWatcher watches the directory containing path for config changes.
// Watching the directory, not the file, survives editors that replace the
// file on save.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{
		path:     path,
		watcher:  fw,
		reloadCh: make(chan *Config, 1),
		closeCh:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// ReloadChannel delivers freshly parsed configs.
func (w *Watcher) ReloadChannel() <-chan *Config {
	return w.reloadCh
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.closeCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			watchLog.Warn("config_watch_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFrom(w.path)
	if err != nil {
		watchLog.Warn("config_reload_failed", slog.String("error", err.Error()))
		return
	}
	logging.SetLevel(cfg.Logs.Level)
	watchLog.Info("config_reloaded", slog.String("level", cfg.Logs.Level))

	select {
	case w.reloadCh <- cfg:
	default:
		// Drop when the consumer is behind; the next change re-delivers.
	}
}

// Close stops the watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.closeCh)
		w.watcher.Close()
	})
	return nil
}
