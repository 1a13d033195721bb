package config

import (
	"context"
	"path/filepath"
	"time"

	"onemcp/pkg/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration when config.yaml changes on disk and
// delivers the result to a callback. Editors typically produce bursts of
// write/rename events for a single save, so events are debounced.
type Watcher struct {
	configPath string
	onReload   func(Config)

	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher for the given configuration directory.
// onReload is invoked with each successfully loaded configuration; load
// failures are logged and the previous configuration stays in effect.
func NewWatcher(configPath string, onReload func(Config)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory rather than the file: editors that write via
	// rename would otherwise detach the watch on the first save.
	if err := fsWatcher.Add(configPath); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	return &Watcher{
		configPath: configPath,
		onReload:   onReload,
		watcher:    fsWatcher,
	}, nil
}

// Start runs the watch loop until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) {
	defer w.watcher.Close()

	const debounce = 250 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != configFileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("ConfigWatcher", "Watch error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.configPath)
	if err != nil {
		logging.Error("ConfigWatcher", err, "Config reload failed, keeping previous configuration")
		return
	}
	logging.Info("ConfigWatcher", "Configuration reloaded")
	w.onReload(cfg)
}
