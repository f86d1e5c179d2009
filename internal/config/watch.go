package config

import (
	"github.com/fsnotify/fsnotify"

	"github.com/protei/telemetry-ingest/internal/logger"
)

// Watcher hot-reloads the narrow slice of fields that are safe to change
// without restarting a live listener: log level, timeouts, coalesce
// interval, and the drop-queue size. Listen addresses and store credentials
// require a restart and are intentionally not applied by ApplyReloadable.
type Watcher struct {
	path   string
	fsw    *fsnotify.Watcher
	log    *logger.Logger
	onLoad func(*Config)
}

// NewWatcher starts watching path for writes and invokes onLoad with the
// freshly parsed config on each change. Parse errors are logged and
// otherwise ignored: a bad edit must not crash a running ingestion core.
func NewWatcher(path string, onLoad func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{path: path, fsw: fsw, log: logger.Get().WithComponent("config-watch"), onLoad: onLoad}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.log.Warn("config reload failed, keeping previous settings", "error", err.Error())
				continue
			}
			if err := cfg.Validate(); err != nil {
				w.log.Warn("reloaded config failed validation, ignoring", "error", err.Error())
				continue
			}
			w.log.Info("configuration reloaded")
			w.onLoad(cfg)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", "error", err.Error())
		}
	}
}

// ApplyReloadable copies the fields that are safe to hot-swap from src
// into a live TimeoutConfig/coalesce/drop-queue holder.
func ApplyReloadable(dst *Config, src *Config) {
	dst.Timeouts = src.Timeouts
	dst.CoalesceSeconds = src.CoalesceSeconds
	dst.DropQueueSize = src.DropQueueSize
	dst.Logging.Level = src.Logging.Level
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}
