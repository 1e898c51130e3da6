// Package config — reload.go
//
// Hot-reload of the config file via fsnotify.
//
// Only non-destructive keys are applied live; the watcher hands a validated
// *Config to the registered callbacks and each subsystem picks out the keys
// it supports reloading. Destructive keys (db_path, device_id, broker_url)
// take effect on the next restart.
//
// Editors commonly replace config files by rename, which removes the watch
// on some platforms. The watcher therefore watches the file's directory and
// filters events by path, and debounces bursts (one reload per 250ms window).

package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadFunc receives each successfully validated new configuration.
type ReloadFunc func(*Config)

// Reloader watches a config file and invokes callbacks on valid changes.
type Reloader struct {
	path      string
	log       *zap.Logger
	callbacks []ReloadFunc
}

// NewReloader creates a Reloader for the given config path.
func NewReloader(path string, log *zap.Logger) *Reloader {
	return &Reloader{path: path, log: log}
}

// OnReload registers a callback. Not safe to call after Watch has started.
func (r *Reloader) OnReload(fn ReloadFunc) {
	r.callbacks = append(r.callbacks, fn)
}

// Watch blocks until ctx is cancelled, reloading the config on file changes.
// An invalid new config is logged and ignored; the old config stays active.
func (r *Reloader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: rename-replace keeps working.
	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var debounce *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("config watcher error", zap.Error(err))
		case <-fire:
			cfg, err := Load(r.path)
			if err != nil {
				r.log.Error("config hot-reload failed, retaining old config",
					zap.String("path", r.path), zap.Error(err))
				continue
			}
			r.log.Info("config hot-reload applied", zap.String("path", r.path))
			for _, fn := range r.callbacks {
				fn(cfg)
			}
		}
	}
}
