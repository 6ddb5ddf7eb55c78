package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/olivergale/metis-portal2-sub002/pkg/telemetry"
)

// DefaultReloadDelay debounces bursts of file events.
const DefaultReloadDelay = 500 * time.Millisecond

// Watcher reloads the configuration file when it changes.
type Watcher struct {
	path     string
	onChange func(*Config) error
	logger   *telemetry.Logger
	delay    time.Duration
}

// NewWatcher creates a watcher for path. onChange receives each
// successfully parsed configuration; invalid edits are logged and skipped.
func NewWatcher(path string, onChange func(*Config) error, logger *telemetry.Logger) *Watcher {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger.NewComponentLogger("config"),
		delay:    DefaultReloadDelay,
	}
}

// Run watches until ctx is cancelled. The parent directory is watched so
// that editors replacing the file by rename are noticed.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fsw.Close()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", w.path, err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	w.logger.WithField("path", abs).Info("Watching config file")

	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.delay)
			reload = timer.C

		case <-reload:
			reload = nil
			w.reload(abs)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Error("Config watcher error")
		}
	}
}

func (w *Watcher) reload(path string) {
	cfg, err := Load(path)
	if err != nil {
		w.logger.WithError(err).Error("Ignoring invalid config change")
		return
	}
	if err := w.onChange(cfg); err != nil {
		w.logger.WithError(err).Error("Failed to apply config change")
		return
	}
	w.logger.Info("Config reloaded")
}
