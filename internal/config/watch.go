package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/labelrelay/internal/logging"
)

const reloadDebounce = 100 * time.Millisecond

// Watch reloads path whenever it changes and passes the new configuration to
// apply. It watches the parent directory so editors that replace the file by
// rename are seen. A file that fails to parse is logged and skipped. Watch
// blocks until ctx is done.
func Watch(ctx context.Context, path string, current *Config, logger *log.Logger, apply func(*Config)) error {
	logger = logging.Component(logger, "config")
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "err", err)
		case <-fire:
			fire = nil
			next, err := Reload(abs, current, logger)
			if err != nil {
				logger.Error("config reload failed, keeping previous settings", "path", abs, "err", err)
				continue
			}
			current = next
			logger.Info("config reloaded", "path", abs)
			apply(next)
		}
	}
}
