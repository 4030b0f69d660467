package config

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// Watch monitors path and calls onChange with the reloaded Config after each
// write. A reload that fails validation is logged and the previous config
// stays active. Watch returns when ctx is cancelled.
func Watch(ctx context.Context, logger *log.Logger, path string, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}
	logger.Debug("watching config", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Editors often save via rename, which shows up as Create.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				logger.Warn("config reload failed; keeping previous config", "path", path, "error", err)
				continue
			}
			logger.Info("config reloaded", "path", path)
			onChange(cfg)
			_ = watcher.Add(path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}
