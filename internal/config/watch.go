package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the file at path whenever it changes and hands every config
// that loads and validates to onChange. Invalid edits are logged and skipped
// so a typo never takes running pipelines down. The directory is watched
// because editors usually replace files by rename.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	if path == "" {
		path = DefaultConfigPath
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(absPath), err)
	}

	go func() {
		defer watcher.Close()
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != absPath {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					pending = time.After(reloadDebounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			case <-pending:
				pending = nil
				cfg, err := Load(absPath)
				if err != nil {
					logger.Error("config reload rejected", "path", absPath, "error", err)
					continue
				}
				logger.Info("config reloaded", "path", absPath, "pipelines", len(cfg.Pipelines))
				onChange(cfg)
			}
		}
	}()
	return nil
}
