package app

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const configReloadDebounce = 250 * time.Millisecond

// WatchConfig reloads the config file whenever it changes and hands the
// result to apply. The directory is watched rather than the file so that
// editors replacing the file are noticed. It returns when ctx is done.
func WatchConfig(ctx context.Context, src ConfigSource, apply func(Config), logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := strings.TrimSpace(src.Path)
	if path == "" || apply == nil {
		return nil
	}
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	logger.Debug("watching config", zap.String("path", path))

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", zap.Error(err))
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(configReloadDebounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(configReloadDebounce)
		case <-timerChan(timer):
			timer = nil
			cfg, err := LoadConfig(ctx, src, logger)
			if err != nil {
				logger.Warn("config reload failed", zap.String("path", path), zap.Error(err))
				continue
			}
			apply(cfg)
		}
	}
}

func timerChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}
