package config

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// WatchLogLevel watches the config file and applies logging.level changes to
// the atomic level without a restart. Blocks until ctx ends. Reload problems
// are logged and the previous level kept.
func WatchLogLevel(ctx context.Context, path string, level zap.AtomicLevel, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				logger.Warn("config reload failed", zap.String("path", path), zap.Error(err))
				continue
			}
			next, err := zapcore.ParseLevel(cfg.Logging.Level)
			if err != nil {
				logger.Warn("config reload: bad level", zap.String("level", cfg.Logging.Level))
				continue
			}
			if level.Level() != next {
				level.SetLevel(next)
				logger.Info("log level changed", zap.String("level", next.String()))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", zap.Error(err))
		}
	}
}
