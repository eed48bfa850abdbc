package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch calls fn with the re-decoded config whenever the config file
// changes. Invalid edits are logged and skipped. Load must have found a
// file first; otherwise Watch reports false and does nothing.
func (l *Loader) Watch(fn func(*Config), logger *slog.Logger) bool {
	if l.v.ConfigFileUsed() == "" {
		return false
	}
	if logger == nil {
		logger = slog.Default()
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			logger.Warn("ignoring config change", "file", e.Name, "err", err)
			return
		}
		logger.Info("config reloaded", "file", e.Name)
		fn(cfg)
	})
	l.v.WatchConfig()
	return true
}

// Switch is anything holding a runtime on/off state.
type Switch interface {
	Set(on bool) bool
}

// FollowVectorIndex returns a Watch callback that mirrors
// vector_index.enabled into s.
func FollowVectorIndex(s Switch, logger *slog.Logger) func(*Config) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(cfg *Config) {
		if s.Set(cfg.VectorIndex.Enabled) {
			logger.Info("vector index toggled", "enabled", cfg.VectorIndex.Enabled)
		}
	}
}
