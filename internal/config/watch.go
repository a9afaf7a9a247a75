package config

import (
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch re-decodes the configuration whenever the file changes and hands the
// result to onChange. Invalid edits are logged and ignored. Only settings read
// per request, such as effort budgets, take effect without a restart.
func (l *Loader) Watch(logger *zap.Logger, onChange func(*Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			logger.Warn("Ignoring invalid configuration change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		logger.Info("Configuration reloaded", zap.String("file", e.Name))
		onChange(cfg)
	})
	l.v.WatchConfig()
}
