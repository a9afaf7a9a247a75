package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/prosearch/internal/config"
)

// Setup loads configuration from configPath (or the default locations),
// builds the logger and wires the app. The loader is returned so callers can
// watch the file.
func Setup(ctx context.Context, configPath string) (*App, *config.Loader, *zap.Logger, error) {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, nil, err
	}
	if f := loader.ConfigFile(); f != "" {
		logger.Info("Configuration loaded", zap.String("file", f))
	}
	a, err := New(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, nil, err
	}
	return a, loader, logger, nil
}

// Run serves the research API until ctx is done. Effort budgets follow edits
// to the config file.
func Run(ctx context.Context, configPath string) error {
	a, loader, logger, err := Setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	loader.Watch(logger, func(cfg *config.Config) {
		table, err := cfg.EffortTable()
		if err != nil {
			logger.Warn("Ignoring invalid effort budgets", zap.Error(err))
			return
		}
		a.Service.SetBudgets(table)
	})

	logger.Info("Research service starting",
		zap.String("addr", a.cfg.Server.Addr),
		zap.String("admin_addr", a.cfg.Server.AdminAddr),
		zap.Bool("knowledge_base_tunnel", a.cfg.Tunnel.SSHHost != ""))
	return a.Serve(ctx)
}
