package app

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/prosearch/internal/config"
)

// NewLogger builds the process logger: JSON in production, console output
// in development.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if strings.EqualFold(cfg.Environment, "development") {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("logging level: %w", err)
		}
		zc.Level = level
	}
	return zc.Build()
}
