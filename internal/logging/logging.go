// Package logging builds the process zap logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kazmanavt/jrpc2/internal/config"
)

// New returns a logger writing to stderr, so stdout stays free for the stdio transport.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}
