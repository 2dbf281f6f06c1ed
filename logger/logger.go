// Package logger builds the process-wide zap logger.
package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config contains configuration for the logger
type Config struct {
	Debug  bool   // Enable debug level logging
	Format string // "json" or "console"
	File   string // Path to log file (optional)
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{Format: "console"}
}

// New builds a logger writing to stderr and, if set, to cfg.File.
func New(cfg Config) (*zap.Logger, error) {
	var zapConfig zap.Config
	switch cfg.Format {
	case "json":
		zapConfig = zap.NewProductionConfig()
	case "console", "":
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	outputs := []string{"stderr"}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		outputs = append(outputs, cfg.File)
	}
	zapConfig.OutputPaths = outputs
	zapConfig.ErrorOutputPaths = []string{"stderr"}

	if cfg.Debug {
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
