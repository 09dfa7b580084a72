// Package appconfig provides the small pieces of configuration plumbing
// shared by every cmd binary: the envOrDefault flag-default pattern and a
// zap logger builder keyed off a log-level string.
package appconfig

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

// EnvOrDefault returns the environment variable named key if set and
// non-empty, otherwise defaultVal. Used to seed cobra flag defaults so every
// flag can also be set via environment variable in containerized
// deployments.
func EnvOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// BuildLogger constructs a *zap.Logger configured for the given level
// ("debug", "info", "warn", "error"). Unrecognized levels fall back to info.
func BuildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("appconfig: build logger: %w", err)
	}
	return logger, nil
}
