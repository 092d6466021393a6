// Package logging builds the zap loggers shared by all components.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns the root sugared logger and its sync func. Development
// mode uses the console encoder; production uses JSON.
func New(level string, development bool) (*zap.SugaredLogger, func() error, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Sugar(), logger.Sync, nil
}

// Named returns a child logger tagged with the component name.
func Named(log *zap.SugaredLogger, component string) *zap.SugaredLogger {
	return log.Named(component).With("ns", component)
}
