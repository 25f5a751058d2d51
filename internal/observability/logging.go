// Package observability wires structured logging and Prometheus metrics
// through the orchestrator's component boundaries.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a *zap.Logger at the given level ("debug", "info", "warn",
// "error"), using production JSON encoding. Every component receives this
// logger explicitly through its constructor; nothing in this module reaches
// for a package-level global logger.
func NewLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("observability: invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
