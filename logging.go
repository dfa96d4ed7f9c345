package atomix

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a *zap.SugaredLogger at the given level name, the way
// sumimakito/raft's serverLogger helper is built from NewServer's
// ServerOptions.logLevel. "debug" gets a development encoder with caller
// info; anything else gets a production encoder. Every long-lived
// component in this package takes a *zap.SugaredLogger rather than
// building its own, so callers normally construct exactly one of these
// per process and pass it down.
func NewLogger(level string) *zap.SugaredLogger {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger.Sugar()
}
