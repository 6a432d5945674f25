package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the production SugaredLogger. Verbose lowers the level to
// debug so per-packet and per-frame diagnostics become visible.
func NewLogger(verbose bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// Nop returns a logger that discards everything, used when a component is
// constructed without one.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
