// Package observ builds the process-wide zap logger. The client library
// takes a *zap.Logger from its caller; these constructors are for the
// binaries and for tests.
package observ

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a logger for the given environment. Production gets the
// JSON encoder, everything else the console one. An unparseable level falls
// back to info.
func NewLogger(env, level string) (*zap.Logger, error) {
	var config zap.Config

	if env == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
	}

	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	return config.Build()
}

// NewNop returns a logger that discards everything. Tests pass it wherever a
// component wants a *zap.Logger.
func NewNop() *zap.Logger {
	return zap.NewNop()
}
