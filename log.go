package rpcmux

import "go.uber.org/zap"

// Logger is the structured logging sink the multiplexer writes
// diagnostics to. Satisfied directly by *zap.SugaredLogger, which is
// what NewClient uses when ClientOptions.Logger is nil, wrapped around
// zap.NewNop() so the library stays silent by default (SPEC_FULL.md §2).
type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
}

func discardLogger() Logger {
	return zap.NewNop().Sugar()
}
