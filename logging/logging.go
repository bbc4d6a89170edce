// Package logging wraps zap with the printf-style call surface the rest
// of this module uses (Tracef/Debugf/Infof/Warnf/Errorf), the same shape
// as the teacher's secondary/logging package, so call sites read
// identically regardless of backend.
package logging

import (
	"strings"

	"go.uber.org/zap"
)

var global = mustBuild()

func mustBuild() *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = "ts"
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// zap's production config does not fail to build in practice;
		// fall back to a no-op logger rather than panicking on a
		// logging-path error.
		l = zap.NewNop()
	}
	return l.Sugar()
}

// SetLevel adjusts the global logger's minimum level at runtime. Accepts
// "trace"/"debug"/"info"/"warn"/"error"/"fatal" (case-insensitive);
// unrecognized levels are treated as "info". "trace" maps onto zap's
// Debug level since zap has no finer level.
func SetLevel(level string) {
	var zl zap.AtomicLevel
	switch strings.ToLower(level) {
	case "debug", "trace":
		zl = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zl = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zl = zap.NewAtomicLevelAt(zap.ErrorLevel)
	case "fatal", "silent":
		zl = zap.NewAtomicLevelAt(zap.FatalLevel)
	default:
		zl = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zl
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = "ts"
	if l, err := cfg.Build(zap.AddCallerSkip(1)); err == nil {
		global = l.Sugar()
	}
}

func Tracef(fmt string, args ...interface{}) { global.Debugf(fmt, args...) }
func Debugf(fmt string, args ...interface{}) { global.Debugf(fmt, args...) }
func Infof(fmt string, args ...interface{})  { global.Infof(fmt, args...) }
func Warnf(fmt string, args ...interface{})  { global.Warnf(fmt, args...) }
func Errorf(fmt string, args ...interface{}) { global.Errorf(fmt, args...) }

// Sync flushes any buffered log entries; call before process exit.
func Sync() {
	_ = global.Sync()
}
