// Package logger builds the zap-backed logr.Logger used across hokay.
package logger

import (
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Levels up to and including stdOutMaxLevel go to stdout, the rest to stderr.
const stdOutMaxLevel = zapcore.WarnLevel

// New creates a console logger. The returned function flushes buffered output.
func New(name string, level zapcore.Level) (logr.Logger, func()) {
	return newWithSinks(name, level, zapcore.Lock(os.Stdout), zapcore.Lock(os.Stderr))
}

func newWithSinks(name string, level zapcore.Level, stdout, stderr zapcore.WriteSyncer) (logr.Logger, func()) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encoderConfig)

	atomicLevel := zap.NewAtomicLevelAt(level)
	toStdout := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return atomicLevel.Enabled(l) && l <= stdOutMaxLevel
	})
	toStderr := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return atomicLevel.Enabled(l) && l > stdOutMaxLevel
	})

	zapLogger := zap.New(zapcore.NewTee(
		zapcore.NewCore(encoder, stdout, toStdout),
		zapcore.NewCore(encoder, stderr, toStderr),
	))

	flush := func() {
		_ = zapLogger.Sync() // Best effort
	}
	return zapr.NewLogger(zapLogger).WithName(name), flush
}
