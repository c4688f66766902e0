// Package logger wraps a process-wide zap logger.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Init builds the global logger. format is "json" or "console".
func Init(level, format string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	zap.ReplaceGlobals(l)
	return nil
}

// L returns the global logger without the wrapper caller skip.
func L() *zap.Logger { return zap.L().WithOptions(zap.AddCallerSkip(-1)) }

func Debug(msg string, fields ...zap.Field) { zap.L().Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { zap.L().Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { zap.L().Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { zap.L().Error(msg, fields...) }

// Sync flushes buffered entries; call before exit.
func Sync() error { return zap.L().Sync() }
