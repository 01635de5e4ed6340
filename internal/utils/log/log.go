package log

import (
	"go.uber.org/zap"
)

var logger = zap.Must(zap.NewProduction())

// ReplaceLogger swaps the package logger, returning a restore func.
func ReplaceLogger(l *zap.Logger) func() {
	prev := logger
	logger = l
	return func() { logger = prev }
}

func Debug(msg string, fields ...zap.Field) {
	logger.Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	logger.Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	logger.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	logger.Error(msg, fields...)
}
