// Package logger provides opinionated logging capabilities for the coach relay
package logger

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a colored console logger writing to stdout.
func NewLogger(debug bool) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return build(zapcore.NewConsoleEncoder(encoderConfig), os.Stdout, debug)
}

// NewJSONLogger returns a structured JSON logger, for log collectors.
func NewJSONLogger(w io.Writer, debug bool) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return build(zapcore.NewJSONEncoder(encoderConfig), w, debug)
}

// New picks the encoder by name ("console" or "json").
func New(format string, debug bool) *zap.Logger {
	if format == "json" {
		return NewJSONLogger(os.Stdout, debug)
	}
	return NewLogger(debug)
}

func build(enc zapcore.Encoder, w io.Writer, debug bool) *zap.Logger {
	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(w), level)
	return zap.New(core, zap.AddCaller())
}
