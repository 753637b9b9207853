// Package mlog builds the zap loggers used across the server.
package mlog

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogConfig struct {
	// Level, See also zapcore.ParseLevel.
	Level string `yaml:"level"`

	// File that logger will be writen into.
	// Default is stderr.
	File string `yaml:"file"`

	// Production enables json output.
	Production bool `yaml:"production"`
}

var (
	stderr = zapcore.Lock(os.Stderr)
	lvl    = zap.NewAtomicLevelAt(zap.InfoLevel)
	l      = zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), stderr, lvl))
)

// NewLogger builds a logger from lc. The returned close func flushes the
// logger and closes the log file, if any. It is never nil.
func NewLogger(lc *LogConfig) (*zap.Logger, func(), error) {
	lvl, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %w", err)
	}

	out := zapcore.WriteSyncer(stderr)
	closeOut := func() {}
	if lf := lc.File; len(lf) > 0 {
		f, closeFile, err := zap.Open(lf)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out, closeOut = zapcore.Lock(f), closeFile
	}

	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	if lc.Production {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}
	lg := zap.New(zapcore.NewCore(enc, out, lvl))
	return lg, func() {
		_ = lg.Sync()
		closeOut()
	}, nil
}

// L is a global logger.
func L() *zap.Logger {
	return l
}

// SetLevel sets the log level for the global logger.
func SetLevel(l zapcore.Level) {
	lvl.SetLevel(l)
}
