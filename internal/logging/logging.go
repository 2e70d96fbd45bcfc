// Package logging builds the zap loggers used across the relay.
package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects level and outputs.
type Config struct {
	Debug bool
	// File enables JSON output to a rotated file. Empty means console only.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger is a root logger plus the rotating file behind it.
type Logger struct {
	*zap.SugaredLogger
	file *lumberjack.Logger
}

// New builds a logger that writes to the console and, when cfg.File is
// set, to a rotated JSON file.
func New(cfg Config) *Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg Config, console io.Writer) *Logger {
	level := zapcore.InfoLevel
	if cfg.Debug {
		level = zapcore.DebugLevel
	}

	ec := zap.NewDevelopmentEncoderConfig()
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(ec), zapcore.AddSync(console), level),
	}

	var file *lumberjack.Logger
	if cfg.File != "" {
		file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(ec), zapcore.AddSync(file), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.Fields(zap.String("source", "pushrelay")))
	return &Logger{SugaredLogger: logger.Sugar(), file: file}
}

// Component returns a logger tagged with a component name.
func (l *Logger) Component(name string) *zap.SugaredLogger {
	return l.Named(name)
}

// Close flushes buffered entries and closes the log file.
func (l *Logger) Close() error {
	_ = l.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Nop returns a logger that discards everything.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
