// Package logging builds the zap logger shared by the engine, server and CLI.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig controls the rotating log file.
type FileConfig struct {
	Path       string `yaml:"path" json:"path"`
	Filename   string `yaml:"filename" json:"filename"`
	MaxSize    int    `yaml:"max_size" json:"maxSize"` // MB
	MaxAge     int    `yaml:"max_age" json:"maxAge"`   // days
	MaxBackups int    `yaml:"max_backups" json:"maxBackups"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// Config selects level, encoding and destinations.
type Config struct {
	Level  string     `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string     `yaml:"format" json:"format"` // console or json
	Output string     `yaml:"output" json:"output"` // stdout, stderr, file or both
	File   FileConfig `yaml:"file" json:"file"`
}

// DefaultConfig logs info and above to stdout.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "console",
		Output: "stdout",
		File: FileConfig{
			Path:       "logs",
			Filename:   "leogeo.log",
			MaxSize:    10,
			MaxAge:     30,
			MaxBackups: 5,
		},
	}
}

// ParseLevel maps a level name onto zap's levels. Unknown names mean info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Option adjusts how New builds the logger.
type Option func(*options)

type options struct {
	console zapcore.WriteSyncer
}

// WithConsole replaces the console sink used by the stdout, stderr and both
// outputs. The CLI points it at stderr when stdout carries data.
func WithConsole(ws zapcore.WriteSyncer) Option {
	return func(o *options) { o.console = ws }
}

// New builds a logger from cfg. The returned level can be changed at runtime.
func New(cfg Config, opts ...Option) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevelAt(ParseLevel(cfg.Level))

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var cores []zapcore.Core
	switch cfg.Output {
	case "", "stdout", "both":
		console := o.console
		if console == nil {
			console = zapcore.AddSync(os.Stdout)
		}
		cores = append(cores, zapcore.NewCore(encoder, console, level))
	case "stderr":
		console := o.console
		if console == nil {
			console = zapcore.Lock(os.Stderr)
		}
		cores = append(cores, zapcore.NewCore(encoder, console, level))
	case "file":
	default:
		return nil, level, fmt.Errorf("logging: unknown output %q", cfg.Output)
	}
	if cfg.Output == "file" || cfg.Output == "both" {
		if err := os.MkdirAll(cfg.File.Path, 0755); err != nil {
			return nil, level, fmt.Errorf("logging: mkdir %s: %w", cfg.File.Path, err)
		}
		filename := cfg.File.Filename
		if filename == "" {
			filename = "leogeo.log"
		}
		w := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.File.Path, filename),
			MaxSize:    cfg.File.MaxSize,
			MaxAge:     cfg.File.MaxAge,
			MaxBackups: cfg.File.MaxBackups,
			Compress:   cfg.File.Compress,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(w), level))
	}

	log := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return log, level, nil
}
