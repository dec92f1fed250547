//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package log is the zap backed logger shared by every package.
package log

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Levels accepted by SetLevel.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Formats accepted by SetFormat.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Logger is the printf style interface the module logs through.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

var (
	mu     sync.Mutex
	level                      = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	format                     = FormatConsole
	output zapcore.WriteSyncer = zapcore.AddSync(os.Stdout)

	// Default receives every package level call. Replace it to route logs
	// elsewhere.
	Default Logger = build()
)

var encoderConfig = zapcore.EncoderConfig{
	TimeKey:        "ts",
	LevelKey:       "lvl",
	NameKey:        "name",
	CallerKey:      "caller",
	MessageKey:     "message",
	StacktraceKey:  "stacktrace",
	LineEnding:     zapcore.DefaultLineEnding,
	EncodeTime:     zapcore.RFC3339TimeEncoder,
	EncodeDuration: zapcore.SecondsDurationEncoder,
	EncodeCaller:   zapcore.ShortCallerEncoder,
}

func build() *zap.SugaredLogger {
	cfg := encoderConfig
	var enc zapcore.Encoder
	if format == FormatJSON {
		cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(cfg)
	}
	return zap.New(zapcore.NewCore(enc, output, level),
		zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

// SetLevel changes the minimum level. Unknown names fall back to info.
func SetLevel(name string) {
	l, err := zapcore.ParseLevel(name)
	if err != nil || l > zapcore.ErrorLevel {
		l = zapcore.InfoLevel
	}
	level.SetLevel(l)
}

// SetFormat rebuilds Default with the "console" or "json" encoder.
func SetFormat(f string) {
	mu.Lock()
	defer mu.Unlock()
	format = f
	Default = build()
}

// SetOutput rebuilds Default writing to w.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = zapcore.AddSync(w)
	Default = build()
}

// With returns a logger that adds keysAndValues to every entry. A Default
// that is not zap backed is returned unchanged.
func With(keysAndValues ...any) Logger {
	if z, ok := Default.(*zap.SugaredLogger); ok {
		return z.With(keysAndValues...)
	}
	return Default
}

// Debugf logs at debug level.
func Debugf(format string, args ...any) { Default.Debugf(format, args...) }

// Infof logs at info level.
func Infof(format string, args ...any) { Default.Infof(format, args...) }

// Warnf logs at warn level.
func Warnf(format string, args ...any) { Default.Warnf(format, args...) }

// Errorf logs at error level.
func Errorf(format string, args ...any) { Default.Errorf(format, args...) }
