// Package logging provides the structured logger used across the conductor.
package logging

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls how the process-wide logger is constructed.
type Config struct {
	Level      string
	Format     string // "json" or "console"/"text"
	OutputPath string // "stdout", "stderr", or a file path
}

// Logger wraps a zap logger with conductor-specific field builders.
type Logger struct {
	zap *zap.Logger
}

var (
	defaultLogger *Logger
	defaultOnce   sync.Once
)

// Default returns the process-wide logger, initializing a sane fallback on
// first use if SetDefault was never called.
func Default() *Logger {
	defaultOnce.Do(func() {
		if defaultLogger == nil {
			l, _ := New(Config{Level: "info", Format: detectFormat(), OutputPath: "stdout"})
			defaultLogger = l
		}
	})
	return defaultLogger
}

// SetDefault installs l as the process-wide logger.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// New builds a Logger from cfg.
func New(cfg Config) (*Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		_ = level.Set(strings.ToLower(cfg.Level))
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch normalizeFormat(cfg.Format) {
	case "console":
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	default:
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	writer, err := openOutput(cfg.OutputPath)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder, writer, level)
	zl := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return &Logger{zap: zl}, nil
}

func normalizeFormat(format string) string {
	switch strings.ToLower(format) {
	case "console", "text":
		return "console"
	default:
		return "json"
	}
}

func detectFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" || os.Getenv("BANTEROP_ENV") == "production" {
		return "json"
	}
	return "console"
}

func openOutput(path string) (zapcore.WriteSyncer, error) {
	switch path {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	default:
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		return zapcore.Lock(f), nil
	}
}

// WithFields returns a derived logger with the given zap fields attached.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...)}
}

// WithComponent tags the logger with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return l.WithFields(zap.String("component", name))
}

// WithConversation tags the logger with a conversation id.
func (l *Logger) WithConversation(id int64) *Logger {
	return l.WithFields(zap.Int64("conversation_id", id))
}

// WithAgent tags the logger with an agent id.
func (l *Logger) WithAgent(id string) *Logger {
	return l.WithFields(zap.String("agent_id", id))
}

// WithTurn tags the logger with a turn number.
func (l *Logger) WithTurn(turn int) *Logger {
	return l.WithFields(zap.Int("turn", turn))
}

// WithError tags the logger with an error field.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields(zap.Error(err))
}

// WithContext is a no-op extension point kept for symmetry with callers
// that thread a context through logging calls (e.g. for trace ids).
func (l *Logger) WithContext(_ context.Context) *Logger {
	return l
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.zap.Fatal(msg, fields...) }

// Zap exposes the underlying zap logger for callers that need it directly.
func (l *Logger) Zap() *zap.Logger { return l.zap }

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.zap.Sync() }
