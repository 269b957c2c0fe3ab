package log

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var global Logger = newZapLogger(false, zapcore.InfoLevel, nil) // prod/info until Configure runs

// SetLogger replaces the global logger instance.
func SetLogger(l Logger) {
	global = l
}

// GetLogger returns the current global logger instance.
func GetLogger() Logger {
	return global
}

// Logger is the logging interface shared by every hostgate component.
// Fields are attached as structured key/value pairs.
type Logger interface {
	Info(fields map[string]any, msg string)
	Error(fields map[string]any, msg string)
	Debug(fields map[string]any, msg string)
	Warn(fields map[string]any, msg string)
	Panic(fields map[string]any, msg string)
	Fatal(fields map[string]any, msg string)

	// With returns a child logger that adds fields to every entry.
	With(fields map[string]any) Logger
}

// Configure sets up the global logger based on env and level.
// Any env other than "prod" selects the colored development encoder.
func Configure(env, level string) error {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	global = newZapLogger(env != "prod", lvl, nil)
	return nil
}

// Info logs at info level using the global logger.
func Info(fields map[string]any, msg string) {
	global.Info(fields, msg)
}

// Warn logs at warn level using the global logger.
func Warn(fields map[string]any, msg string) {
	global.Warn(fields, msg)
}

// Error logs at error level using the global logger.
func Error(fields map[string]any, msg string) {
	global.Error(fields, msg)
}

// Debug logs at debug level using the global logger.
func Debug(fields map[string]any, msg string) {
	global.Debug(fields, msg)
}

// Fatal logs at fatal level using the global logger, then exits.
func Fatal(fields map[string]any, msg string) {
	global.Fatal(fields, msg)
}

type zapLogger struct {
	base *zap.Logger
}

func newZapLogger(dev bool, level zapcore.Level, base []zap.Field) Logger {
	var config zap.Config
	if dev {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}
	config.Level = zap.NewAtomicLevelAt(level)
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.MessageKey = "msg"
	config.EncoderConfig.LevelKey = "level"

	logger, err := config.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return &zapLogger{base: logger.With(base...)}
}

func (l *zapLogger) Info(fields map[string]any, msg string) {
	l.base.Info(msg, zapFields(fields)...)
}

func (l *zapLogger) Error(fields map[string]any, msg string) {
	l.base.Error(msg, zapFields(fields)...)
}

func (l *zapLogger) Debug(fields map[string]any, msg string) {
	l.base.Debug(msg, zapFields(fields)...)
}

func (l *zapLogger) Warn(fields map[string]any, msg string) {
	l.base.Warn(msg, zapFields(fields)...)
}

func (l *zapLogger) Panic(fields map[string]any, msg string) {
	l.base.Panic(msg, zapFields(fields)...)
}

func (l *zapLogger) Fatal(fields map[string]any, msg string) {
	l.base.Fatal(msg, zapFields(fields)...)
}

func (l *zapLogger) With(fields map[string]any) Logger {
	return &zapLogger{base: l.base.With(zapFields(fields)...)}
}

// zapFields converts a field map into zap fields ordered by key so
// entries render the same way on every run.
func zapFields(m map[string]any) []zap.Field {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]zap.Field, 0, len(m))
	for _, k := range keys {
		fields = append(fields, zap.Any(k, m[k]))
	}
	return fields
}

type noopLogger struct{}

func (n *noopLogger) Info(map[string]any, string)  {}
func (n *noopLogger) Error(map[string]any, string) {}
func (n *noopLogger) Debug(map[string]any, string) {}
func (n *noopLogger) Warn(map[string]any, string)  {}
func (n *noopLogger) Panic(map[string]any, string) {}
func (n *noopLogger) Fatal(map[string]any, string) {}

func (n *noopLogger) With(map[string]any) Logger { return n }

// NewNoopLogger returns a Logger that discards everything.
func NewNoopLogger() Logger {
	return &noopLogger{}
}
