// Package logging provides structured logging built on zap with an
// OpenTelemetry log bridge.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors zap's levels, kept as its own type so config doesn't need
// to import zap directly.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "INFO"
	}
}

// ParseLevel parses a log level string.
func ParseLevel(level string) (Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DebugLevel, nil
	case "INFO":
		return InfoLevel, nil
	case "WARN":
		return WarnLevel, nil
	case "ERROR":
		return ErrorLevel, nil
	case "FATAL":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// Logger implements core.Logger using zap.Logger, bridged to OpenTelemetry.
type Logger struct {
	logger *zap.Logger
}

// New creates a Logger at the given level string ("DEBUG"|"INFO"|"WARN"|"ERROR"|"FATAL").
func New(levelStr string) (*Logger, error) {
	var zapLevel zapcore.Level
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		zapLevel = zap.DebugLevel
	case "WARN":
		zapLevel = zap.WarnLevel
	case "ERROR":
		zapLevel = zap.ErrorLevel
	case "FATAL":
		zapLevel = zap.FatalLevel
	default:
		zapLevel = zap.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		zapLevel,
	)

	otelCore := otelzap.NewCore("crypto-ai-bot-sub002", otelzap.WithLoggerProvider(global.GetLoggerProvider()))
	combined := zapcore.NewTee(consoleCore, otelCore)

	zl := zap.New(combined, zap.AddCaller(), zap.AddCallerSkip(1))
	return &Logger{logger: zl}, nil
}

func (l *Logger) fields(kv []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		if i+1 < len(kv) {
			key, ok := kv[i].(string)
			if !ok {
				key = fmt.Sprintf("%v", kv[i])
			}
			out = append(out, zap.Any(key, kv[i+1]))
		}
	}
	return out
}

func (l *Logger) Debug(msg string, f ...interface{}) { l.logger.Debug(msg, l.fields(f)...) }
func (l *Logger) Info(msg string, f ...interface{})  { l.logger.Info(msg, l.fields(f)...) }
func (l *Logger) Warn(msg string, f ...interface{})  { l.logger.Warn(msg, l.fields(f)...) }
func (l *Logger) Error(msg string, f ...interface{}) { l.logger.Error(msg, l.fields(f)...) }
func (l *Logger) Fatal(msg string, f ...interface{}) { l.logger.Fatal(msg, l.fields(f)...) }

func (l *Logger) WithField(key string, value interface{}) core.Logger {
	return &Logger{logger: l.logger.With(zap.Any(key, value))}
}

func (l *Logger) WithFields(fields map[string]interface{}) core.Logger {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	return &Logger{logger: l.logger.With(zf...)}
}

// Sync flushes buffered entries; call before process exit.
func (l *Logger) Sync() error { return l.logger.Sync() }

var _ core.Logger = (*Logger)(nil)

var global_ core.Logger

func init() {
	l, _ := New("INFO")
	global_ = l
}

// SetGlobal sets the process-wide default logger.
func SetGlobal(l core.Logger) { global_ = l }

// Global returns the process-wide default logger.
func Global() core.Logger { return global_ }
