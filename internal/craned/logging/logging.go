// Package logging wraps go.uber.org/zap with the agent's five-level CLI
// contract (-D trace|debug|info|warn|error) and gzip-compressed rotated
// log files.
package logging

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var global *Logger

// Config holds logger configuration, mirroring the CLI's -L/-D flags.
type Config struct {
	Level      string // trace, debug, info, warn, error
	Format     string // json, console
	OutputPath string // file path or "stdout"
	ErrorPath  string // error log file path or "stderr"

	// RotateMaxBytes, if non-zero, rotates OutputPath once it exceeds
	// this size; the rotated-out file is gzip-compressed in place.
	RotateMaxBytes int64
}

// Logger wraps a zap logger with context-field extraction and rotation.
type Logger struct {
	zap    *zap.Logger
	trace  bool
	rotate *rotatingWriter
}

// Init initializes the global logger.
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	global = l
	return nil
}

// New creates a standalone logger instance.
func New(cfg Config) (*Logger, error) {
	trace := cfg.Level == "trace"
	level := zapcore.InfoLevel
	zapLevel := cfg.Level
	if trace {
		zapLevel = "debug"
	}
	if err := level.UnmarshalText([]byte(zapLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    "func",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     rfc3339TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	outputPath := cfg.OutputPath
	if outputPath == "" {
		outputPath = "stdout"
	}

	var writeSyncer zapcore.WriteSyncer
	var rw *rotatingWriter
	if outputPath == "stdout" {
		writeSyncer = zapcore.AddSync(os.Stdout)
	} else {
		var err error
		rw, err = newRotatingWriter(outputPath, cfg.RotateMaxBytes)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		writeSyncer = zapcore.AddSync(rw)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)
	zapLogger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))

	return &Logger{zap: zapLogger, trace: trace, rotate: rw}, nil
}

func rfc3339TimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format(time.RFC3339))
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// WithContext extracts trace/request/user fields from ctx.
func (l *Logger) WithContext(ctx context.Context) *zap.Logger {
	return l.zap.With(fieldsFromContext(ctx)...)
}

func fieldsFromContext(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if v := ctx.Value(traceIDKey); v != nil {
		fields = append(fields, zap.String("trace_id", fmt.Sprint(v)))
	}
	if v := ctx.Value(jobIDKey); v != nil {
		fields = append(fields, zap.Any("job_id", v))
	}
	if v := ctx.Value(requestIDKey); v != nil {
		fields = append(fields, zap.String("request_id", fmt.Sprint(v)))
	}
	return fields
}

type ctxKey string

const (
	traceIDKey   ctxKey = "trace_id"
	jobIDKey     ctxKey = "job_id"
	requestIDKey ctxKey = "request_id"
)

// WithJobID returns a context carrying a job id for log correlation.
func WithJobID(ctx context.Context, jobID uint32) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// Trace logs a trace-level message (mapped onto zap.DebugLevel with an
// extra field, since zap has no native trace level).
func Trace(ctx context.Context, msg string, fields ...zap.Field) {
	if global == nil {
		return
	}
	if !global.trace {
		return
	}
	global.WithContext(ctx).Debug(msg, append(fields, zap.Bool("trace", true))...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	if global == nil {
		return
	}
	global.WithContext(ctx).Debug(msg, fields...)
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	if global == nil {
		return
	}
	global.WithContext(ctx).Info(msg, fields...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	if global == nil {
		return
	}
	global.WithContext(ctx).Warn(msg, fields...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	if global == nil {
		return
	}
	global.WithContext(ctx).Error(msg, fields...)
}

func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	if global == nil {
		os.Exit(1)
	}
	global.WithContext(ctx).Fatal(msg, fields...)
}

// Sync flushes the global logger.
func Sync() error {
	if global == nil {
		return nil
	}
	return global.Sync()
}

// L returns the global logger's raw zap.Logger, or a no-op logger if unset.
func L() *zap.Logger {
	if global == nil {
		return zap.NewNop()
	}
	return global.zap
}
