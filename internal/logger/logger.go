package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey struct{}

var key = &contextKey{}

// Init replaces the global logger by one built from the provided
// configuration.
func Init(config zap.Config, opts ...zap.Option) error {
	log, err := config.Build(append(opts, zap.AddCallerSkip(2))...)
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(log)
	return nil
}

// Logger returns the logger attached to a context, falling back to the
// global logger.
func Logger(ctx context.Context) *zap.Logger {
	if log, ok := ctx.Value(key).(*zap.Logger); ok {
		return log
	}
	return zap.L()
}

func Sync() error {
	return zap.L().Sync()
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	write(ctx, zapcore.DebugLevel, msg, fields...)
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	write(ctx, zapcore.InfoLevel, msg, fields...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	write(ctx, zapcore.WarnLevel, msg, fields...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	write(ctx, zapcore.ErrorLevel, msg, fields...)
}

// With returns a context whose logger has additional fields attached.
// If the context carries a recording span, its trace ID is attached
// as well.
func With(ctx context.Context, fields ...zap.Field) context.Context {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		fields = append(fields, zap.String("trace.trace_id", span.SpanContext().TraceID().String()))
	}
	return context.WithValue(ctx, key, Logger(ctx).With(fields...))
}

// write is a helper function that writes the log entry.
//
// The logger is configured to skip two stack frames, meaning this
// function may only be called by the exported functions above.
func write(ctx context.Context, level zapcore.Level, msg string, fields ...zap.Field) {
	Logger(ctx).Check(level, msg).Write(fields...)
}
