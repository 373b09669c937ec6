package monitor

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

type slogMonitor struct {
	logger *slog.Logger
	ctx    context.Context
}

// FromSlog adapts a slog logger. Fatal is logged at error level with a
// fatal attribute; it never exits the process.
func FromSlog(logger *slog.Logger) Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return slogMonitor{logger: logger, ctx: context.Background()}
}

// NewConsole builds a colored console monitor using tint.
func NewConsole(w io.Writer, level Level) Monitor {
	handler := tint.NewHandler(w, &tint.Options{
		Level:      slogLevel(level),
		TimeFormat: time.RFC3339,
	})
	return FromSlog(slog.New(handler))
}

func (m slogMonitor) Trace(msg string, args ...any) {
	m.logger.Log(m.ctx, slogLevel(LevelTrace), format(msg, args...))
}
func (m slogMonitor) Debug(msg string, args ...any) {
	m.logger.DebugContext(m.ctx, format(msg, args...))
}
func (m slogMonitor) Info(msg string, args ...any) {
	m.logger.InfoContext(m.ctx, format(msg, args...))
}
func (m slogMonitor) Warn(msg string, args ...any) {
	m.logger.WarnContext(m.ctx, format(msg, args...))
}
func (m slogMonitor) Error(msg string, args ...any) {
	m.logger.ErrorContext(m.ctx, format(msg, args...))
}
func (m slogMonitor) Fatal(msg string, args ...any) {
	m.logger.ErrorContext(m.ctx, format(msg, args...), slog.Bool("fatal", true))
}

func (m slogMonitor) WithContext(ctx context.Context) Monitor {
	if ctx == nil {
		ctx = context.Background()
	}
	return slogMonitor{logger: m.logger, ctx: ctx}
}

func (m slogMonitor) WithFields(fields map[string]any) Monitor {
	attrs := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	return slogMonitor{logger: m.logger.With(attrs...), ctx: m.ctx}
}

func slogLevel(level Level) slog.Level {
	switch level {
	case LevelTrace:
		return slog.LevelDebug - 4
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError, LevelFatal:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
