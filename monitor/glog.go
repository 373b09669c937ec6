package monitor

import (
	"context"
	"io"

	"github.com/goliatone/go-logger/glog"
)

type glogMonitor struct {
	logger glog.Logger
}

// FromGlog adapts a go-logger instance.
func FromGlog(logger glog.Logger) Monitor {
	if logger == nil {
		return NewFmt(nil)
	}
	return glogMonitor{logger: logger}
}

// NewJSON builds a go-logger JSON logger writing to w at the given level.
func NewJSON(w io.Writer, level string) Monitor {
	if level == "" {
		level = "info"
	}
	return FromGlog(glog.NewLogger(
		glog.WithWriter(w),
		glog.WithLoggerTypeJSON(),
		glog.WithLevel(level),
	))
}

func (m glogMonitor) Trace(msg string, args ...any) { m.logger.Trace(msg, args...) }
func (m glogMonitor) Debug(msg string, args ...any) { m.logger.Debug(msg, args...) }
func (m glogMonitor) Info(msg string, args ...any)  { m.logger.Info(msg, args...) }
func (m glogMonitor) Warn(msg string, args ...any)  { m.logger.Warn(msg, args...) }
func (m glogMonitor) Error(msg string, args ...any) { m.logger.Error(msg, args...) }
func (m glogMonitor) Fatal(msg string, args ...any) { m.logger.Fatal(msg, args...) }

func (m glogMonitor) WithContext(ctx context.Context) Monitor {
	return glogMonitor{logger: m.logger.WithContext(ctx)}
}

func (m glogMonitor) WithFields(fields map[string]any) Monitor {
	if fl, ok := m.logger.(glog.FieldsLogger); ok {
		return glogMonitor{logger: fl.WithFields(fields)}
	}
	return m
}
