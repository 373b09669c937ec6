// Package monitor is the logging sink used by the engine. It keeps the
// Logger method set used across goliatone packages so any go-logger
// instance can be plugged in directly.
package monitor

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Monitor receives engine diagnostics. Severe conditions are reported
// through Error, warnings through Warn.
type Monitor interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Fatal(msg string, args ...any)
	WithContext(ctx context.Context) Monitor
}

// FieldsMonitor extends Monitor with structured fields.
type FieldsMonitor interface {
	WithFields(map[string]any) Monitor
}

// Level orders log severities.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = map[Level]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
	LevelFatal: "FATAL",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel maps a level name to a Level, defaulting to info.
func ParseLevel(name string) Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error", "severe":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// FmtMonitor writes plain text lines. It is the fallback when no monitor is
// configured.
type FmtMonitor struct {
	mu     *sync.Mutex
	out    io.Writer
	ctx    context.Context
	level  Level
	fields map[string]any
	now    func() time.Time
}

// NewFmt writes to stdout when out is nil. The minimum level is debug.
func NewFmt(out io.Writer) *FmtMonitor {
	if out == nil {
		out = os.Stdout
	}
	return &FmtMonitor{
		mu:    &sync.Mutex{},
		out:   out,
		ctx:   context.Background(),
		level: LevelDebug,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithLevel returns a copy that drops lines below level.
func (m *FmtMonitor) WithLevel(level Level) *FmtMonitor {
	cp := *m
	cp.level = level
	return &cp
}

func (m *FmtMonitor) Trace(msg string, args ...any) { m.log(LevelTrace, msg, args...) }
func (m *FmtMonitor) Debug(msg string, args ...any) { m.log(LevelDebug, msg, args...) }
func (m *FmtMonitor) Info(msg string, args ...any)  { m.log(LevelInfo, msg, args...) }
func (m *FmtMonitor) Warn(msg string, args ...any)  { m.log(LevelWarn, msg, args...) }
func (m *FmtMonitor) Error(msg string, args ...any) { m.log(LevelError, msg, args...) }
func (m *FmtMonitor) Fatal(msg string, args ...any) { m.log(LevelFatal, msg, args...) }

func (m *FmtMonitor) WithContext(ctx context.Context) Monitor {
	if m == nil {
		return NewFmt(nil)
	}
	cp := *m
	if ctx == nil {
		ctx = context.Background()
	}
	cp.ctx = ctx
	return &cp
}

// WithFields adds fields on a shallow copy.
func (m *FmtMonitor) WithFields(fields map[string]any) Monitor {
	if m == nil {
		return NewFmt(nil).WithFields(fields)
	}
	cp := *m
	cp.fields = mergeFields(m.fields, fields)
	return &cp
}

func (m *FmtMonitor) log(level Level, msg string, args ...any) {
	if m == nil {
		m = NewFmt(nil)
	}
	if level < m.level {
		return
	}
	msg = format(msg, args...)
	line := fmt.Sprintf("%s %-5s %s", m.now().Format(time.RFC3339Nano), level, strings.TrimSpace(msg))
	if fields := formatFields(m.fields); fields != "" {
		line += " " + fields
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprintln(m.out, line)
}

type discard struct{}

// Discard drops everything.
func Discard() Monitor { return discard{} }

func (discard) Trace(string, ...any)                  {}
func (discard) Debug(string, ...any)                  {}
func (discard) Info(string, ...any)                   {}
func (discard) Warn(string, ...any)                   {}
func (discard) Error(string, ...any)                  {}
func (discard) Fatal(string, ...any)                  {}
func (d discard) WithContext(context.Context) Monitor { return d }
func (d discard) WithFields(map[string]any) Monitor   { return d }

// Normalize returns m, or a stdout FmtMonitor when m is nil.
func Normalize(m Monitor) Monitor {
	if m == nil {
		return NewFmt(nil)
	}
	return m
}

// WithFields attaches fields when m supports them.
func WithFields(m Monitor, fields map[string]any) Monitor {
	m = Normalize(m)
	if fm, ok := m.(FieldsMonitor); ok && len(fields) > 0 {
		return fm.WithFields(fields)
	}
	return m
}

func format(msg string, args ...any) string {
	if len(args) > 0 {
		return fmt.Sprintf(msg, args...)
	}
	return msg
}

func mergeFields(a, b map[string]any) map[string]any {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, " ")
}
