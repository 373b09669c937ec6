package cron

import (
	"fmt"
	"time"

	"github.com/goliatone/go-statemachine/monitor"
)

// LogLevel controls how much of robfig's own logging is forwarded.
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelDebug
)

// Parser represents a cron expression parser type
type Parser int

const (
	DefaultParser Parser = iota
	StandardParser
	SecondsParser
)

// Option defines the functional option type for Scheduler
type Option func(*Scheduler)

// WithLocation sets the timezone location for the scheduler
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.location = loc
	}
}

// WithMonitor routes scheduler diagnostics to m.
func WithMonitor(m monitor.Monitor) Option {
	return func(s *Scheduler) {
		s.monitor = m
	}
}

// WithLogLevel sets the logging level
func WithLogLevel(level LogLevel) Option {
	return func(s *Scheduler) {
		s.logLevel = level
	}
}

// WithErrorHandler is called with every job error and recovered panic.
func WithErrorHandler(handler func(error)) Option {
	return func(s *Scheduler) {
		s.errorHandler = handler
	}
}

// WithParser sets the type of cron expression parser to use
func WithParser(p Parser) Option {
	return func(s *Scheduler) {
		s.parser = p
	}
}

// WithJobTimeout bounds each job run.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		s.jobTimeout = d
	}
}

// monitorAdapter adapts a Monitor to robfig/cron's logger
type monitorAdapter struct {
	monitor monitor.Monitor
	level   LogLevel
}

func (l *monitorAdapter) Info(msg string, args ...any) {
	if l.level >= LogLevelInfo {
		l.monitor.Debug(fmt.Sprintf("cron: %s %v", msg, args))
	}
}

func (l *monitorAdapter) Error(err error, msg string, args ...any) {
	if l.level >= LogLevelError {
		l.monitor.Error(fmt.Sprintf("cron: %s: %v %v", msg, err, args))
	}
}

// errorHandlerAdapter adapts a simple error handler function to implement cron.Logger
type errorHandlerAdapter struct {
	handler func(error)
}

func (e *errorHandlerAdapter) Info(string, ...any) {}

func (e *errorHandlerAdapter) Error(err error, msg string, args ...any) {
	if e.handler == nil {
		return
	}
	if err != nil {
		e.handler(err)
		return
	}
	e.handler(fmt.Errorf(msg, args...))
}
