package statemachine

import (
	"context"
	"time"

	"github.com/goliatone/go-statemachine/backoff"
	"github.com/goliatone/go-statemachine/clock"
	"github.com/goliatone/go-statemachine/metrics"
	"github.com/goliatone/go-statemachine/monitor"
	"github.com/goliatone/go-statemachine/retry"
)

const (
	DefaultIdleDelay      = 500 * time.Millisecond
	DefaultErrorBaseDelay = 500 * time.Millisecond
	DefaultErrorMaxDelay  = 30 * time.Second
	DefaultBatchSize      = 5
)

// Executor runs the manager loop. The default starts a goroutine.
type Executor func(run func())

// Option configures a Manager or an EntityManager. Options that only make
// sense for an EntityManager are ignored by NewManager.
type Option func(*settings)

type settings struct {
	idle          backoff.WaitStrategy
	errorStrategy backoff.WaitStrategy
	monitor       monitor.Monitor
	metrics       metrics.Recorder
	executor      Executor
	clock         clock.Clock
	statusHook    func(context.Context, Status)

	batchSize     int
	concurrency   int
	retry         *retry.Configuration
	sweepSchedule string
}

func newSettings(opts []Option) settings {
	s := settings{batchSize: DefaultBatchSize, concurrency: 1}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	if s.idle == nil {
		s.idle = backoff.NewFixed(DefaultIdleDelay)
	}
	if s.errorStrategy == nil {
		s.errorStrategy = backoff.NewExponential(DefaultErrorBaseDelay, DefaultErrorMaxDelay)
	}
	if s.executor == nil {
		s.executor = func(run func()) { go run() }
	}
	s.monitor = monitor.Normalize(s.monitor)
	s.metrics = metrics.Normalize(s.metrics)
	s.clock = clock.Normalize(s.clock)
	return s
}

// WithIdleStrategy sets the wait used after a tick that processed nothing.
func WithIdleStrategy(s backoff.WaitStrategy) Option {
	return func(o *settings) {
		o.idle = s
	}
}

// WithErrorStrategy sets the wait used after a failed tick.
func WithErrorStrategy(s backoff.WaitStrategy) Option {
	return func(o *settings) {
		o.errorStrategy = s
	}
}

func WithMonitor(m monitor.Monitor) Option {
	return func(o *settings) {
		o.monitor = m
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(o *settings) {
		o.metrics = r
	}
}

// WithExecutor sets how the manager loop is started.
func WithExecutor(e Executor) Option {
	return func(o *settings) {
		o.executor = e
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *settings) {
		o.clock = c
	}
}

// WithStatusHook is called after every tick and state change.
func WithStatusHook(hook func(context.Context, Status)) Option {
	return func(o *settings) {
		o.statusHook = hook
	}
}

// WithBatchSize sets how many entities a state processor claims per tick.
func WithBatchSize(n int) Option {
	return func(o *settings) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithConcurrency sets how many entities of a batch are handled at once.
func WithConcurrency(n int) Option {
	return func(o *settings) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

func WithRetryConfiguration(c retry.Configuration) Option {
	return func(o *settings) {
		o.retry = &c
	}
}

// WithSweepSchedule purges expired leases on the given cron expression when
// the store supports it.
func WithSweepSchedule(expr string) Option {
	return func(o *settings) {
		o.sweepSchedule = expr
	}
}
