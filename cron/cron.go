// Package cron schedules recurring maintenance jobs, such as sweeping
// expired leases, on top of robfig/cron.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/goliatone/go-errors"
	rcron "github.com/robfig/cron/v3"

	"github.com/goliatone/go-statemachine/monitor"
)

// Job is the unit of scheduled work. The context is cancelled when the
// scheduler stops or the job timeout elapses.
type Job func(ctx context.Context) error

// Scheduler wraps a robfig cron instance with job handles.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(error)
	monitor      monitor.Monitor
	parser       Parser
	logLevel     LogLevel
	jobTimeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	started      bool
	nextHandleID int64
	handles      map[int64]*cronSubscription
}

// NewScheduler creates a new scheduler instance with the provided options.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.Local,
		parser:   DefaultParser,
		logLevel: LogLevelError,
		handles:  make(map[int64]*cronSubscription),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.monitor = monitor.Normalize(s.monitor)
	if s.errorHandler == nil {
		m := s.monitor
		s.errorHandler = func(err error) {
			m.Error(fmt.Sprintf("scheduled job failed: %v", err))
		}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = rcron.New(s.build()...)
	return s
}

// Schedule runs job on every tick of the cron expression. A run that is
// still in progress when the next tick fires causes that tick to be skipped.
func (s *Scheduler) Schedule(expr string, job Job) (Handle, error) {
	if expr == "" {
		return nil, apperrors.New("cron expression cannot be empty", apperrors.CategoryBadInput).
			WithTextCode("CRON_EXPRESSION_REQUIRED")
	}
	if job == nil {
		return nil, apperrors.New("cron job cannot be nil", apperrors.CategoryBadInput)
	}

	sub := s.newHandle()
	entryID, err := s.cron.AddJob(expr, rcron.FuncJob(func() {
		if isTerminalStatus(sub.Status()) {
			return
		}
		sub.setStatus(ScheduleStatusRunning, nil)
		if err := s.run(job); err != nil {
			sub.recordRun(ScheduleStatusFailed, err)
			s.errorHandler(err)
			return
		}
		if !isTerminalStatus(sub.Status()) {
			sub.recordRun(ScheduleStatusIdle, nil)
		}
	}))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryBadInput, "failed to add cron job").
			WithMetadata(map[string]any{"expression": expr})
	}
	sub.entryID = int(entryID)
	s.storeHandle(sub)
	return sub, nil
}

// ScheduleAfter runs job once after delay.
func (s *Scheduler) ScheduleAfter(delay time.Duration, job Job) (Handle, error) {
	if delay < 0 {
		delay = 0
	}
	return s.ScheduleAt(time.Now().Add(delay), job)
}

// ScheduleAt runs job once at the given time.
func (s *Scheduler) ScheduleAt(at time.Time, job Job) (Handle, error) {
	if job == nil {
		return nil, apperrors.New("cron job cannot be nil", apperrors.CategoryBadInput)
	}
	sub := s.newHandle()
	s.storeHandle(sub)

	go func() {
		timer := time.NewTimer(max(time.Until(at), 0))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-sub.Done():
			return
		case <-s.ctx.Done():
			return
		}

		if isTerminalStatus(sub.Status()) {
			return
		}
		sub.setStatus(ScheduleStatusRunning, nil)
		err := s.run(job)
		if err != nil {
			s.errorHandler(err)
			sub.recordRun(ScheduleStatusFailed, err)
			sub.setTerminal(ScheduleStatusFailed, err)
		} else {
			sub.recordRun(ScheduleStatusCompleted, nil)
			sub.setTerminal(ScheduleStatusCompleted, nil)
		}
		s.removeStoredHandle(sub.id)
	}()

	return sub, nil
}

// Start begins executing scheduled cron jobs. Calling it again is a no-op.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	s.cron.Start()
	return nil
}

// Stop stops the cron loop, cancels running jobs and marks active handles
// as stopped. It waits for running jobs until ctx is done. A stopped
// scheduler cannot be started again.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*cronSubscription, 0, len(s.handles))
	for _, handle := range s.handles {
		handles = append(handles, handle)
	}
	s.handles = make(map[int64]*cronSubscription)
	started := s.started
	s.started = false
	s.mu.Unlock()

	s.cancel()
	for _, handle := range handles {
		if handle.entryID > 0 {
			s.cron.Remove(rcron.EntryID(handle.entryID))
		}
		if !isTerminalStatus(handle.Status()) {
			handle.setTerminal(ScheduleStatusStopped, nil)
		}
	}

	if !started {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(job Job) (err error) {
	ctx := s.ctx
	if s.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.New(fmt.Sprintf("scheduled job panicked: %v", r), apperrors.CategoryHandler).
				WithTextCode("CRON_JOB_PANIC")
		}
	}()
	return job(ctx)
}

func (s *Scheduler) removeHandle(id int64) {
	handle := s.removeStoredHandle(id)
	if handle != nil && handle.entryID > 0 {
		s.cron.Remove(rcron.EntryID(handle.entryID))
	}
}

func (s *Scheduler) removeStoredHandle(id int64) *cronSubscription {
	if id == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := s.handles[id]
	delete(s.handles, id)
	return handle
}

func (s *Scheduler) storeHandle(handle *cronSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[handle.id] = handle
}

func (s *Scheduler) newHandle() *cronSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	return &cronSubscription{
		scheduler: s,
		id:        s.nextHandleID,
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
	}
}

// build converts scheduler options to robfig options.
func (s *Scheduler) build() []rcron.Option {
	opts := make([]rcron.Option, 0, 4)
	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}

	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}

	logger := &monitorAdapter{monitor: s.monitor, level: s.logLevel}
	opts = append(opts,
		rcron.WithLogger(logger),
		rcron.WithChain(
			rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler}),
			rcron.SkipIfStillRunning(logger),
		),
	)
	return opts
}

func isTerminalStatus(status ScheduleStatus) bool {
	switch status {
	case ScheduleStatusCompleted, ScheduleStatusCanceled, ScheduleStatusFailed, ScheduleStatusStopped:
		return true
	default:
		return false
	}
}
