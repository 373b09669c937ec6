package statemachine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-statemachine/backoff"
	"github.com/goliatone/go-statemachine/monitor"
)

// State tracks the lifecycle of a manager loop.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Status captures the latest loop state and tick results.
type Status struct {
	Name                string
	State               State
	Ticks               int64
	LastTickAt          time.Time
	LastSuccessAt       time.Time
	LastError           string
	ConsecutiveFailures int
	LastProcessed       int
}

// Health is derived from Status.
type Health struct {
	Healthy bool
	Reason  string
	Status  Status
}

// ProcessorReport is the result of one processor within a tick.
type ProcessorReport struct {
	Name      string
	Processed int
	Err       error
}

// TickReport summarizes one pass over every processor.
type TickReport struct {
	Manager    string
	StartedAt  time.Time
	FinishedAt time.Time
	Processed  int
	Processors []ProcessorReport
}

// Manager drives an ordered list of processors in a single polling loop.
// A tick that processed anything is followed immediately by the next one;
// an empty tick waits for the idle strategy and a failed tick for the
// error strategy.
type Manager struct {
	name string
	settings

	procMu     sync.RWMutex
	processors []Processor

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	stateMu sync.RWMutex
	status  Status
}

func NewManager(name string, processors []Processor, opts ...Option) *Manager {
	m := &Manager{
		name:     name,
		settings: newSettings(opts),
		status:   Status{Name: name, State: StateIdle},
	}
	for _, p := range processors {
		m.Register(p)
	}
	return m
}

func (m *Manager) Name() string { return m.name }

// Register appends p to the processors run on every tick. It is safe to
// call while the loop runs; p joins from the next tick.
func (m *Manager) Register(p Processor) {
	if p == nil {
		return
	}
	m.procMu.Lock()
	defer m.procMu.Unlock()
	m.processors = append(m.processors, p)
}

func (m *Manager) Processors() []Processor {
	m.procMu.RLock()
	defer m.procMu.RUnlock()
	out := make([]Processor, len(m.processors))
	copy(out, m.processors)
	return out
}

// Start launches the loop through the executor. The loop ends when Stop
// is called or ctx is done; cancelling ctx does not interrupt the tick in
// flight.
func (m *Manager) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m.runMu.Lock()
	if m.running {
		m.runMu.Unlock()
		return ErrManagerRunning
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.running = true
	m.stop = stop
	m.done = done
	m.runMu.Unlock()

	m.setState(ctx, StateRunning)
	m.executor(func() { m.loop(ctx, stop, done) })
	return nil
}

// Stop asks the loop to end after the current tick and waits for it, or
// for ctx. Stopping a manager that is not running is a no-op.
func (m *Manager) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return nil
	}
	stop := m.stop
	m.stop = nil
	done := m.done
	m.runMu.Unlock()

	if stop != nil {
		m.setState(ctx, StateStopping)
		close(stop)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the loop is active.
func (m *Manager) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.running
}

func (m *Manager) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	tickCtx := context.WithoutCancel(ctx)
	log := monitor.WithFields(m.monitor.WithContext(tickCtx), map[string]any{"manager": m.name})
	log.Info(fmt.Sprintf("state machine manager %s started", m.name))

	defer func() {
		m.setState(tickCtx, StateStopped)
		m.runMu.Lock()
		m.running = false
		m.stop = nil
		m.done = nil
		m.runMu.Unlock()
		log.Info(fmt.Sprintf("state machine manager %s stopped", m.name))
		close(done)
	}()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		report, err := m.RunOnce(tickCtx)
		delay := m.nextDelay(report, err)
		if delay <= 0 {
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Manager) nextDelay(report TickReport, err error) time.Duration {
	if err != nil {
		return m.errorStrategy.NextDelay()
	}
	if r, ok := m.errorStrategy.(backoff.Resetter); ok {
		r.Success()
	}
	if report.Processed > 0 {
		if r, ok := m.idle.(backoff.Resetter); ok {
			r.Success()
		}
		return 0
	}
	return m.idle.NextDelay()
}

// RunOnce runs every processor once, in registration order. A processor
// error or panic ends the tick and is returned; the tick itself never
// panics.
func (m *Manager) RunOnce(ctx context.Context) (TickReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	log := monitor.WithFields(m.monitor.WithContext(ctx), map[string]any{"manager": m.name})

	report := TickReport{Manager: m.name, StartedAt: m.clock.Now()}
	var tickErr error
	for _, p := range m.Processors() {
		n, err := m.runProcessor(ctx, log, p)
		report.Processed += n
		report.Processors = append(report.Processors, ProcessorReport{Name: p.Name(), Processed: n, Err: err})
		if err != nil {
			log.Error(fmt.Sprintf("processor %s failed, ending tick: %v", p.Name(), err))
			tickErr = fmt.Errorf("processor %s: %w", p.Name(), err)
			break
		}
	}
	report.FinishedAt = m.clock.Now()

	m.recordTick(ctx, report, tickErr)
	return report, tickErr
}

func (m *Manager) runProcessor(ctx context.Context, log monitor.Monitor, p Processor) (n int, err error) {
	defer capturePanic("processor "+p.Name(), log, nil, &err)
	return p.Process(ctx)
}

// Status returns a copy of the latest status.
func (m *Manager) Status() Status {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.status
}

func (m *Manager) Health() Health {
	status := m.Status()
	health := Health{Healthy: true, Status: status}
	if status.ConsecutiveFailures > 0 {
		health.Healthy = false
		health.Reason = fmt.Sprintf("%d consecutive tick failures", status.ConsecutiveFailures)
	} else if status.State == StateStopped && status.Ticks > 0 {
		health.Healthy = false
		health.Reason = "manager stopped"
	}
	return health
}

func (m *Manager) recordTick(ctx context.Context, report TickReport, tickErr error) {
	duration := report.FinishedAt.Sub(report.StartedAt)
	m.metrics.RecordTick(m.name, report.Processed, duration)
	if tickErr != nil {
		m.metrics.RecordTickError(m.name)
	}

	m.stateMu.Lock()
	status := m.status
	status.Ticks++
	status.LastTickAt = report.FinishedAt
	status.LastProcessed = report.Processed
	if tickErr == nil {
		status.LastSuccessAt = report.FinishedAt
		status.LastError = ""
		status.ConsecutiveFailures = 0
	} else {
		status.LastError = tickErr.Error()
		status.ConsecutiveFailures++
	}
	m.status = status
	m.stateMu.Unlock()

	if m.statusHook != nil {
		m.statusHook(ctx, status)
	}
}

func (m *Manager) setState(ctx context.Context, state State) {
	m.stateMu.Lock()
	status := m.status
	status.State = state
	m.status = status
	m.stateMu.Unlock()
	if m.statusHook != nil {
		m.statusHook(ctx, status)
	}
}
