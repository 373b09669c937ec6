package statemachine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-statemachine/cron"
	"github.com/goliatone/go-statemachine/entity"
	"github.com/goliatone/go-statemachine/monitor"
	"github.com/goliatone/go-statemachine/retry"
)

// Handler processes one claimed entity and reports whether it did so.
// Returning false releases the entity's lease.
type Handler[E entity.Stateful] func(ctx context.Context, e E) (bool, error)

// EntityManager wires per-state handlers to a store and runs them with a
// Manager. It owns the collaborators shared by the workflow: store, clock,
// monitor, metrics and retry configuration.
type EntityManager[E entity.Stateful] struct {
	name     string
	store    entity.Store[E]
	settings settings
	runtime  retry.Runtime
	manager  *Manager

	mu        sync.Mutex
	perState  map[int]int
	scheduler *cron.Scheduler
}

func NewEntityManager[E entity.Stateful](name string, store entity.Store[E], opts ...Option) *EntityManager[E] {
	s := newSettings(opts)
	cfg := retry.DefaultConfiguration()
	if s.retry != nil {
		cfg = *s.retry
	}
	return &EntityManager[E]{
		name:     name,
		store:    store,
		settings: s,
		runtime: retry.Runtime{
			Clock:         s.clock,
			Monitor:       s.monitor,
			Metrics:       s.metrics,
			Configuration: cfg,
		},
		manager:  NewManager(name, nil, opts...),
		perState: make(map[int]int),
	}
}

// OnState registers handler for entities in state that also match extra.
// A state can have several handlers with different criteria.
func (m *EntityManager[E]) OnState(state int, handler Handler[E], extra ...entity.Criterion) (Processor, error) {
	if err := entity.ValidateAll(extra); err != nil {
		return nil, err
	}
	return m.register(state, handler, EntitiesInState(m.store, m.settings.batchSize, state, extra...))
}

// OnStateMatching is OnState with extra criteria computed before every
// claim, for conditions relative to the current time.
func (m *EntityManager[E]) OnStateMatching(state int, handler Handler[E], extra func(now time.Time) []entity.Criterion) (Processor, error) {
	if extra == nil {
		return m.OnState(state, handler)
	}
	batchSize := m.settings.batchSize
	return m.register(state, handler, func(ctx context.Context) ([]E, error) {
		criteria := append([]entity.Criterion{entity.HasState(state)}, extra(m.settings.clock.Now())...)
		return m.store.NextNotLeased(ctx, batchSize, criteria...)
	})
}

func (m *EntityManager[E]) register(state int, handler Handler[E], entities func(context.Context) ([]E, error)) (Processor, error) {
	m.mu.Lock()
	m.perState[state]++
	name := fmt.Sprintf("%s/state-%d", m.name, state)
	if n := m.perState[state]; n > 1 {
		name = fmt.Sprintf("%s#%d", name, n)
	}
	m.mu.Unlock()

	p, err := NewProcessor(ProcessorConfig[E]{
		Name:           name,
		Entities:       entities,
		Handle:         handler,
		OnNotProcessed: m.BreakLease,
		Concurrency:    m.settings.concurrency,
		Monitor:        m.settings.monitor,
		Metrics:        m.settings.metrics,
	})
	if err != nil {
		return nil, err
	}
	m.manager.Register(p)
	return p, nil
}

// Runtime is the retry runtime handlers pass to retry.NewProcessor.
func (m *EntityManager[E]) Runtime() retry.Runtime { return m.runtime }

func (m *EntityManager[E]) Store() entity.Store[E] { return m.store }

func (m *EntityManager[E]) Manager() *Manager { return m.manager }

func (m *EntityManager[E]) Monitor() monitor.Monitor { return m.settings.monitor }

// HolderID is the lease holder id of this runtime, when the store reports one.
func (m *EntityManager[E]) HolderID() string {
	if r, ok := m.store.(entity.HolderReporter); ok {
		return r.HolderID()
	}
	return ""
}

// Update persists e and releases its lease.
func (m *EntityManager[E]) Update(ctx context.Context, e E) error {
	return m.store.Update(ctx, e)
}

// Save upserts e and releases its lease.
func (m *EntityManager[E]) Save(ctx context.Context, e E) error {
	return m.store.Save(ctx, e)
}

// BreakLease releases the lease on e without writing it.
func (m *EntityManager[E]) BreakLease(ctx context.Context, e E) error {
	return m.store.BreakLease(ctx, e.Entity().ID)
}

// Start runs the manager loop and, when configured and supported by the
// store, the expired lease sweep.
func (m *EntityManager[E]) Start(ctx context.Context) error {
	if err := m.manager.Start(ctx); err != nil {
		return err
	}
	if err := m.startSweep(ctx); err != nil {
		_ = m.manager.Stop(ctx)
		return err
	}
	return nil
}

func (m *EntityManager[E]) Stop(ctx context.Context) error {
	err := m.manager.Stop(ctx)

	m.mu.Lock()
	scheduler := m.scheduler
	m.scheduler = nil
	m.mu.Unlock()
	if scheduler != nil {
		if serr := scheduler.Stop(ctx); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

func (m *EntityManager[E]) RunOnce(ctx context.Context) (TickReport, error) {
	return m.manager.RunOnce(ctx)
}

func (m *EntityManager[E]) Status() Status { return m.manager.Status() }

func (m *EntityManager[E]) Health() Health { return m.manager.Health() }

// Sweep purges expired leases once. It returns 0 when the store cannot
// sweep.
func (m *EntityManager[E]) Sweep(ctx context.Context) (int, error) {
	sweeper, ok := m.store.(entity.LeaseSweeper)
	if !ok {
		return 0, nil
	}
	n, err := sweeper.PurgeExpiredLeases(ctx)
	if err != nil {
		return n, err
	}
	if n > 0 {
		m.settings.monitor.Debug(fmt.Sprintf("purged %d expired leases", n))
	}
	return n, nil
}

func (m *EntityManager[E]) startSweep(ctx context.Context) error {
	if m.settings.sweepSchedule == "" {
		return nil
	}
	if _, ok := m.store.(entity.LeaseSweeper); !ok {
		m.settings.monitor.Warn(fmt.Sprintf("store of %s cannot purge leases, sweep schedule ignored", m.name))
		return nil
	}

	scheduler := cron.NewScheduler(cron.WithMonitor(m.settings.monitor))
	if _, err := scheduler.Schedule(m.settings.sweepSchedule, func(ctx context.Context) error {
		_, err := m.Sweep(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.scheduler = scheduler
	m.mu.Unlock()
	return nil
}
