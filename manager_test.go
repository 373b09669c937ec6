package statemachine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-statemachine/backoff"
	"github.com/goliatone/go-statemachine/monitor"
)

type funcProcessor struct {
	name string
	fn   func(ctx context.Context) (int, error)
}

func (p funcProcessor) Name() string                             { return p.name }
func (p funcProcessor) Process(ctx context.Context) (int, error) { return p.fn(ctx) }

type tickRecorder struct {
	mu     sync.Mutex
	ticks  int
	errors int
	total  int
}

func (r *tickRecorder) RecordTick(_ string, processed int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks++
	r.total += processed
}

func (r *tickRecorder) RecordTickError(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors++
}

func (r *tickRecorder) RecordClaimed(string, int)    {}
func (r *tickRecorder) RecordProcessed(string, int)  {}
func (r *tickRecorder) RecordNotProcessed(string)    {}
func (r *tickRecorder) RecordOutcome(string, string) {}

func TestRunOnceRunsProcessorsInOrder(t *testing.T) {
	var order []string
	proc := func(name string, n int) Processor {
		return funcProcessor{name: name, fn: func(context.Context) (int, error) {
			order = append(order, name)
			return n, nil
		}}
	}
	rec := &tickRecorder{}
	m := NewManager("orders", []Processor{proc("first", 2), proc("second", 0), proc("third", 3)},
		WithMonitor(monitor.Discard()), WithMetrics(rec))

	report, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Equal(t, 5, report.Processed)
	require.Len(t, report.Processors, 3)
	assert.Equal(t, "third", report.Processors[2].Name)
	assert.Equal(t, 1, rec.ticks)
	assert.Equal(t, 5, rec.total)

	status := m.Status()
	assert.Equal(t, int64(1), status.Ticks)
	assert.Equal(t, 5, status.LastProcessed)
	assert.True(t, m.Health().Healthy)
}

func TestRunOnceErrorEndsTick(t *testing.T) {
	boom := errors.New("store unavailable")
	secondRan := false
	rec := &tickRecorder{}
	m := NewManager("orders", []Processor{
		funcProcessor{name: "broken", fn: func(context.Context) (int, error) { return 0, boom }},
		funcProcessor{name: "after", fn: func(context.Context) (int, error) { secondRan = true; return 1, nil }},
	}, WithMonitor(monitor.Discard()), WithMetrics(rec))

	report, err := m.RunOnce(context.Background())
	require.ErrorIs(t, err, boom)
	assert.False(t, secondRan)
	assert.Len(t, report.Processors, 1)
	assert.Equal(t, 1, rec.errors)

	health := m.Health()
	assert.False(t, health.Healthy)
	assert.Equal(t, 1, health.Status.ConsecutiveFailures)
	assert.Contains(t, health.Status.LastError, "store unavailable")
}

func TestRunOnceRecoversProcessorPanic(t *testing.T) {
	m := NewManager("orders", []Processor{
		funcProcessor{name: "panicky", fn: func(context.Context) (int, error) { panic("nil map") }},
	}, WithMonitor(monitor.Discard()))

	var err error
	require.NotPanics(t, func() { _, err = m.RunOnce(context.Background()) })
	require.Error(t, err)
	assert.True(t, IsPanic(err))
}

func TestStartStopIsIdempotentAndRestartable(t *testing.T) {
	var ticks atomic.Int32
	m := NewManager("orders", []Processor{
		funcProcessor{name: "idle", fn: func(context.Context) (int, error) {
			ticks.Add(1)
			return 0, nil
		}},
	}, WithMonitor(monitor.Discard()), WithIdleStrategy(backoff.NewFixed(5*time.Millisecond)))

	ctx := context.Background()
	for cycle := 0; cycle < 2; cycle++ {
		before := ticks.Load()
		require.NoError(t, m.Start(ctx))
		assert.ErrorIs(t, m.Start(ctx), ErrManagerRunning)
		assert.Equal(t, StateRunning, m.Status().State)

		require.Eventually(t, func() bool { return ticks.Load() > before+1 }, time.Second, 5*time.Millisecond)

		require.NoError(t, m.Stop(ctx))
		require.NoError(t, m.Stop(ctx))
		assert.False(t, m.Running())
		assert.Equal(t, StateStopped, m.Status().State)

		stopped := ticks.Load()
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, stopped, ticks.Load(), "no background loop after stop")
	}
}

func TestBusyTicksDoNotWait(t *testing.T) {
	var calls atomic.Int32
	m := NewManager("orders", []Processor{
		funcProcessor{name: "backlog", fn: func(context.Context) (int, error) {
			if calls.Add(1) <= 3 {
				return 1, nil
			}
			return 0, nil
		}},
	}, WithMonitor(monitor.Discard()), WithIdleStrategy(backoff.NewFixed(time.Hour)))

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() == 4 }, time.Second, time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Stop(stopCtx), "stop interrupts the idle wait")
	assert.Equal(t, int32(4), calls.Load())
}

func TestCancelledStartContextLetsTickFinish(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var tickErr atomic.Value

	m := NewManager("orders", []Processor{
		funcProcessor{name: "slow", fn: func(ctx context.Context) (int, error) {
			select {
			case <-entered:
			default:
				close(entered)
			}
			<-release
			if err := ctx.Err(); err != nil {
				tickErr.Store(err)
			}
			return 0, nil
		}},
	}, WithMonitor(monitor.Discard()))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	<-entered
	cancel()
	close(release)

	require.Eventually(t, func() bool { return !m.Running() }, time.Second, time.Millisecond)
	assert.Nil(t, tickErr.Load(), "in-flight tick keeps a live context")
	assert.Equal(t, int64(1), m.Status().Ticks)
}

func TestExecutorRunsLoop(t *testing.T) {
	var launched atomic.Int32
	m := NewManager("orders", nil,
		WithMonitor(monitor.Discard()),
		WithIdleStrategy(backoff.NewFixed(time.Millisecond)),
		WithExecutor(func(run func()) {
			launched.Add(1)
			go run()
		}))

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, int32(1), launched.Load())
}

func TestStatusHookObservesStates(t *testing.T) {
	var mu sync.Mutex
	var states []State
	m := NewManager("orders", nil,
		WithMonitor(monitor.Discard()),
		WithIdleStrategy(backoff.NewFixed(time.Millisecond)),
		WithStatusHook(func(_ context.Context, s Status) {
			mu.Lock()
			defer mu.Unlock()
			if len(states) == 0 || states[len(states)-1] != s.State {
				states = append(states, s.State)
			}
		}))

	require.NoError(t, m.Start(context.Background()))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, states)
	assert.Equal(t, StateRunning, states[0])
	assert.Contains(t, states, StateStopping)
	assert.Equal(t, StateStopped, states[len(states)-1])
}
