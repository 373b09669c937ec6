package retry

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-statemachine/backoff"
	"github.com/goliatone/go-statemachine/clock"
	"github.com/goliatone/go-statemachine/entity"
	"github.com/goliatone/go-statemachine/monitor"
)

type job struct {
	entity.Base
	Target string `json:"target"`
}

func newJob(count int, stateTimestamp int64) job {
	return job{Base: entity.Base{ID: "job-1", State: 100, StateCount: count, StateTimestamp: stateTimestamp}}
}

type recorded struct {
	success      int
	failure      int
	finalFailure int
	content      string
	err          error
}

func (r *recorded) callbacks() Callbacks[job, string] {
	return Callbacks[job, string]{
		OnSuccess: func(_ context.Context, _ job, content string) error {
			r.success++
			r.content = content
			return nil
		},
		OnFailure: func(_ context.Context, _ job, err error) error {
			r.failure++
			r.err = err
			return nil
		},
		OnFinalFailure: func(_ context.Context, _ job, err error) error {
			r.finalFailure++
			r.err = err
			return nil
		},
	}
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *outcomeRecorder) RecordTick(string, int, time.Duration) {}
func (o *outcomeRecorder) RecordTickError(string)                {}
func (o *outcomeRecorder) RecordClaimed(string, int)             {}
func (o *outcomeRecorder) RecordProcessed(string, int)           {}
func (o *outcomeRecorder) RecordNotProcessed(string)             {}
func (o *outcomeRecorder) RecordOutcome(stage, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, stage+":"+outcome)
}

func runtimeAt(ms int64, limit int, delay time.Duration) (Runtime, *clock.Manual) {
	clk := clock.NewManualMillis(ms)
	return Runtime{
		Clock:         clk,
		Monitor:       monitor.Discard(),
		Configuration: NewConfiguration(limit, backoff.FixedSupplier(delay)),
	}, clk
}

func okStage(calls *int) Process[job, string, string] {
	return Sync("ok", func(_ context.Context, _ job, in string) Result[string] {
		*calls++
		return Ok(in + "!")
	})
}

func retryableStage() Process[job, string, string] {
	return Sync("provision", func(context.Context, job, string) Result[string] {
		return Retryable[string]("endpoint unavailable")
	})
}

func TestBackoffGateSkipsUntilDelayElapsed(t *testing.T) {
	rt, clk := runtimeAt(100_000, 5, 10*time.Second)
	e := newJob(2, 95_000)
	calls := 0
	rec := &recorded{}

	processed, err := NewProcessor(e, rt, okStage(&calls), "in", rec.callbacks()).Execute(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Equal(t, 0, calls)
	assert.Equal(t, recorded{}, *rec)

	clk.Advance(5 * time.Second)
	processed, err = NewProcessor(e, rt, okStage(&calls), "in", rec.callbacks()).Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, 1, rec.success)
	assert.Equal(t, "in!", rec.content)
}

func TestBackoffGateUsesExponentialPriming(t *testing.T) {
	clk := clock.NewManualMillis(10_000)
	rt := Runtime{
		Clock:         clk,
		Monitor:       monitor.Discard(),
		Configuration: NewConfiguration(10, backoff.ExponentialSupplier(time.Second, time.Minute)),
	}
	calls := 0

	// third attempt waits base*2^(3-1) = 4s
	e := newJob(3, 7_000)
	processed, err := NewProcessor(e, rt, okStage(&calls), "", Callbacks[job, string]{}).Execute(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)

	clk.Advance(time.Second)
	processed, err = NewProcessor(e, rt, okStage(&calls), "", Callbacks[job, string]{}).Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, 1, calls)
}

func TestFirstAttemptIsImmediate(t *testing.T) {
	rt, _ := runtimeAt(1_000, 3, time.Hour)
	e := newJob(0, 1_000)
	calls := 0
	rec := &recorded{}

	processed, err := NewProcessor(e, rt, okStage(&calls), "x", rec.callbacks()).Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, rec.success)
}

func TestRetryLimitBoundary(t *testing.T) {
	rt, _ := runtimeAt(1_000_000, 2, 0)

	t.Run("count equal to limit retries", func(t *testing.T) {
		rec := &recorded{}
		processed, err := NewProcessor(newJob(2, 0), rt, retryableStage(), "", rec.callbacks()).Execute(context.Background())
		require.NoError(t, err)
		assert.True(t, processed)
		assert.Equal(t, 1, rec.failure)
		assert.Equal(t, 0, rec.finalFailure)
		assert.Equal(t, 0, rec.success)
		assert.True(t, IsRetryable(rec.err))
	})

	t.Run("count above limit is final", func(t *testing.T) {
		rec := &recorded{}
		processed, err := NewProcessor(newJob(3, 0), rt, retryableStage(), "", rec.callbacks()).Execute(context.Background())
		require.NoError(t, err)
		assert.True(t, processed)
		assert.Equal(t, 0, rec.failure)
		assert.Equal(t, 1, rec.finalFailure)
		assert.Equal(t, 0, rec.success)

		se, ok := AsStateError(rec.err)
		require.True(t, ok)
		assert.True(t, se.Exhausted)
		assert.Equal(t, 3, se.StateCount)
		assert.Equal(t, "provision", se.Stage)
	})
}

func TestUnrecoverableBypassesRetryLimit(t *testing.T) {
	rt, _ := runtimeAt(0, 10, 0)
	rec := &recorded{}
	stage := Sync("validate", func(context.Context, job, string) Result[string] {
		return Unrecoverable[string]("policy rejected")
	})

	processed, err := NewProcessor(newJob(0, 0), rt, stage, "", rec.callbacks()).Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, 0, rec.failure)
	assert.Equal(t, 1, rec.finalFailure)
	assert.True(t, IsUnrecoverable(rec.err))
	assert.Equal(t, ErrCodeUnrecoverable, entity.ErrorCode(rec.err))
}

func TestFatalReasonIsCountedAgainstLimit(t *testing.T) {
	rt, _ := runtimeAt(0, 1, 0)
	stage := Sync("send", func(context.Context, job, string) Result[string] {
		return Fatal[string]("remote rejected message")
	})

	rec := &recorded{}
	_, err := NewProcessor(newJob(1, 0), rt, stage, "", rec.callbacks()).Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rec.failure)

	rec = &recorded{}
	_, err = NewProcessor(newJob(2, 0), rt, stage, "", rec.callbacks()).Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rec.finalFailure)
}

func TestPipelineOrdering(t *testing.T) {
	rt, _ := runtimeAt(0, 3, 0)
	var seen []string

	first := Sync("first", func(_ context.Context, _ job, in int) Result[string] {
		seen = append(seen, "first")
		return Ok("content-from-first")
	})
	second := Sync("second", func(_ context.Context, _ job, in string) Result[string] {
		seen = append(seen, "second:"+in)
		return Ok(in + "+second")
	})

	rec := &recorded{}
	pipeline := Then(first, second)
	assert.Equal(t, "first -> second", pipeline.Name())

	processed, err := NewProcessor(newJob(0, 0), rt, pipeline, 1, rec.callbacks()).Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, []string{"first", "second:content-from-first"}, seen)
	assert.Equal(t, "content-from-first+second", rec.content)

	seen = nil
	failing := Sync("first", func(context.Context, job, int) Result[string] {
		seen = append(seen, "first")
		return Retryable[string]("nope")
	})
	rec = &recorded{}
	_, err = NewProcessor(newJob(0, 0), rt, Then(failing, second), 1, rec.callbacks()).Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, seen)
	assert.Equal(t, 1, rec.failure)

	se, ok := AsStateError(rec.err)
	require.True(t, ok)
	assert.Equal(t, "first", se.Stage)
}

func TestPanicIsUnrecoverable(t *testing.T) {
	rt, _ := runtimeAt(0, 5, 0)
	stage := Sync("explode", func(context.Context, job, string) Result[string] {
		panic("boom")
	})
	rec := &recorded{}

	processed, err := NewProcessor(newJob(0, 0), rt, stage, "", rec.callbacks()).Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, 1, rec.finalFailure)
	assert.Contains(t, rec.err.Error(), "panic: boom")
}

func TestAsyncStage(t *testing.T) {
	rt, _ := runtimeAt(0, 5, 0)

	t.Run("delivers value", func(t *testing.T) {
		stage := Async("remote", func(_ context.Context, _ job, in string) <-chan Result[string] {
			ch := make(chan Result[string])
			go func() { ch <- Ok("async " + in) }()
			return ch
		})
		rec := &recorded{}
		_, err := NewProcessor(newJob(0, 0), rt, stage, "call", rec.callbacks()).Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "async call", rec.content)
	})

	t.Run("closed channel is final", func(t *testing.T) {
		stage := Async("remote", func(context.Context, job, string) <-chan Result[string] {
			ch := make(chan Result[string])
			close(ch)
			return ch
		})
		rec := &recorded{}
		_, err := NewProcessor(newJob(0, 0), rt, stage, "", rec.callbacks()).Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, rec.finalFailure)
	})

	t.Run("cancelled context is final", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		stage := Async("remote", func(context.Context, job, string) <-chan Result[string] {
			cancel()
			return make(chan Result[string])
		})
		rec := &recorded{}
		_, err := NewProcessor(newJob(0, 0), rt, stage, "", rec.callbacks()).Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.finalFailure)
		assert.True(t, errors.Is(rec.err, context.Canceled))
	})
}

func TestSyncErrClassification(t *testing.T) {
	rt, _ := runtimeAt(0, 5, 0)
	transient := SyncErr("call", func(context.Context, job, string) (string, error) {
		return "", errors.New("timeout")
	})
	permanent := SyncErr("call", func(context.Context, job, string) (string, error) {
		return "", Permanent(errors.New("bad request"))
	})

	rec := &recorded{}
	_, err := NewProcessor(newJob(0, 0), rt, transient, "", rec.callbacks()).Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rec.failure)

	rec = &recorded{}
	_, err = NewProcessor(newJob(0, 0), rt, permanent, "", rec.callbacks()).Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rec.finalFailure)
	assert.Contains(t, rec.err.Error(), "bad request")
}

func TestStateCountSnapshotIsAuthoritative(t *testing.T) {
	rt, _ := runtimeAt(0, 2, 0)

	t.Run("pinned count overrides the entity count", func(t *testing.T) {
		stage := Sync("send", func(_ context.Context, e job, _ string) Result[string] {
			return Retryable[string]("down").WithStateCount(e.StateCount + 3)
		})
		rec := &recorded{}
		_, err := NewProcessor(newJob(0, 0), rt, stage, "", rec.callbacks()).Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, rec.finalFailure)
		se, _ := AsStateError(rec.err)
		assert.Equal(t, 3, se.StateCount)
	})

	t.Run("count is captured at failure time", func(t *testing.T) {
		persisted := newJob(1, 0)
		stage := Sync("send", func(context.Context, job, string) Result[string] {
			// a concurrent writer bumps the persisted count after the snapshot
			persisted.StateCount = 9
			return Retryable[string]("down")
		})
		rec := &recorded{}
		_, err := NewProcessor(persisted, rt, stage, "", rec.callbacks()).Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, rec.failure)
		se, _ := AsStateError(rec.err)
		assert.Equal(t, 1, se.StateCount)
	})
}

func TestCallbackErrorsPropagate(t *testing.T) {
	rt, _ := runtimeAt(0, 2, 0)
	calls := 0
	boom := errors.New("store unavailable")

	processed, err := NewProcessor(newJob(0, 0), rt, okStage(&calls), "", Callbacks[job, string]{
		OnSuccess: func(context.Context, job, string) error { return boom },
	}).Execute(context.Background())
	assert.True(t, processed)
	require.Error(t, err)
	assert.Equal(t, ErrCodeCallbackFailed, entity.ErrorCode(err))
	assert.Contains(t, err.Error(), "success callback failed")

	processed, err = NewProcessor(newJob(0, 0), rt, retryableStage(), "", Callbacks[job, string]{
		OnFailure: func(context.Context, job, error) error { return boom },
	}).Execute(context.Background())
	assert.True(t, processed)
	require.Error(t, err)
}

func TestNilCallbacksAreSkipped(t *testing.T) {
	rt, _ := runtimeAt(0, 0, 0)
	processed, err := NewProcessor(newJob(5, 0), rt, retryableStage(), "", Callbacks[job, string]{}).Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestLoggingAndMetrics(t *testing.T) {
	buf := &bytes.Buffer{}
	rec := &outcomeRecorder{}
	rt := Runtime{
		Clock:         clock.NewManualMillis(10_000),
		Monitor:       monitor.NewFmt(buf),
		Metrics:       rec,
		Configuration: NewConfiguration(1, backoff.FixedSupplier(time.Minute)),
	}

	_, err := NewProcessor(newJob(2, 10_000), rt, retryableStage(), "", Callbacks[job, string]{}).Execute(context.Background())
	require.NoError(t, err)

	rt.Clock = clock.NewManualMillis(10_000 + time.Minute.Milliseconds())
	_, err = NewProcessor(newJob(2, 10_000), rt, retryableStage(), "", Callbacks[job, string]{}).Execute(context.Background())
	require.NoError(t, err)
	_, err = NewProcessor(newJob(1, 0), rt, retryableStage(), "", Callbacks[job, string]{}).Execute(context.Background())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "not processed: waiting 1m0s before attempt 3")
	assert.Contains(t, out, "Retry limit exceeded. Cause: endpoint unavailable")
	assert.Contains(t, out, "failed to process. Cause: endpoint unavailable")
	assert.Contains(t, out, "entity_id=job-1")
	assert.Equal(t, []string{"provision:backoff", "provision:final_failure", "provision:retry"}, rec.outcomes)
}
