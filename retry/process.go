package retry

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/goliatone/go-statemachine/entity"
)

// ProcessContext pairs an entity with the content flowing between stages.
type ProcessContext[E entity.Stateful, C any] struct {
	Entity  E
	Content C
}

// Kind tags an Outcome.
type Kind int

const (
	Succeeded Kind = iota + 1
	RetryableFailure
	FatalFailure
)

func (k Kind) String() string {
	switch k {
	case Succeeded:
		return "succeeded"
	case RetryableFailure:
		return "retryable_failure"
	case FatalFailure:
		return "fatal_failure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the normalized result of running a Process. Err is set for
// both failure kinds.
type Outcome[E entity.Stateful, C any] struct {
	Kind    Kind
	Context ProcessContext[E, C]
	Err     *StateError
}

// Process is a named stage, or a chain of stages, turning an input into an
// output for one entity.
type Process[E entity.Stateful, I, O any] struct {
	name string
	run  func(ctx context.Context, pc ProcessContext[E, I]) (ProcessContext[E, O], *StateError)
}

// StageFunc is a synchronous stage body.
type StageFunc[E entity.Stateful, I, O any] func(ctx context.Context, e E, in I) Result[O]

// AsyncStageFunc starts work and delivers its result on the returned channel.
type AsyncStageFunc[E entity.Stateful, I, O any] func(ctx context.Context, e E, in I) <-chan Result[O]

// Sync builds a stage from a function returning a Result.
func Sync[E entity.Stateful, I, O any](name string, fn StageFunc[E, I, O]) Process[E, I, O] {
	return Async(name, func(ctx context.Context, e E, in I) <-chan Result[O] {
		ch := make(chan Result[O], 1)
		ch <- fn(ctx, e, in)
		return ch
	})
}

// SyncErr builds a stage from a plain (value, error) function. Errors are
// classified with FromError.
func SyncErr[E entity.Stateful, I, O any](name string, fn func(ctx context.Context, e E, in I) (O, error)) Process[E, I, O] {
	return Sync(name, func(ctx context.Context, e E, in I) Result[O] {
		return FromError(fn(ctx, e, in))
	})
}

// Async builds a stage from a function that completes asynchronously. The
// stage waits for the first value on the channel. A channel closed without
// a value, or a context cancelled while waiting, is unrecoverable. Panics in
// fn itself are recovered; panics in goroutines fn starts are not.
func Async[E entity.Stateful, I, O any](name string, fn AsyncStageFunc[E, I, O]) Process[E, I, O] {
	return Process[E, I, O]{
		name: name,
		run: func(ctx context.Context, pc ProcessContext[E, I]) (out ProcessContext[E, O], serr *StateError) {
			out.Entity = pc.Entity
			defer func() {
				if r := recover(); r != nil {
					serr = newStateError(pc.Entity, name, true, fmt.Sprintf("panic: %v", r), panicError(r))
				}
			}()
			if fn == nil {
				return out, newStateError(pc.Entity, name, true, "stage has no function", nil)
			}

			ch := fn(ctx, pc.Entity, pc.Content)
			if ch == nil {
				return out, newStateError(pc.Entity, name, true, "stage returned no result channel", nil)
			}

			res, werr := await(ctx, ch)
			if werr != nil {
				return out, newStateError(pc.Entity, name, true, werr.Error(), werr)
			}

			if res.Succeeded() {
				out.Content = res.Value()
				return out, nil
			}
			serr = newStateError(pc.Entity, name, res.Reason() == ReasonUnrecoverable, res.Message(), res.Cause())
			if res.stateCount != nil {
				serr.StateCount = *res.stateCount
			}
			return out, serr
		},
	}
}

// Then chains two processes. second receives exactly the content produced
// by first and is skipped when first fails.
func Then[E entity.Stateful, I, M, O any](first Process[E, I, M], second Process[E, M, O]) Process[E, I, O] {
	return Process[E, I, O]{
		name: first.Name() + " -> " + second.Name(),
		run: func(ctx context.Context, pc ProcessContext[E, I]) (ProcessContext[E, O], *StateError) {
			mid, err := first.exec(ctx, pc)
			if err != nil {
				return ProcessContext[E, O]{Entity: pc.Entity}, err
			}
			return second.exec(ctx, mid)
		},
	}
}

// Name returns the stage name, or the chain of names for composed processes.
func (p Process[E, I, O]) Name() string {
	return p.name
}

// Run executes the process for e with the given input.
func (p Process[E, I, O]) Run(ctx context.Context, e E, in I) Outcome[E, O] {
	out, err := p.exec(ctx, ProcessContext[E, I]{Entity: e, Content: in})
	switch {
	case err == nil:
		return Outcome[E, O]{Kind: Succeeded, Context: out}
	case err.Fatal:
		return Outcome[E, O]{Kind: FatalFailure, Context: out, Err: err}
	default:
		return Outcome[E, O]{Kind: RetryableFailure, Context: out, Err: err}
	}
}

func (p Process[E, I, O]) exec(ctx context.Context, pc ProcessContext[E, I]) (ProcessContext[E, O], *StateError) {
	if p.run == nil {
		return ProcessContext[E, O]{Entity: pc.Entity}, newStateError(pc.Entity, p.name, true, "empty process", nil)
	}
	return p.run(ctx, pc)
}

func newStateError[E entity.Stateful](e E, stage string, fatal bool, message string, cause error) *StateError {
	base := baseOf(e)
	return &StateError{
		EntityID:   base.ID,
		State:      base.State,
		StateCount: base.StateCount,
		Stage:      stage,
		Message:    message,
		Fatal:      fatal,
		Cause:      cause,
	}
}

// baseOf tolerates nil pointer entities.
func baseOf[E entity.Stateful](e E) (b entity.Base) {
	defer func() {
		if recover() != nil {
			b = entity.Base{}
		}
	}()
	return e.Entity()
}

var errNoResult = stderrors.New("stage completed without a result")

// await prefers a result that is already available over cancellation.
func await[T any](ctx context.Context, ch <-chan Result[T]) (Result[T], error) {
	select {
	case r, ok := <-ch:
		if !ok {
			return r, errNoResult
		}
		return r, nil
	default:
	}
	select {
	case r, ok := <-ch:
		if !ok {
			return r, errNoResult
		}
		return r, nil
	case <-ctx.Done():
		return Result[T]{}, fmt.Errorf("stage interrupted: %w", ctx.Err())
	}
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}
