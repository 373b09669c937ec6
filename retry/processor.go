package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-statemachine/clock"
	"github.com/goliatone/go-statemachine/entity"
	"github.com/goliatone/go-statemachine/metrics"
	"github.com/goliatone/go-statemachine/monitor"
)

// Runtime carries the collaborators a retry processor needs. One Runtime is
// shared by every entity of a workflow.
type Runtime struct {
	Clock         clock.Clock
	Monitor       monitor.Monitor
	Metrics       metrics.Recorder
	Configuration Configuration
}

func (r Runtime) normalized() Runtime {
	r.Clock = clock.Normalize(r.Clock)
	r.Monitor = monitor.Normalize(r.Monitor)
	r.Metrics = metrics.Normalize(r.Metrics)
	r.Configuration = r.Configuration.normalized()
	return r
}

// Callbacks receive the outcome of Execute. They are responsible for
// computing and persisting the next state. A nil callback is skipped.
type Callbacks[E entity.Stateful, C any] struct {
	OnSuccess      func(ctx context.Context, e E, content C) error
	OnFailure      func(ctx context.Context, e E, err error) error
	OnFinalFailure func(ctx context.Context, e E, err error) error
}

// Processor runs a Process for a single entity and routes its outcome.
// It never writes to the store itself.
type Processor[E entity.Stateful, I, O any] struct {
	entity    E
	runtime   Runtime
	process   Process[E, I, O]
	input     I
	callbacks Callbacks[E, O]
}

func NewProcessor[E entity.Stateful, I, O any](e E, rt Runtime, process Process[E, I, O], input I, cb Callbacks[E, O]) *Processor[E, I, O] {
	return &Processor[E, I, O]{
		entity:    e,
		runtime:   rt.normalized(),
		process:   process,
		input:     input,
		callbacks: cb,
	}
}

// Execute returns false only when the entity is still waiting out its
// backoff delay. Otherwise exactly one callback runs and Execute returns
// true together with any error that callback returned.
func (p *Processor[E, I, O]) Execute(ctx context.Context) (bool, error) {
	base := baseOf(p.entity)
	stage := p.process.Name()
	log := monitor.WithFields(p.runtime.Monitor.WithContext(ctx), map[string]any{
		"entity_id":   base.ID,
		"state":       base.State,
		"state_count": base.StateCount,
		"stage":       stage,
	})

	if wait, due := p.backoffRemaining(base); !due {
		log.Debug(fmt.Sprintf("entity %s not processed: waiting %s before attempt %d", base.ID, wait, base.StateCount+1))
		p.runtime.Metrics.RecordOutcome(stage, metrics.OutcomeBackoff)
		return false, nil
	}

	outcome := p.process.Run(ctx, p.entity, p.input)
	limit := p.runtime.Configuration.RetryLimit

	switch outcome.Kind {
	case Succeeded:
		p.runtime.Metrics.RecordOutcome(stage, metrics.OutcomeSucceeded)
		if cb := p.callbacks.OnSuccess; cb != nil {
			if err := cb(ctx, p.entity, outcome.Context.Content); err != nil {
				return true, callbackError("success", nil, base.ID, stage, err)
			}
		}
		return true, nil

	case FatalFailure:
		serr := outcome.Err
		log.Error(fmt.Sprintf("unrecoverable failure in stage %s. Cause: %s", serr.Stage, serr.Message))
		return true, p.finalFailure(ctx, serr, base.ID, stage)

	default:
		serr := outcome.Err
		if serr.StateCount > limit {
			serr.Exhausted = true
			log.Error(fmt.Sprintf("Retry limit exceeded. Cause: %s", serr.Message))
			return true, p.finalFailure(ctx, serr, base.ID, stage)
		}
		log.Debug(fmt.Sprintf("failed to process. Cause: %s", serr.Message))
		p.runtime.Metrics.RecordOutcome(stage, metrics.OutcomeRetry)
		if cb := p.callbacks.OnFailure; cb != nil {
			if err := cb(ctx, p.entity, serr); err != nil {
				return true, callbackError("failure", serr, base.ID, stage, err)
			}
		}
		return true, nil
	}
}

func (p *Processor[E, I, O]) finalFailure(ctx context.Context, serr *StateError, id, stage string) error {
	p.runtime.Metrics.RecordOutcome(stage, metrics.OutcomeFinalFailure)
	if cb := p.callbacks.OnFinalFailure; cb != nil {
		if err := cb(ctx, p.entity, serr); err != nil {
			return callbackError("final failure", serr, id, stage, err)
		}
	}
	return nil
}

// backoffRemaining reports how long the entity still has to wait. The first
// attempt in a state is always due.
func (p *Processor[E, I, O]) backoffRemaining(base entity.Base) (time.Duration, bool) {
	if base.StateCount <= 0 {
		return 0, true
	}
	delay := p.runtime.Configuration.DelayFor(base.StateCount)
	elapsed := time.Duration(clock.Millis(p.runtime.Clock)-base.StateTimestamp) * time.Millisecond
	if elapsed < delay {
		return delay - elapsed, false
	}
	return 0, true
}
