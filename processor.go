package statemachine

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-statemachine/entity"
	"github.com/goliatone/go-statemachine/metrics"
	"github.com/goliatone/go-statemachine/monitor"
)

// Processor is one unit of work of a manager tick. Process returns the
// number of entities it actually handled; zero means no work was found.
type Processor interface {
	Name() string
	Process(ctx context.Context) (int, error)
}

// ProcessorConfig configures an EntityProcessor.
//
// Entities must claim a lease on every entity it returns. Handle reports
// whether the entity was processed; when it returns false, OnNotProcessed
// is called once so the lease can be released before it expires.
type ProcessorConfig[E entity.Stateful] struct {
	Name           string
	Entities       func(ctx context.Context) ([]E, error)
	Handle         func(ctx context.Context, e E) (bool, error)
	OnNotProcessed func(ctx context.Context, e E) error
	// Concurrency above 1 handles the batch in parallel with at most
	// Concurrency entities in flight.
	Concurrency int
	Monitor     monitor.Monitor
	Metrics     metrics.Recorder
}

// EntityProcessor applies a handler to batches of claimed entities.
type EntityProcessor[E entity.Stateful] struct {
	cfg ProcessorConfig[E]
}

// NewProcessor validates cfg and builds the processor.
func NewProcessor[E entity.Stateful](cfg ProcessorConfig[E]) (*EntityProcessor[E], error) {
	var missing []string
	if strings.TrimSpace(cfg.Name) == "" {
		missing = append(missing, "name")
	}
	if cfg.Entities == nil {
		missing = append(missing, "entities supplier")
	}
	if cfg.Handle == nil {
		missing = append(missing, "handler")
	}
	if len(missing) > 0 {
		return nil, cloneError(ErrInvalidProcessor,
			"invalid processor configuration: missing "+strings.Join(missing, ", "),
			map[string]any{"processor": cfg.Name, "missing": missing})
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	cfg.Monitor = monitor.Normalize(cfg.Monitor)
	cfg.Metrics = metrics.Normalize(cfg.Metrics)
	return &EntityProcessor[E]{cfg: cfg}, nil
}

func (p *EntityProcessor[E]) Name() string { return p.cfg.Name }

// Process fetches one batch and handles each entity once. A handler error
// or panic aborts the batch: entities not yet visited get their lease
// released and the error is returned.
func (p *EntityProcessor[E]) Process(ctx context.Context) (processed int, err error) {
	log := monitor.WithFields(p.cfg.Monitor.WithContext(ctx), map[string]any{"processor": p.cfg.Name})
	defer capturePanic("processor "+p.cfg.Name, log, nil, &err)

	batch, err := p.cfg.Entities(ctx)
	if err != nil {
		p.release(ctx, log, batch)
		return 0, err
	}
	p.cfg.Metrics.RecordClaimed(p.cfg.Name, len(batch))
	if len(batch) == 0 {
		return 0, nil
	}
	log.Trace(fmt.Sprintf("claimed %d entities", len(batch)))

	var count atomic.Int64
	if p.cfg.Concurrency == 1 || len(batch) == 1 {
		err = p.sequential(ctx, log, batch, &count)
	} else {
		err = p.concurrent(ctx, log, batch, &count)
	}

	processed = int(count.Load())
	p.cfg.Metrics.RecordProcessed(p.cfg.Name, processed)
	return processed, err
}

func (p *EntityProcessor[E]) sequential(ctx context.Context, log monitor.Monitor, batch []E, count *atomic.Int64) error {
	for i, e := range batch {
		if err := p.handle(ctx, log, e, count); err != nil {
			p.release(ctx, log, batch[i+1:])
			return err
		}
	}
	return nil
}

func (p *EntityProcessor[E]) concurrent(ctx context.Context, log monitor.Monitor, batch []E, count *atomic.Int64) error {
	var aborted atomic.Bool
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Concurrency)

	for _, e := range batch {
		g.Go(func() error {
			if aborted.Load() {
				p.release(ctx, log, []E{e})
				return nil
			}
			if err := p.handle(ctx, log, e, count); err != nil {
				aborted.Store(true)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *EntityProcessor[E]) handle(ctx context.Context, log monitor.Monitor, e E, count *atomic.Int64) (err error) {
	id := e.Entity().ID
	defer capturePanic("handler of "+p.cfg.Name, log, map[string]any{"entity_id": id}, &err)

	ok, err := p.cfg.Handle(ctx, e)
	if err != nil {
		log.Error(fmt.Sprintf("handler failed for entity %s: %v", id, err))
		return err
	}
	if ok {
		count.Add(1)
		return nil
	}
	p.notProcessed(ctx, log, e)
	return nil
}

func (p *EntityProcessor[E]) release(ctx context.Context, log monitor.Monitor, rest []E) {
	for _, e := range rest {
		p.notProcessed(ctx, log, e)
	}
}

// notProcessed runs OnNotProcessed. Failures are logged only: the lease
// still expires on its own.
func (p *EntityProcessor[E]) notProcessed(ctx context.Context, log monitor.Monitor, e E) {
	p.cfg.Metrics.RecordNotProcessed(p.cfg.Name)
	if p.cfg.OnNotProcessed == nil {
		return
	}
	id := e.Entity().ID
	var err error
	func() {
		defer capturePanic("not processed callback of "+p.cfg.Name, log, map[string]any{"entity_id": id}, &err)
		err = p.cfg.OnNotProcessed(ctx, e)
	}()
	if err != nil {
		log.Warn(fmt.Sprintf("failed to release lease of entity %s: %v", id, err))
	}
}

// EntitiesInState returns an entity supplier for Processor configs that
// claims up to batchSize entities in state, further filtered by extra.
func EntitiesInState[E entity.Stateful](store entity.Store[E], batchSize int, state int, extra ...entity.Criterion) func(context.Context) ([]E, error) {
	criteria := make([]entity.Criterion, 0, len(extra)+1)
	criteria = append(criteria, entity.HasState(state))
	criteria = append(criteria, extra...)
	if batchSize < 1 {
		batchSize = 1
	}
	return func(ctx context.Context) ([]E, error) {
		return store.NextNotLeased(ctx, batchSize, criteria...)
	}
}
