// Package memory is an in-process entity store. Entities are kept as JSON
// documents so callers never share memory with the store, and leases go
// through a lease.Leaser so a shared backend (Redis) can coordinate several
// processes.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-statemachine/clock"
	"github.com/goliatone/go-statemachine/entity"
	"github.com/goliatone/go-statemachine/lease"
	"github.com/goliatone/go-statemachine/monitor"
)

type options struct {
	clock         clock.Clock
	holderID      string
	leaseDuration time.Duration
	leaser        lease.Leaser
	monitor       monitor.Monitor
}

// Option configures a Store.
type Option func(*options)

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithHolderID sets the identity leases are claimed under. Defaults to a
// random UUID.
func WithHolderID(id string) Option {
	return func(o *options) {
		if id != "" {
			o.holderID = id
		}
	}
}

func WithLeaseDuration(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.leaseDuration = d
		}
	}
}

// WithLeaser replaces the in-memory leaser.
func WithLeaser(l lease.Leaser) Option {
	return func(o *options) { o.leaser = l }
}

func WithMonitor(m monitor.Monitor) Option {
	return func(o *options) { o.monitor = m }
}

// Store implements entity.Store in memory.
type Store[E entity.Stateful] struct {
	*shared
	clock         clock.Clock
	holderID      string
	leaseDuration time.Duration
	leaser        lease.Leaser
	monitor       monitor.Monitor
}

type shared struct {
	mu      sync.Mutex
	records map[string]record
}

type record struct {
	base entity.Base
	data []byte
}

func New[E entity.Stateful](opts ...Option) *Store[E] {
	o := options{leaseDuration: lease.DefaultDuration}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.clock = clock.Normalize(o.clock)
	if o.holderID == "" {
		o.holderID = uuid.NewString()
	}
	if o.leaser == nil {
		o.leaser = lease.NewInMemory(o.clock)
	}
	return &Store[E]{
		clock:         o.clock,
		holderID:      o.holderID,
		leaseDuration: o.leaseDuration,
		leaser:        o.leaser,
		monitor:       monitor.Normalize(o.monitor),
		shared:        &shared{records: make(map[string]record)},
	}
}

// ForHolder returns a view over the same entities and leases that claims
// under another holder id, as a second runtime instance would.
func (s *Store[E]) ForHolder(holderID string) *Store[E] {
	cp := *s
	cp.holderID = holderID
	return &cp
}

// HolderID is the identity leases are claimed under.
func (s *Store[E]) HolderID() string { return s.holderID }

func (s *Store[E]) NextNotLeased(ctx context.Context, batch int, criteria ...entity.Criterion) ([]E, error) {
	if err := entity.ValidateAll(criteria); err != nil {
		return nil, err
	}
	if batch <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates, err := s.matching(criteria)
	if err != nil {
		return nil, err
	}

	out := make([]E, 0, min(batch, len(candidates)))
	for _, rec := range candidates {
		if len(out) == batch {
			break
		}
		if _, leased, err := s.leaser.Get(ctx, rec.base.ID); err != nil {
			s.unclaim(ctx, out)
			return nil, err
		} else if leased {
			continue
		}
		if _, err := s.leaser.Acquire(ctx, rec.base.ID, s.holderID, s.leaseDuration); err != nil {
			if entity.IsLeased(err) {
				continue
			}
			s.unclaim(ctx, out)
			return nil, err
		}
		e, err := entity.Decode[E](rec.data)
		if err != nil {
			_ = s.leaser.Break(ctx, rec.base.ID, s.holderID)
			s.unclaim(ctx, out)
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// unclaim breaks the leases taken by a batch that failed part way. Break
// errors are dropped: those leases expire on their own.
func (s *Store[E]) unclaim(ctx context.Context, claimed []E) {
	for _, e := range claimed {
		_ = s.leaser.Break(ctx, e.Entity().ID, s.holderID)
	}
}

func (s *Store[E]) FindByIDAndLease(ctx context.Context, id string) (E, error) {
	var zero E
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return zero, entity.NotFound(id)
	}
	if _, err := s.leaser.Acquire(ctx, id, s.holderID, s.leaseDuration); err != nil {
		return zero, err
	}
	return entity.Decode[E](rec.data)
}

func (s *Store[E]) FindByID(ctx context.Context, id string) (E, error) {
	var zero E
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return zero, entity.NotFound(id)
	}
	return entity.Decode[E](rec.data)
}

func (s *Store[E]) Save(ctx context.Context, e E) error {
	return s.write(ctx, e, false)
}

func (s *Store[E]) Update(ctx context.Context, e E) error {
	return s.write(ctx, e, true)
}

func (s *Store[E]) write(ctx context.Context, e E, mustExist bool) error {
	base := e.Entity()
	if err := entity.Validate(base); err != nil {
		return err
	}
	data, err := entity.Encode(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[base.ID]; mustExist && !ok {
		return entity.NotFound(base.ID)
	}
	if _, err := s.leaser.Acquire(ctx, base.ID, s.holderID, s.leaseDuration); err != nil {
		return err
	}
	s.records[base.ID] = record{base: base, data: data}
	// The write has happened; a lease that cannot be broken is left to expire.
	if err := s.leaser.Break(ctx, base.ID, s.holderID); err != nil {
		s.monitor.Warn(fmt.Sprintf("entity %s saved but its lease was not released: %v", base.ID, err))
	}
	return nil
}

func (s *Store[E]) BreakLease(ctx context.Context, id string) error {
	return s.leaser.Break(ctx, id, s.holderID)
}

// List returns matching entities without leasing them. limit <= 0 means all.
func (s *Store[E]) List(ctx context.Context, limit int, criteria ...entity.Criterion) ([]E, error) {
	if err := entity.ValidateAll(criteria); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates, err := s.matching(criteria)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]E, 0, len(candidates))
	for _, rec := range candidates {
		e, err := entity.Decode[E](rec.data)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Len reports how many entities are stored.
func (s *Store[E]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// PurgeExpiredLeases delegates to the leaser when it can sweep.
func (s *Store[E]) PurgeExpiredLeases(ctx context.Context) (int, error) {
	if p, ok := s.leaser.(lease.Purger); ok {
		return p.PurgeExpired(ctx)
	}
	return 0, nil
}

// matching returns records ordered by state timestamp, then id.
func (s *Store[E]) matching(criteria []entity.Criterion) ([]record, error) {
	out := make([]record, 0, len(s.records))
	for _, rec := range s.records {
		if len(criteria) > 0 {
			doc, err := entity.Document(rec.data)
			if err != nil {
				return nil, err
			}
			if !entity.MatchesAll(doc, criteria) {
				continue
			}
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].base.StateTimestamp != out[j].base.StateTimestamp {
			return out[i].base.StateTimestamp < out[j].base.StateTimestamp
		}
		return out[i].base.ID < out[j].base.ID
	})
	return out, nil
}
