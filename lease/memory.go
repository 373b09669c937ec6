package lease

import (
	"context"
	"sync"
	"time"

	"github.com/goliatone/go-statemachine/clock"
	"github.com/goliatone/go-statemachine/entity"
)

// InMemory keeps leases in a mutex guarded map.
type InMemory struct {
	mu     sync.Mutex
	clock  clock.Clock
	leases map[string]Lease
}

func NewInMemory(c clock.Clock) *InMemory {
	return &InMemory{
		clock:  clock.Normalize(c),
		leases: make(map[string]Lease),
	}
}

func (m *InMemory) Acquire(ctx context.Context, entityID, holder string, d time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}
	if d <= 0 {
		d = DefaultDuration
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if current, ok := m.leases[entityID]; ok && !current.Expired(now) && current.HolderID != holder {
		return Lease{}, entity.Leased(entityID, current.HolderID)
	}
	l := Lease{EntityID: entityID, HolderID: holder, LeasedAt: now.UnixMilli(), Duration: d}
	m.leases[entityID] = l
	return l, nil
}

func (m *InMemory) Break(ctx context.Context, entityID, holder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.leases[entityID]
	if !ok {
		return nil
	}
	if current.HolderID != holder && !current.Expired(m.clock.Now()) {
		return entity.Leased(entityID, current.HolderID)
	}
	delete(m.leases, entityID)
	return nil
}

func (m *InMemory) Get(ctx context.Context, entityID string) (Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.leases[entityID]
	if !ok || current.Expired(m.clock.Now()) {
		return Lease{}, false, nil
	}
	return current, true, nil
}

// PurgeExpired drops expired leases and returns how many were removed.
func (m *InMemory) PurgeExpired(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	purged := 0
	for id, l := range m.leases {
		if l.Expired(now) {
			delete(m.leases, id)
			purged++
		}
	}
	return purged, nil
}
