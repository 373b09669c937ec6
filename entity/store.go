package entity

import "context"

// Store persists entities of one kind together with their leases. Every
// read that hands an entity to a processor claims a lease for the store's
// holder; writes release it.
type Store[E Stateful] interface {
	// NextNotLeased atomically selects up to max entities that match all
	// criteria and carry no unexpired lease, and leases them.
	NextNotLeased(ctx context.Context, max int, criteria ...Criterion) ([]E, error)
	// FindByIDAndLease loads one entity and leases it. It fails with
	// ErrLeased when another holder owns an unexpired lease.
	FindByIDAndLease(ctx context.Context, id string) (E, error)
	FindByID(ctx context.Context, id string) (E, error)
	// Save upserts the entity and breaks the caller's lease in the same write.
	Save(ctx context.Context, e E) error
	// Update behaves like Save but fails with ErrNotFound for unknown ids.
	Update(ctx context.Context, e E) error
	BreakLease(ctx context.Context, id string) error
	List(ctx context.Context, limit int, criteria ...Criterion) ([]E, error)
}

// LeaseSweeper is implemented by stores that can drop expired leases in bulk.
type LeaseSweeper interface {
	PurgeExpiredLeases(ctx context.Context) (int, error)
}

// HolderReporter exposes the lease holder identity a store claims with.
type HolderReporter interface {
	HolderID() string
}
