// Package lease defines time-bounded ownership claims on entities and the
// contract every lease backend satisfies.
package lease

import (
	"context"
	"time"
)

// DefaultDuration is used when a holder does not configure one.
const DefaultDuration = 60 * time.Second

// Lease is an ownership claim. It is never mutated; refreshing replaces it.
type Lease struct {
	EntityID string
	HolderID string
	LeasedAt int64 // epoch millis
	Duration time.Duration
}

// ExpiresAt is the instant the lease stops protecting the entity.
func (l Lease) ExpiresAt() time.Time {
	return time.UnixMilli(l.LeasedAt).Add(l.Duration)
}

// Expired reports whether the lease no longer protects the entity.
func (l Lease) Expired(now time.Time) bool {
	return now.UnixMilli()-l.LeasedAt >= l.Duration.Milliseconds()
}

// HeldBy reports whether holder owns an unexpired lease.
func (l Lease) HeldBy(holder string, now time.Time) bool {
	return l.HolderID == holder && !l.Expired(now)
}

// Leaser acquires and breaks leases atomically.
type Leaser interface {
	// Acquire succeeds when no lease exists, the existing lease expired, or
	// it is already held by holder (in which case it is refreshed).
	// Otherwise it returns an entity.ErrLeased error.
	Acquire(ctx context.Context, entityID, holder string, d time.Duration) (Lease, error)
	// Break releases the lease. Breaking an absent or expired lease is a
	// no-op; breaking another holder's unexpired lease fails with ErrLeased.
	Break(ctx context.Context, entityID, holder string) error
	// Get returns the unexpired lease for entityID, if any.
	Get(ctx context.Context, entityID string) (Lease, bool, error)
}

// Purger is implemented by leasers that keep expired leases around until swept.
type Purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}
