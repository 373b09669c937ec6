package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-statemachine/clock"
	"github.com/goliatone/go-statemachine/entity"
	"github.com/goliatone/go-statemachine/lease"
	"github.com/goliatone/go-statemachine/monitor"
)

type transfer struct {
	entity.Base
	RuntimeID string `json:"runtimeId"`
}

func seed(t *testing.T, s *Store[transfer], n int, state int, ts int64) {
	t.Helper()
	for i := 0; i < n; i++ {
		tr := transfer{Base: entity.Base{ID: fmt.Sprintf("t-%02d", i), State: state, StateTimestamp: ts + int64(i)}}
		require.NoError(t, s.Save(context.Background(), tr))
	}
}

func TestNextNotLeasedClaimsInTimestampOrder(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManualMillis(1_000)
	s := New[transfer](WithClock(clk), WithHolderID("runtime-a"), WithLeaseDuration(time.Minute))
	seed(t, s, 5, 100, 10)
	require.NoError(t, s.Save(ctx, transfer{Base: entity.Base{ID: "other", State: 200}}))

	batch, err := s.NextNotLeased(ctx, 3, entity.HasState(100))
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, []string{"t-00", "t-01", "t-02"}, ids(batch))

	next, err := s.NextNotLeased(ctx, 3, entity.HasState(100))
	require.NoError(t, err)
	assert.Equal(t, []string{"t-03", "t-04"}, ids(next))

	empty, err := s.NextNotLeased(ctx, 3, entity.HasState(100))
	require.NoError(t, err)
	assert.Empty(t, empty)

	clk.Advance(time.Minute)
	again, err := s.NextNotLeased(ctx, 10, entity.HasState(100))
	require.NoError(t, err)
	assert.Len(t, again, 5, "expired leases are reclaimed")
}

func TestNoDoubleClaimAcrossHolders(t *testing.T) {
	ctx := context.Background()
	a := New[transfer](WithHolderID("runtime-a"))
	b := a.ForHolder("runtime-b")
	seed(t, a, 40, 100, 0)

	var (
		mu      sync.Mutex
		claimed = map[string]string{}
		wg      sync.WaitGroup
	)
	for _, s := range []*Store[transfer]{a, b, a, b} {
		wg.Add(1)
		go func(s *Store[transfer]) {
			defer wg.Done()
			for {
				batch, err := s.NextNotLeased(ctx, 3, entity.HasState(100))
				if err != nil || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, e := range batch {
					if prev, dup := claimed[e.ID]; dup {
						t.Errorf("entity %s claimed by %s and %s", e.ID, prev, s.HolderID())
					}
					claimed[e.ID] = s.HolderID()
				}
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	assert.Len(t, claimed, 40)
}

func TestFindByIDAndLease(t *testing.T) {
	ctx := context.Background()
	a := New[transfer](WithHolderID("runtime-a"))
	b := a.ForHolder("runtime-b")
	seed(t, a, 1, 100, 0)

	_, err := a.FindByIDAndLease(ctx, "missing")
	assert.True(t, entity.IsNotFound(err))

	got, err := a.FindByIDAndLease(ctx, "t-00")
	require.NoError(t, err)
	assert.Equal(t, 100, got.State)

	_, err = a.FindByIDAndLease(ctx, "t-00")
	require.NoError(t, err, "reentrant for the same holder")

	_, err = b.FindByIDAndLease(ctx, "t-00")
	assert.True(t, entity.IsLeased(err))

	assert.True(t, entity.IsLeased(b.Save(ctx, got)))
	assert.True(t, entity.IsLeased(b.BreakLease(ctx, "t-00")))

	got.TransitionTo(200, time.UnixMilli(5))
	require.NoError(t, a.Update(ctx, got))

	_, err = b.FindByIDAndLease(ctx, "t-00")
	require.NoError(t, err, "update released the lease")
}

func TestUpdateRequiresExisting(t *testing.T) {
	s := New[transfer]()
	err := s.Update(context.Background(), transfer{Base: entity.Base{ID: "nope"}})
	assert.True(t, entity.IsNotFound(err))

	err = s.Save(context.Background(), transfer{})
	assert.Error(t, err)
}

func TestStoredCopiesAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := New[*transfer]()
	tr := &transfer{Base: entity.Base{ID: "x", State: 1}, RuntimeID: "r1"}
	require.NoError(t, s.Save(ctx, tr))

	tr.RuntimeID = "mutated"
	got, err := s.FindByID(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.RuntimeID)
}

func TestListAndCriteriaOnPayload(t *testing.T) {
	ctx := context.Background()
	s := New[transfer]()
	for i, owner := range []string{"r1", "r2", "r1"} {
		require.NoError(t, s.Save(ctx, transfer{
			Base:      entity.Base{ID: fmt.Sprintf("t%d", i), State: 100, UpdatedAt: int64(i * 10)},
			RuntimeID: owner,
		}))
	}

	mine, err := s.List(ctx, 0, entity.HasState(100), entity.Equal("runtimeId", "r1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"t0", "t2"}, ids(mine))

	stale, err := s.List(ctx, 1, entity.NotEqual("runtimeId", "r1"), entity.LessThan(entity.FieldUpdatedAt, 20))
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids(stale))

	_, err = s.List(ctx, 0, entity.Equal("bad field!", 1))
	assert.True(t, entity.IsInvalidCriterion(err))
	assert.Equal(t, 3, s.Len())
}

func TestPurgeExpiredLeases(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManualMillis(0)
	s := New[transfer](WithClock(clk), WithLeaseDuration(time.Second))
	seed(t, s, 3, 100, 0)

	_, err := s.NextNotLeased(ctx, 3)
	require.NoError(t, err)
	clk.Advance(2 * time.Second)

	n, err := s.PurgeExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

var errBackendDown = errors.New("lease backend unavailable")

// flakyLeaser fails Get for one entity and, when breakFails is set, every Break.
type flakyLeaser struct {
	*lease.InMemory
	failGet    string
	breakFails bool
}

func (f *flakyLeaser) Get(ctx context.Context, id string) (lease.Lease, bool, error) {
	if id == f.failGet {
		return lease.Lease{}, false, errBackendDown
	}
	return f.InMemory.Get(ctx, id)
}

func (f *flakyLeaser) Break(ctx context.Context, id, holder string) error {
	if f.breakFails {
		return errBackendDown
	}
	return f.InMemory.Break(ctx, id, holder)
}

func TestNextNotLeasedReleasesPartialBatchOnError(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManualMillis(0)
	leaser := &flakyLeaser{InMemory: lease.NewInMemory(clk)}
	s := New[transfer](WithClock(clk), WithHolderID("runtime-a"), WithLeaser(leaser))
	seed(t, s, 4, 100, 0)

	leaser.failGet = "t-02"
	batch, err := s.NextNotLeased(ctx, 4, entity.HasState(100))
	require.ErrorIs(t, err, errBackendDown)
	assert.Nil(t, batch)

	for _, id := range []string{"t-00", "t-01"} {
		_, leased, err := leaser.InMemory.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, leased, id)
	}

	leaser.failGet = ""
	batch, err = s.ForHolder("runtime-b").NextNotLeased(ctx, 4, entity.HasState(100))
	require.NoError(t, err)
	assert.Len(t, batch, 4)
}

func TestSaveKeepsWriteWhenLeaseReleaseFails(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManualMillis(0)
	var buf bytes.Buffer
	leaser := &flakyLeaser{InMemory: lease.NewInMemory(clk), breakFails: true}
	s := New[transfer](WithClock(clk), WithLeaser(leaser), WithMonitor(monitor.NewFmt(&buf)))

	require.NoError(t, s.Save(ctx, transfer{Base: entity.Base{ID: "t1", State: 100}}))
	got, err := s.FindByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 100, got.State)
	assert.Contains(t, buf.String(), "entity t1 saved but its lease was not released")
}

func ids[E entity.Stateful](items []E) []string {
	out := make([]string, 0, len(items))
	for _, e := range items {
		out = append(out, e.Entity().ID)
	}
	return out
}
