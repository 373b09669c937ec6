package redislease

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-statemachine/clock"
	"github.com/goliatone/go-statemachine/entity"
)

func newLeaser(t *testing.T) (*Leaser, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, WithClock(clock.NewManualMillis(42_000))), mr
}

func TestAcquireAndConflict(t *testing.T) {
	ctx := context.Background()
	leaser, mr := newLeaser(t)

	l, err := leaser.Acquire(ctx, "e1", "runtime-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(42_000), l.LeasedAt)
	assert.True(t, mr.Exists(DefaultPrefix+"e1"))

	_, err = leaser.Acquire(ctx, "e1", "runtime-b", time.Minute)
	require.Error(t, err)
	assert.True(t, entity.IsLeased(err))

	_, err = leaser.Acquire(ctx, "e1", "runtime-a", time.Minute)
	require.NoError(t, err, "same holder refreshes")

	got, ok, err := leaser.Get(ctx, "e1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "runtime-a", got.HolderID)
	assert.Equal(t, time.Minute, got.Duration)
}

func TestLeaseExpiresWithTTL(t *testing.T) {
	ctx := context.Background()
	leaser, mr := newLeaser(t)

	_, err := leaser.Acquire(ctx, "e1", "runtime-a", 2*time.Second)
	require.NoError(t, err)

	mr.FastForward(3 * time.Second)

	_, ok, err := leaser.Get(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = leaser.Acquire(ctx, "e1", "runtime-b", time.Second)
	require.NoError(t, err)
}

func TestBreak(t *testing.T) {
	ctx := context.Background()
	leaser, _ := newLeaser(t)

	require.NoError(t, leaser.Break(ctx, "absent", "runtime-a"))

	_, err := leaser.Acquire(ctx, "e1", "runtime-a", time.Minute)
	require.NoError(t, err)

	err = leaser.Break(ctx, "e1", "runtime-b")
	assert.True(t, entity.IsLeased(err))

	require.NoError(t, leaser.Break(ctx, "e1", "runtime-a"))
	_, ok, err := leaser.Get(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	ctx := context.Background()
	leaser, _ := newLeaser(t)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := leaser.Acquire(ctx, "e1", fmt.Sprintf("runtime-%d", i), time.Minute); err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestPrefixOption(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	leaser := New(client, WithPrefix("custom:"))
	_, err := leaser.Acquire(context.Background(), "e1", "h", time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("custom:e1"))
}
