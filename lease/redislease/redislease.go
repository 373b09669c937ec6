// Package redislease stores entity leases in Redis so that runtime instances
// sharing an entity store can also share lease state.
package redislease

import (
	"context"
	"fmt"
	"strconv"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-statemachine/clock"
	"github.com/goliatone/go-statemachine/entity"
	"github.com/goliatone/go-statemachine/lease"
)

const DefaultPrefix = "statemachine:lease:"

// Each lease is a hash (holder, leased_at, duration_ms) whose TTL is the
// lease duration, so expiry is enforced by Redis.
var acquireScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[1], 'holder')
if holder and holder ~= ARGV[1] then
  return {0, holder}
end
redis.call('HSET', KEYS[1], 'holder', ARGV[1], 'leased_at', ARGV[2], 'duration_ms', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return {1, ARGV[1]}
`)

var breakScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[1], 'holder')
if not holder then
  return {1, ''}
end
if holder ~= ARGV[1] then
  return {0, holder}
end
redis.call('DEL', KEYS[1])
return {1, holder}
`)

// Leaser implements lease.Leaser on Redis.
type Leaser struct {
	client redis.UniversalClient
	prefix string
	clock  clock.Clock
}

type Option func(*Leaser)

// WithPrefix namespaces lease keys.
func WithPrefix(prefix string) Option {
	return func(l *Leaser) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

// WithClock sets the clock used to stamp LeasedAt.
func WithClock(c clock.Clock) Option {
	return func(l *Leaser) {
		l.clock = clock.Normalize(c)
	}
}

func New(client redis.UniversalClient, opts ...Option) *Leaser {
	l := &Leaser{
		client: client,
		prefix: DefaultPrefix,
		clock:  clock.System(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Dial parses a redis:// URL and verifies the connection.
func Dial(ctx context.Context, url string, opts ...Option) (*Leaser, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryBadInput, "failed to parse redis URL")
	}
	client := redis.NewClient(redisOpts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, apperrors.Wrap(err, apperrors.CategoryExternal, "failed to connect to redis")
	}
	return New(client, opts...), nil
}

// Close closes the underlying client.
func (l *Leaser) Close() error {
	return l.client.Close()
}

func (l *Leaser) key(entityID string) string {
	return l.prefix + entityID
}

func (l *Leaser) Acquire(ctx context.Context, entityID, holder string, d time.Duration) (lease.Lease, error) {
	if d <= 0 {
		d = lease.DefaultDuration
	}
	now := l.clock.Now().UnixMilli()
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	res, err := acquireScript.Run(ctx, l.client, []string{l.key(entityID)}, holder, now, ms).Slice()
	if err != nil {
		return lease.Lease{}, apperrors.Wrap(err, apperrors.CategoryExternal, "redis lease acquire failed").
			WithMetadata(map[string]any{"entity_id": entityID})
	}
	ok, owner, err := scriptResult(res)
	if err != nil {
		return lease.Lease{}, err
	}
	if !ok {
		return lease.Lease{}, entity.Leased(entityID, owner)
	}
	return lease.Lease{EntityID: entityID, HolderID: holder, LeasedAt: now, Duration: d}, nil
}

func (l *Leaser) Break(ctx context.Context, entityID, holder string) error {
	res, err := breakScript.Run(ctx, l.client, []string{l.key(entityID)}, holder).Slice()
	if err != nil {
		return apperrors.Wrap(err, apperrors.CategoryExternal, "redis lease break failed").
			WithMetadata(map[string]any{"entity_id": entityID})
	}
	ok, owner, err := scriptResult(res)
	if err != nil {
		return err
	}
	if !ok {
		return entity.Leased(entityID, owner)
	}
	return nil
}

func (l *Leaser) Get(ctx context.Context, entityID string) (lease.Lease, bool, error) {
	values, err := l.client.HGetAll(ctx, l.key(entityID)).Result()
	if err != nil {
		return lease.Lease{}, false, apperrors.Wrap(err, apperrors.CategoryExternal, "redis lease lookup failed")
	}
	holder, ok := values["holder"]
	if !ok {
		return lease.Lease{}, false, nil
	}
	leasedAt, _ := strconv.ParseInt(values["leased_at"], 10, 64)
	durationMs, _ := strconv.ParseInt(values["duration_ms"], 10, 64)
	return lease.Lease{
		EntityID: entityID,
		HolderID: holder,
		LeasedAt: leasedAt,
		Duration: time.Duration(durationMs) * time.Millisecond,
	}, true, nil
}

func scriptResult(res []any) (bool, string, error) {
	if len(res) != 2 {
		return false, "", apperrors.New(fmt.Sprintf("unexpected lease script reply %v", res), apperrors.CategoryExternal)
	}
	code, _ := res[0].(int64)
	owner, _ := res[1].(string)
	return code == 1, owner, nil
}
