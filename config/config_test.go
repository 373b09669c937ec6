package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-statemachine/backoff"
	"github.com/goliatone/go-statemachine/monitor"
)

func TestParseEmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultName, cfg.Name)
	assert.NotEmpty(t, cfg.InstanceID)
	assert.Equal(t, 5, cfg.BatchSize)
	assert.Equal(t, 1, cfg.Concurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.Idle)
	assert.Equal(t, 60*time.Second, cfg.Lease.Duration)
	assert.Equal(t, 7, cfg.Retry.Limit)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, LeaseBackendStore, cfg.LeaseBackend.Driver)
}

func TestParseOverridesAndExpandsEnv(t *testing.T) {
	t.Setenv("SM_TEST_DSN", "file:transfers.db")

	cfg, err := Parse([]byte(`
name: transfers
instance_id: runtime-a
batch_size: 20
concurrency: 4
idle: 2s
lease:
  duration: 30s
retry:
  limit: 3
  backoff:
    kind: fixed
    base: 250ms
store:
  driver: sqlite
  dsn: ${SM_TEST_DSN}
  kind: transfer
  migrate: true
sweep:
  schedule: "@every 1m"
log:
  level: debug
  format: json
metrics:
  enabled: true
`))
	require.NoError(t, err)

	assert.Equal(t, "transfers", cfg.Name)
	assert.Equal(t, "runtime-a", cfg.InstanceID)
	assert.Equal(t, 20, cfg.BatchSize)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 2*time.Second, cfg.Idle)
	assert.Equal(t, 30*time.Second, cfg.Lease.Duration)
	assert.Equal(t, "file:transfers.db", cfg.Store.DSN)
	assert.Equal(t, "transfer", cfg.Store.Kind)
	assert.True(t, cfg.Store.Migrate)
	assert.Equal(t, "@every 1m", cfg.Sweep.Schedule)
	assert.Equal(t, DefaultMetricsNS, cfg.Metrics.Namespace)

	rc := cfg.RetryConfiguration()
	assert.Equal(t, 3, rc.RetryLimit)
	assert.Equal(t, 250*time.Millisecond, rc.DelayFor(1))
	assert.Equal(t, 250*time.Millisecond, rc.DelayFor(5))
	assert.Equal(t, time.Duration(0), rc.DelayFor(0))
	assert.Equal(t, 2*time.Second, cfg.IdleStrategy().NextDelay())
}

func TestParseRejectsInvalidValues(t *testing.T) {
	_, err := Parse([]byte(`
batch_size: 0
retry:
  backoff:
    kind: random
store:
  driver: postgres
log:
  format: xml
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	for _, fragment := range []string{"batch_size", "retry.backoff.kind", "store.dsn", "log.format"} {
		assert.Contains(t, err.Error(), fragment)
	}
}

func TestRedisBackendRequiresURLAndMemoryStore(t *testing.T) {
	_, err := Parse([]byte(`
store:
  driver: sqlite
  dsn: file:x.db
lease_backend:
  driver: redis
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis_url")
	assert.Contains(t, err.Error(), "memory store")

	_, err = Parse([]byte(`
lease_backend:
  driver: redis
  redis_url: redis://localhost:6379/0
`))
	require.NoError(t, err)
}

func TestBackoffSupplierKinds(t *testing.T) {
	exp := BackoffConfig{Kind: BackoffExponential, Base: 100 * time.Millisecond, Max: time.Second, Factor: 3}
	s := exp.Supplier()()
	assert.Equal(t, 100*time.Millisecond, s.NextDelay())
	assert.Equal(t, 300*time.Millisecond, s.NextDelay())
	assert.Equal(t, 900*time.Millisecond, s.NextDelay())
	assert.Equal(t, time.Second, s.NextDelay())

	linear := BackoffConfig{Kind: BackoffLinear, Base: time.Second, Max: 2 * time.Second}
	primed := backoff.Prime(linear.Supplier()(), 5)
	assert.Equal(t, 2*time.Second, primed.NextDelay())

	jittered := BackoffConfig{Kind: BackoffFixed, Base: time.Second, Jitter: true}
	for range 20 {
		d := jittered.Supplier()().NextDelay()
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, time.Second)
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statemachine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: from-file\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestMonitorFormats(t *testing.T) {
	cfg := Defaults()
	cfg.Log.Level = "warning"

	buf := &bytes.Buffer{}
	m := cfg.Monitor(buf)
	m.Info("hidden")
	m.Warn("visible")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "WARN")
	assert.Contains(t, buf.String(), "visible")

	cfg.Log.Format = LogFormatJSON
	_, ok := cfg.Monitor(&bytes.Buffer{}).(monitor.FieldsMonitor)
	assert.True(t, ok)

	cfg.Log.Format = LogFormatConsole
	buf.Reset()
	cfg.Monitor(buf).Error("console line")
	assert.True(t, strings.Contains(buf.String(), "console line"))
}
