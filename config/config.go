// Package config loads runtime settings for a state machine deployment from
// YAML. Environment variables referenced as ${NAME} are expanded before
// parsing.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-statemachine/backoff"
	"github.com/goliatone/go-statemachine/monitor"
	"github.com/goliatone/go-statemachine/retry"
)

const (
	DefaultName          = "statemachine"
	DefaultBatchSize     = 5
	DefaultConcurrency   = 1
	DefaultIdle          = 500 * time.Millisecond
	DefaultLeaseDuration = 60 * time.Second
	DefaultStoreKind     = "entity"
	DefaultMetricsNS     = "statemachine"
)

const (
	BackoffFixed       = "fixed"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Lease backends. Redis pairs with the memory store only; the SQL stores
// keep leases in the same transaction as the claim.
const (
	LeaseBackendStore = "store"
	LeaseBackendRedis = "redis"
)

const (
	LogFormatFmt     = "fmt"
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = apperrors.New("invalid configuration", apperrors.CategoryValidation).
	WithTextCode("CONFIG_INVALID")

type Config struct {
	Name         string             `yaml:"name"`
	InstanceID   string             `yaml:"instance_id"`
	BatchSize    int                `yaml:"batch_size"`
	Concurrency  int                `yaml:"concurrency"`
	Idle         time.Duration      `yaml:"idle"`
	Lease        LeaseConfig        `yaml:"lease"`
	Retry        RetryConfig        `yaml:"retry"`
	Store        StoreConfig        `yaml:"store"`
	LeaseBackend LeaseBackendConfig `yaml:"lease_backend"`
	Sweep        SweepConfig        `yaml:"sweep"`
	Log          LogConfig          `yaml:"log"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

type LeaseConfig struct {
	Duration time.Duration `yaml:"duration"`
}

type RetryConfig struct {
	Limit   int           `yaml:"limit"`
	Backoff BackoffConfig `yaml:"backoff"`
}

// BackoffConfig describes a wait strategy. Max and Factor are ignored by
// strategies that do not use them.
type BackoffConfig struct {
	Kind   string        `yaml:"kind"`
	Base   time.Duration `yaml:"base"`
	Max    time.Duration `yaml:"max"`
	Factor float64       `yaml:"factor"`
	Jitter bool          `yaml:"jitter"`
}

type StoreConfig struct {
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	Kind    string `yaml:"kind"`
	Migrate bool   `yaml:"migrate"`
}

type LeaseBackendConfig struct {
	Driver   string `yaml:"driver"`
	RedisURL string `yaml:"redis_url"`
}

// SweepConfig schedules expired lease purges. An empty schedule disables
// sweeping.
type SweepConfig struct {
	Schedule string `yaml:"schedule"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Defaults returns a configuration for a single in-memory runtime.
func Defaults() Config {
	return Config{
		Name:        DefaultName,
		InstanceID:  uuid.NewString(),
		BatchSize:   DefaultBatchSize,
		Concurrency: DefaultConcurrency,
		Idle:        DefaultIdle,
		Lease:       LeaseConfig{Duration: DefaultLeaseDuration},
		Retry: RetryConfig{
			Limit: retry.DefaultRetryLimit,
			Backoff: BackoffConfig{
				Kind:   BackoffExponential,
				Base:   retry.DefaultBaseDelay,
				Max:    retry.DefaultMaxDelay,
				Factor: 2,
			},
		},
		Store:        StoreConfig{Driver: StoreMemory, Kind: DefaultStoreKind},
		LeaseBackend: LeaseBackendConfig{Driver: LeaseBackendStore},
		Log:          LogConfig{Level: "info", Format: LogFormatFmt},
		Metrics:      MetricsConfig{Namespace: DefaultMetricsNS},
	}
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, apperrors.Wrap(err, apperrors.CategoryBadInput, "failed to read configuration").
			WithTextCode("CONFIG_READ_FAILED").
			WithMetadata(map[string]any{"path": path})
	}
	return Parse(data)
}

// Parse expands environment references in data, decodes it over Defaults
// and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Defaults()
	expanded := os.ExpandEnv(string(data))
	if strings.TrimSpace(expanded) != "" {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, apperrors.Wrap(err, apperrors.CategoryBadInput, "failed to parse configuration").
				WithTextCode("CONFIG_PARSE_FAILED")
		}
	}
	if strings.TrimSpace(cfg.InstanceID) == "" {
		cfg.InstanceID = uuid.NewString()
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Name) == "" {
		problems = append(problems, "name is required")
	}
	if c.BatchSize <= 0 {
		problems = append(problems, "batch_size must be > 0")
	}
	if c.Concurrency <= 0 {
		problems = append(problems, "concurrency must be > 0")
	}
	if c.Idle < 0 {
		problems = append(problems, "idle must not be negative")
	}
	if c.Lease.Duration <= 0 {
		problems = append(problems, "lease.duration must be > 0")
	}
	if c.Retry.Limit < 0 {
		problems = append(problems, "retry.limit must not be negative")
	}
	switch c.Retry.Backoff.Kind {
	case BackoffFixed, BackoffLinear, BackoffExponential:
	default:
		problems = append(problems, fmt.Sprintf("retry.backoff.kind %q is not supported", c.Retry.Backoff.Kind))
	}
	if c.Retry.Backoff.Base < 0 || c.Retry.Backoff.Max < 0 {
		problems = append(problems, "retry.backoff delays must not be negative")
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite, StorePostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			problems = append(problems, "store.dsn is required for "+c.Store.Driver)
		}
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	switch c.LeaseBackend.Driver {
	case LeaseBackendStore:
	case LeaseBackendRedis:
		if strings.TrimSpace(c.LeaseBackend.RedisURL) == "" {
			problems = append(problems, "lease_backend.redis_url is required for redis")
		}
		if c.Store.Driver != StoreMemory {
			problems = append(problems, "lease_backend redis is only supported with the memory store")
		}
	default:
		problems = append(problems, fmt.Sprintf("lease_backend.driver %q is not supported", c.LeaseBackend.Driver))
	}
	switch c.Log.Format {
	case LogFormatFmt, LogFormatJSON, LogFormatConsole:
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not supported", c.Log.Format))
	}

	if len(problems) == 0 {
		return nil
	}
	return cloneInvalid(strings.Join(problems, "; "), problems)
}

// RetryConfiguration builds the retry policy shared by the workflow.
func (c Config) RetryConfiguration() retry.Configuration {
	return retry.NewConfiguration(c.Retry.Limit, c.Retry.Backoff.Supplier())
}

// IdleStrategy is the wait used by the manager between empty ticks.
func (c Config) IdleStrategy() backoff.WaitStrategy {
	return backoff.NewFixed(c.Idle)
}

// Supplier builds a fresh strategy per entity.
func (b BackoffConfig) Supplier() backoff.Supplier {
	base := b.Base
	var supplier backoff.Supplier
	switch b.Kind {
	case BackoffFixed:
		supplier = backoff.FixedSupplier(base)
	case BackoffLinear:
		supplier = backoff.LinearSupplier(base, b.Max)
	default:
		factor := b.Factor
		maxDelay := b.Max
		supplier = func() backoff.WaitStrategy {
			return &backoff.Exponential{Base: base, Factor: factor, Max: maxDelay}
		}
	}
	if b.Jitter {
		supplier = backoff.WithJitter(supplier)
	}
	return supplier
}

// Monitor builds the log sink described by the log section.
func (c Config) Monitor(w io.Writer) monitor.Monitor {
	if w == nil {
		w = os.Stderr
	}
	level := monitor.ParseLevel(c.Log.Level)
	switch c.Log.Format {
	case LogFormatJSON:
		return monitor.NewJSON(w, strings.ToLower(level.String()))
	case LogFormatConsole:
		return monitor.NewConsole(w, level)
	default:
		return monitor.NewFmt(w).WithLevel(level)
	}
}

func cloneInvalid(msg string, problems []string) error {
	e := ErrInvalidConfig.Clone()
	e.Message = "invalid configuration: " + msg
	e.Source = ErrInvalidConfig
	return e.WithMetadata(map[string]any{"problems": problems})
}
