package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vietddude/stylelog"

	statemachine "github.com/goliatone/go-statemachine"
	"github.com/goliatone/go-statemachine/clock"
	"github.com/goliatone/go-statemachine/config"
	"github.com/goliatone/go-statemachine/entity"
	"github.com/goliatone/go-statemachine/examples/transfer"
	"github.com/goliatone/go-statemachine/lease/redislease"
	"github.com/goliatone/go-statemachine/metrics"
	"github.com/goliatone/go-statemachine/monitor"
	"github.com/goliatone/go-statemachine/store/memory"
	"github.com/goliatone/go-statemachine/store/sqlstore"
)

// environment holds what every command needs, built from the configuration.
type environment struct {
	cfg      config.Config
	monitor  monitor.Monitor
	clock    clock.Clock
	store    entity.Store[*transfer.Transfer]
	db       *sqlx.DB
	registry *prometheus.Registry
	recorder metrics.Recorder

	forHolder func(holderID string) entity.Store[*transfer.Transfer]
	closers   []func() error
}

func newEnvironment(configPath string, logOut io.Writer) (*environment, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	env := &environment{
		cfg:      cfg,
		clock:    clock.System(),
		monitor:  buildMonitor(cfg, logOut),
		recorder: metrics.Noop{},
	}
	if cfg.Metrics.Enabled {
		env.registry = prometheus.NewRegistry()
		env.recorder = metrics.NewPrometheus(cfg.Metrics.Namespace, env.registry)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := env.openStore(ctx); err != nil {
		_ = env.Close()
		return nil, err
	}
	return env, nil
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Parse(nil)
	}
	return config.Load(path)
}

// buildMonitor routes console output through stylelog so third-party slog
// output shares the format.
func buildMonitor(cfg config.Config, w io.Writer) monitor.Monitor {
	if cfg.Log.Format != config.LogFormatConsole {
		return cfg.Monitor(w)
	}
	level := monitor.ParseLevel(cfg.Log.Level)
	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel(level),
		TimeFormat: time.RFC3339,
	})
	return monitor.FromSlog(slog.Default())
}

func slogLevel(level monitor.Level) slog.Level {
	switch {
	case level <= monitor.LevelDebug:
		return slog.LevelDebug
	case level == monitor.LevelInfo:
		return slog.LevelInfo
	case level == monitor.LevelWarn:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func (e *environment) openStore(ctx context.Context) error {
	cfg := e.cfg
	switch cfg.Store.Driver {
	case config.StoreMemory:
		opts := []memory.Option{
			memory.WithClock(e.clock),
			memory.WithHolderID(cfg.InstanceID),
			memory.WithLeaseDuration(cfg.Lease.Duration),
			memory.WithMonitor(e.monitor),
		}
		if cfg.LeaseBackend.Driver == config.LeaseBackendRedis {
			leaser, err := redislease.Dial(ctx, cfg.LeaseBackend.RedisURL, redislease.WithClock(e.clock))
			if err != nil {
				return err
			}
			e.closers = append(e.closers, leaser.Close)
			opts = append(opts, memory.WithLeaser(leaser))
		}
		store := memory.New[*transfer.Transfer](opts...)
		e.store = store
		e.forHolder = func(id string) entity.Store[*transfer.Transfer] { return store.ForHolder(id) }
		return nil

	default:
		driver := sqlstore.DriverSQLite
		if cfg.Store.Driver == config.StorePostgres {
			driver = sqlstore.DriverPgx
		}
		db, err := sqlstore.Open(ctx, driver, cfg.Store.DSN)
		if err != nil {
			return err
		}
		e.db = db
		e.closers = append(e.closers, db.Close)
		if cfg.Store.Migrate {
			if _, err := sqlstore.Migrate(ctx, db); err != nil {
				return err
			}
		}
		store, err := sqlstore.New[*transfer.Transfer](db, cfg.Store.Kind,
			sqlstore.WithClock(e.clock),
			sqlstore.WithHolderID(cfg.InstanceID),
			sqlstore.WithLeaseDuration(cfg.Lease.Duration),
		)
		if err != nil {
			return err
		}
		e.store = store
		e.forHolder = func(id string) entity.Store[*transfer.Transfer] { return store.ForHolder(id) }
		return nil
	}
}

// entityManager builds the manager for the transfer workflow.
func (e *environment) entityManager() *statemachine.EntityManager[*transfer.Transfer] {
	return statemachine.NewEntityManager(e.cfg.Name, e.store,
		statemachine.WithClock(e.clock),
		statemachine.WithMonitor(e.monitor),
		statemachine.WithMetrics(e.recorder),
		statemachine.WithBatchSize(e.cfg.BatchSize),
		statemachine.WithConcurrency(e.cfg.Concurrency),
		statemachine.WithIdleStrategy(e.cfg.IdleStrategy()),
		statemachine.WithRetryConfiguration(e.cfg.RetryConfiguration()),
		statemachine.WithSweepSchedule(e.cfg.Sweep.Schedule),
	)
}

func (e *environment) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
