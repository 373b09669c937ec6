package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goliatone/go-statemachine/entity"
	"github.com/goliatone/go-statemachine/examples/transfer"
	"github.com/goliatone/go-statemachine/store/sqlstore"
)

type RunCmd struct {
	Seed         int           `help:"Submit this many sample transfers before starting."`
	For          time.Duration `help:"Stop after this long. Zero runs until interrupted." name:"for"`
	PollInterval time.Duration `help:"Delay between progress polls of a started transfer." default:"5s"`
	StaleAfter   time.Duration `help:"Take over transfers of other runtimes not updated for this long." default:"2m"`
	MetricsAddr  string        `help:"Serve Prometheus metrics on this address." name:"metrics-addr"`
	StopTimeout  time.Duration `help:"Time allowed for the in-flight tick on shutdown." default:"30s"`
}

func (c *RunCmd) Run(env *environment) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if c.For > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.For)
		defer cancel()
	}

	em := env.entityManager()
	workflow, err := transfer.Register(em, transfer.NewSimulated(), transfer.Options{
		PollInterval: c.PollInterval,
		StaleAfter:   c.StaleAfter,
	})
	if err != nil {
		return err
	}
	if err := seed(ctx, env, workflow, c.Seed, "s3://incoming", "s3://archive"); err != nil {
		return err
	}

	if c.MetricsAddr != "" {
		if env.registry == nil {
			return errors.New("metrics-addr requires metrics.enabled in the configuration")
		}
		srv := &http.Server{
			Addr:              c.MetricsAddr,
			Handler:           promhttp.HandlerFor(env.registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				env.monitor.Error(fmt.Sprintf("metrics server failed: %v", err))
			}
		}()
		defer srv.Close()
	}

	if err := em.Start(ctx); err != nil {
		return err
	}
	env.monitor.Info(fmt.Sprintf("runtime %s processing transfers", workflow.RuntimeID()))
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), c.StopTimeout)
	defer cancel()
	if err := em.Stop(stopCtx); err != nil {
		return err
	}
	status := em.Status()
	env.monitor.Info(fmt.Sprintf("stopped after %d ticks", status.Ticks))
	return nil
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(env *environment) error {
	if env.db == nil {
		return errors.New("migrate requires a sqlite or postgres store")
	}
	versions, err := sqlstore.Migrate(context.Background(), env.db)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Println("schema up to date")
		return nil
	}
	for _, v := range versions {
		fmt.Printf("applied migration %05d\n", v)
	}
	return nil
}

type SeedCmd struct {
	Count       int    `help:"Number of transfers to submit." default:"10"`
	Source      string `help:"Source of the transfers." default:"s3://incoming"`
	Destination string `help:"Destination of the transfers." default:"s3://archive"`
}

func (c *SeedCmd) Run(env *environment) error {
	if env.db == nil {
		env.monitor.Warn("seeding the memory store: transfers are lost when smctl exits")
	}
	em := env.entityManager()
	workflow, err := transfer.Register(em, transfer.NewSimulated(), transfer.Options{})
	if err != nil {
		return err
	}
	return seed(context.Background(), env, workflow, c.Count, c.Source, c.Destination)
}

func seed(ctx context.Context, env *environment, w *transfer.Workflow, n int, source, destination string) error {
	for range n {
		t := transfer.New(uuid.NewString(), source, destination, env.clock.Now())
		if err := w.Submit(ctx, t); err != nil {
			return err
		}
	}
	if n > 0 {
		env.monitor.Info(fmt.Sprintf("submitted %d transfers", n))
	}
	return nil
}

type ListCmd struct {
	State string `help:"Only list transfers in this state (INITIAL, STARTED, COMPLETED, TERMINATED)."`
	Limit int    `help:"Maximum number of transfers." default:"50"`
}

func (c *ListCmd) Run(env *environment) error {
	var criteria []entity.Criterion
	if c.State != "" {
		state, ok := transfer.ParseState(strings.ToUpper(c.State))
		if !ok {
			return fmt.Errorf("unknown state %q", c.State)
		}
		criteria = append(criteria, entity.HasState(state))
	}

	transfers, err := env.store.List(context.Background(), c.Limit, criteria...)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tATTEMPT\tRUNTIME\tUPDATED\tERROR")
	for _, t := range transfers {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			t.ID,
			transfer.StateName(t.State),
			t.StateCount,
			t.RuntimeID,
			time.UnixMilli(t.UpdatedAt).UTC().Format(time.RFC3339),
			t.ErrorDetail,
		)
	}
	return tw.Flush()
}

type BreakLeaseCmd struct {
	ID     string `arg:"" help:"Transfer id."`
	Holder string `help:"Holder of the lease. Defaults to this instance."`
}

func (c *BreakLeaseCmd) Run(env *environment) error {
	store := env.store
	if c.Holder != "" {
		store = env.forHolder(c.Holder)
	}
	if _, err := store.FindByID(context.Background(), c.ID); err != nil {
		return err
	}
	if err := store.BreakLease(context.Background(), c.ID); err != nil {
		return err
	}
	fmt.Printf("lease on %s released\n", c.ID)
	return nil
}

type SweepCmd struct{}

func (c *SweepCmd) Run(env *environment) error {
	n, err := env.entityManager().Sweep(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("purged %d expired leases\n", n)
	return nil
}
