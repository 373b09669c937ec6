// Command smctl operates the sample transfer workflow: it runs the state
// machine against the configured store and inspects or repairs entities.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

type CLI struct {
	Config  string `help:"Path to the YAML configuration." short:"c" type:"path" env:"STATEMACHINE_CONFIG"`
	EnvFile string `help:"Environment file loaded before the configuration." name:"env-file" default:".env"`

	Run        RunCmd        `cmd:"" help:"Drive the transfer workflow until interrupted."`
	Migrate    MigrateCmd    `cmd:"" help:"Apply the SQL store migrations."`
	Seed       SeedCmd       `cmd:"" help:"Submit sample transfers."`
	List       ListCmd       `cmd:"" help:"List transfers."`
	BreakLease BreakLeaseCmd `cmd:"" name:"break-lease" help:"Release the lease held on a transfer."`
	Sweep      SweepCmd      `cmd:"" help:"Purge expired leases once."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("smctl"),
		kong.Description("Operate the go-statemachine transfer workflow."),
		kong.UsageOnError(),
	)

	if err := loadEnv(cli.EnvFile); err != nil {
		fmt.Fprintf(os.Stderr, "smctl: %v\n", err)
		os.Exit(1)
	}

	env, err := newEnvironment(cli.Config, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "smctl: %v\n", err)
		os.Exit(1)
	}
	defer env.Close()

	kctx.FatalIfErrorf(kctx.Run(env))
}

// loadEnv loads path when it exists. A missing default file is not an error.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}
