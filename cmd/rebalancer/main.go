package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "rebalancer",
		Usage: "DeFi transaction execution and rebalancing CLI",
		Description: `A command-line tool for planning, executing and inspecting portfolio rebalances.

API commands talk to a running rebalancer server. The db, temporal and nats
commands inspect the backing infrastructure directly.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			planCommand(),
			driftCommand(),
			executeCommand(),
			rebalanceCommand(),
			historyCommand(),
			transactionCommand(),
			scheduleCommands(),
			eventsCommand(),
			healthCommand(),
			{
				Name:  "db",
				Usage: "Archive inspection commands",
				Subcommands: []*cli.Command{
					migrateCommand(),
					archivedTransactionsCommand(),
					archivedStrategiesCommand(),
				},
			},
			{
				Name:  "temporal",
				Usage: "Temporal schedule inspection and management commands",
				Subcommands: []*cli.Command{
					listSchedulesCommand(),
					describeScheduleCommand(),
					pauseScheduleCommand(),
					resumeScheduleCommand(),
					triggerScheduleCommand(),
				},
			},
			{
				Name:  "nats",
				Usage: "NATS event stream commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
					inspectStreamCommand(),
				},
			},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "Rebalancer server URL",
				EnvVars: []string{"REBALANCER_SERVER_URL", "SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
			&cli.StringFlag{
				Name:  "jq",
				Usage: "jq filter applied to JSON output (implies --json)",
			},
		},
	}
}
