package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/brojonat/rebalancer/service/db"
	"github.com/brojonat/rebalancer/service/engine"
	"github.com/urfave/cli/v2"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the archive schema",
		Action: func(c *cli.Context) error {
			store, cleanup, err := getStore(c)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := store.Migrate(c.Context); err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, "✓ Schema applied")
			return nil
		},
	}
}

func archivedTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:      "transactions",
		Aliases:   []string{"txns"},
		Usage:     "List archived transaction records for a wallet",
		ArgsUsage: "<wallet>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of records",
				Value: 50,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: wallet address")
			}
			store, cleanup, err := getStore(c)
			if err != nil {
				return err
			}
			defer cleanup()

			recs, err := store.ListTransactionRecords(c.Context, c.Args().First(), int32(c.Int("limit")))
			if err != nil {
				return err
			}
			return output(c, recs, func(w io.Writer) {
				printRecords(w, recs)
				fmt.Fprintf(w, "\nTotal: %d records\n", len(recs))
			})
		},
	}
}

func archivedStrategiesCommand() *cli.Command {
	return &cli.Command{
		Name:      "strategies",
		Usage:     "List archived strategy runs for a wallet",
		ArgsUsage: "<wallet>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of runs",
				Value: 50,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: wallet address")
			}
			store, cleanup, err := getStore(c)
			if err != nil {
				return err
			}
			defer cleanup()

			runs, err := store.ListStrategyRuns(c.Context, c.Args().First(), int32(c.Int("limit")))
			if err != nil {
				return err
			}
			return output(c, runs, func(w io.Writer) { printStrategyRuns(w, runs) })
		},
	}
}

// getStore connects to --database-url. The returned cleanup closes the pool.
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database URL is required (set DATABASE_URL or use --database-url)")
	}

	ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
	defer cancel()
	pool, err := db.Connect(ctx, dbURL)
	if err != nil {
		return nil, nil, err
	}
	return db.NewStore(pool, nil), pool.Close, nil
}

func printStrategyRuns(w io.Writer, runs []engine.StrategySummary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BATCH\tFINISHED\tTOTAL\tOK\tFAILED\tSKIPPED\tSUCCESS")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%v\n",
			r.BatchID, r.FinishedAt.Format(time.RFC3339), r.Total,
			r.SuccessfulCount, r.FailedCount, r.SkippedCount, r.Success)
	}
	tw.Flush()
	fmt.Fprintf(w, "\nTotal: %d runs\n", len(runs))
}
