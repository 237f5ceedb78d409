package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/brojonat/rebalancer/client"
	"github.com/brojonat/rebalancer/service/engine"
	"github.com/brojonat/rebalancer/service/strategy"
	"github.com/itchyny/gojq"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

// strategyFile is the YAML or JSON document the API commands read.
type strategyFile struct {
	WalletAddress     string                    `json:"wallet_address"`
	TotalInvestment   decimal.Decimal           `json:"total_investment"`
	Threshold         *float64                  `json:"threshold,omitempty"`
	Allocation        []strategy.AllocationItem `json:"allocation"`
	Portfolio         *strategy.Portfolio       `json:"portfolio,omitempty"`
	Operations        []strategy.Operation      `json:"operations"`
	AwaitConfirmation bool                      `json:"await_confirmation"`
}

var (
	fileFlag = &cli.StringFlag{
		Name:     "file",
		Aliases:  []string{"f"},
		Usage:    "Strategy file (YAML or JSON, - for stdin)",
		Required: true,
	}
	walletFlag = &cli.StringFlag{
		Name:    "wallet",
		Aliases: []string{"w"},
		Usage:   "Wallet address (overrides wallet_address in the file)",
	}
	thresholdFlag = &cli.Float64Flag{
		Name:  "threshold",
		Usage: "Drift threshold in percentage points (overrides the file)",
	}
)

func newAPIClient(c *cli.Context) *client.Client {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return client.NewClient(c.String("server-url"), nil, logger)
}

// loadStrategyFile reads --file and applies --wallet and --threshold.
func loadStrategyFile(c *cli.Context) (*strategyFile, error) {
	var f strategyFile
	if err := readSpecFile(c.String("file"), &f); err != nil {
		return nil, err
	}
	if w := c.String("wallet"); w != "" {
		f.WalletAddress = w
	}
	if c.IsSet("threshold") {
		t := c.Float64("threshold")
		f.Threshold = &t
	}
	return &f, nil
}

func requireWallet(f *strategyFile) error {
	if f.WalletAddress == "" {
		return fmt.Errorf("wallet address is required: set wallet_address in the file or pass --wallet")
	}
	return nil
}

func planCommand() *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "Turn an allocation into ordered operations",
		Description: `Reads total_investment and allocation from the strategy file.

Example:
  rebalancer plan -f strategy.yaml --jq '.[] | {protocol, action, amount}'`,
		Flags: []cli.Flag{fileFlag},
		Action: func(c *cli.Context) error {
			f, err := loadStrategyFile(c)
			if err != nil {
				return err
			}
			ops, err := newAPIClient(c).Plan(c.Context, f.Allocation, f.TotalInvestment)
			if err != nil {
				return err
			}
			return output(c, ops, func(w io.Writer) { printOperations(w, ops) })
		},
	}
}

func driftCommand() *cli.Command {
	return &cli.Command{
		Name:  "drift",
		Usage: "Compare a wallet's portfolio against its target allocation",
		Flags: []cli.Flag{fileFlag, walletFlag, thresholdFlag},
		Action: func(c *cli.Context) error {
			f, err := loadStrategyFile(c)
			if err != nil {
				return err
			}
			if f.Portfolio == nil {
				if err := requireWallet(f); err != nil {
					return err
				}
			}
			plan, err := newAPIClient(c).Drift(c.Context, f.WalletAddress, f.Portfolio, f.Allocation, f.Threshold)
			if err != nil {
				return err
			}
			return output(c, plan, func(w io.Writer) { printPlan(w, plan) })
		},
	}
}

func executeCommand() *cli.Command {
	return &cli.Command{
		Name:  "execute",
		Usage: "Execute the operations in a strategy file",
		Flags: []cli.Flag{
			fileFlag,
			walletFlag,
			&cli.BoolFlag{
				Name:  "await",
				Usage: "Wait for every transaction to confirm",
			},
		},
		Action: func(c *cli.Context) error {
			f, err := loadStrategyFile(c)
			if err != nil {
				return err
			}
			if err := requireWallet(f); err != nil {
				return err
			}
			if len(f.Operations) == 0 {
				return fmt.Errorf("strategy file has no operations")
			}
			res, err := newAPIClient(c).ExecuteStrategy(c.Context, f.WalletAddress, f.Operations,
				f.AwaitConfirmation || c.Bool("await"))
			if err != nil {
				return err
			}
			return output(c, res, func(w io.Writer) { printStrategyResult(w, res) })
		},
	}
}

func rebalanceCommand() *cli.Command {
	return &cli.Command{
		Name:  "rebalance",
		Usage: "Analyze drift and execute the rebalance plan",
		Flags: []cli.Flag{
			fileFlag,
			walletFlag,
			thresholdFlag,
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Only report the plan",
			},
			&cli.BoolFlag{
				Name:  "await",
				Usage: "Wait for every transaction to confirm",
			},
		},
		Action: func(c *cli.Context) error {
			f, err := loadStrategyFile(c)
			if err != nil {
				return err
			}
			if err := requireWallet(f); err != nil {
				return err
			}
			resp, err := newAPIClient(c).Rebalance(c.Context, f.WalletAddress, f.Allocation, client.RebalanceOptions{
				Threshold:         f.Threshold,
				Portfolio:         f.Portfolio,
				DryRun:            c.Bool("dry-run"),
				AwaitConfirmation: f.AwaitConfirmation || c.Bool("await"),
			})
			if err != nil {
				return err
			}
			return output(c, resp, func(w io.Writer) {
				printPlan(w, &resp.Plan)
				if resp.Execution != nil {
					fmt.Fprintln(w)
					printStrategyResult(w, resp.Execution)
				} else if resp.Plan.RebalanceNeeded {
					fmt.Fprintln(w, "\nPlan not executed")
				}
			})
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Show or clear a wallet's execution history",
		ArgsUsage: "<wallet>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "archived",
				Usage: "Read the durable archive instead of the in-memory log",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum archived entries",
				Value: 50,
			},
			&cli.BoolFlag{
				Name:  "clear",
				Usage: "Clear the wallet's history",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: wallet address")
			}
			wallet := c.Args().First()
			cl := newAPIClient(c)

			switch {
			case c.Bool("clear"):
				if err := cl.ClearHistory(c.Context, wallet); err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "✓ History cleared: %s\n", wallet)
				return nil
			case c.Bool("archived"):
				h, err := cl.ArchivedHistory(c.Context, wallet, c.Int("limit"))
				if err != nil {
					return err
				}
				return output(c, h, func(w io.Writer) {
					printRecords(w, h.Transactions)
					fmt.Fprintf(w, "\n%d strategy runs\n", len(h.Strategies))
				})
			default:
				entries, err := cl.History(c.Context, wallet)
				if err != nil {
					return err
				}
				return output(c, entries, func(w io.Writer) { printHistory(w, entries) })
			}
		},
	}
}

func transactionCommand() *cli.Command {
	return &cli.Command{
		Name:      "transaction",
		Aliases:   []string{"tx"},
		Usage:     "Look up a transaction by hash",
		ArgsUsage: "<hash>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction hash")
			}
			rec, err := newAPIClient(c).Transaction(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			return output(c, rec, func(w io.Writer) { printRecords(w, []engine.TransactionRecord{*rec}) })
		},
	}
}

func scheduleCommands() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "Manage recurring drift checks",
		Subcommands: []*cli.Command{
			{
				Name:  "set",
				Usage: "Create or update a wallet's drift-check schedule",
				Flags: []cli.Flag{
					fileFlag,
					walletFlag,
					thresholdFlag,
					&cli.DurationFlag{
						Name:  "interval",
						Usage: "Check interval",
						Value: time.Hour,
					},
					&cli.BoolFlag{
						Name:  "auto-execute",
						Usage: "Execute the plan when drift crosses the threshold",
					},
				},
				Action: func(c *cli.Context) error {
					f, err := loadStrategyFile(c)
					if err != nil {
						return err
					}
					if err := requireWallet(f); err != nil {
						return err
					}
					err = newAPIClient(c).UpsertSchedule(c.Context, client.Schedule{
						WalletAddress:     f.WalletAddress,
						Target:            f.Allocation,
						Threshold:         f.Threshold,
						Interval:          c.Duration("interval"),
						AutoExecute:       c.Bool("auto-execute"),
						AwaitConfirmation: f.AwaitConfirmation,
					})
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "✓ Schedule saved: %s every %s\n", f.WalletAddress, c.Duration("interval"))
					return nil
				},
			},
			{
				Name:      "delete",
				Usage:     "Stop a wallet's drift checks",
				ArgsUsage: "<wallet>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("requires exactly one argument: wallet address")
					}
					if err := newAPIClient(c).DeleteSchedule(c.Context, c.Args().First()); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "✓ Schedule deleted: %s\n", c.Args().First())
					return nil
				},
			},
		},
	}
}

func eventsCommand() *cli.Command {
	return &cli.Command{
		Name:      "events",
		Usage:     "Stream engine events from the server",
		ArgsUsage: "[wallet]",
		Description: `Streams events for one wallet, or all wallets when none is given.

Example:
  rebalancer events 0x1 --match '.kind == "transaction_failed"'`,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "match",
				Usage: "jq filter events must satisfy (repeatable, all must match)",
			},
		},
		Action: func(c *cli.Context) error {
			var filters []*gojq.Code
			for _, m := range c.StringSlice("match") {
				code, err := compileJQ(m)
				if err != nil {
					return err
				}
				filters = append(filters, code)
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			w := c.App.Writer
			return newAPIClient(c).StreamEvents(ctx, c.Args().First(), func(event string, data json.RawMessage) error {
				if event == "connected" {
					fmt.Fprintf(os.Stderr, "connected, streaming events (Ctrl+C to stop)\n")
					return nil
				}
				var payload interface{}
				if err := json.Unmarshal(data, &payload); err != nil {
					return nil
				}
				for _, code := range filters {
					if !matchesJQ(code, payload) {
						return nil
					}
				}
				if c.Bool("json") || c.String("jq") != "" {
					return output(c, payload, nil)
				}
				printEvent(w, event, data)
				return nil
			})
		},
	}
}

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check server health",
		Action: func(c *cli.Context) error {
			ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
			defer cancel()
			h, err := newAPIClient(c).Health(ctx)
			if err != nil {
				return fmt.Errorf("server unhealthy: %w", err)
			}
			return output(c, h, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Server is healthy (queue length: %d)\n", h.QueueLength)
			})
		},
	}
}

func printOperations(w io.Writer, ops []strategy.Operation) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tACTION\tPROTOCOL\tAMOUNT\tFUNCTION")
	for i, op := range ops {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i+1, op.Action, op.Protocol,
			op.Amount.StringFixed(strategy.DisplayPrecision), op.EntryFunction())
	}
	tw.Flush()
}

func printPlan(w io.Writer, plan *strategy.RebalancePlan) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROTOCOL\tASSET\tCURRENT%\tTARGET%\tDRIFT\tACTION")
	for _, item := range plan.DriftItems {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%.2f\t%.2f\t%s\n",
			item.Protocol, item.Asset, item.CurrentPct, item.TargetPct, item.Drift, item.Action)
	}
	tw.Flush()
	fmt.Fprintf(w, "\nAverage drift: %.2f (threshold %.2f), rebalance needed: %v\n",
		plan.AverageDrift, plan.Threshold, plan.RebalanceNeeded)
	if len(plan.Operations) > 0 {
		fmt.Fprintln(w)
		printOperations(w, plan.Operations)
	}
}

func printStrategyResult(w io.Writer, res *engine.StrategyResult) {
	fmt.Fprintf(w, "Batch %s: %d successful, %d failed, %d skipped\n",
		res.BatchID, res.SuccessfulCount, res.FailedCount, len(res.Skipped))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tRESULT\tOPERATION\tHASH\tERROR")
	row := func(label string, outcomes []engine.OperationOutcome) {
		for _, o := range outcomes {
			hash := ""
			if o.Result != nil {
				hash = o.Result.Hash
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", o.Index+1, label, o.Operation, hash, o.Error)
		}
	}
	row("ok", res.Successful)
	row("failed", res.Failed)
	row("skipped", res.Skipped)
	row("unconfirmed", res.Unconfirmed)
	tw.Flush()
}

func printRecords(w io.Writer, recs []engine.TransactionRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tOPERATION\tHASH\tATTEMPTS\tERROR")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.Status, r.Operation, r.Hash, r.Attempts, r.Error)
	}
	tw.Flush()
}

func printHistory(w io.Writer, entries []engine.HistoryEntry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tDETAIL")
	for _, e := range entries {
		detail := ""
		switch {
		case e.Record != nil:
			detail = fmt.Sprintf("%s %s %s", e.Record.Status, e.Record.Operation, e.Record.Hash)
		case e.Strategy != nil:
			detail = fmt.Sprintf("batch %s: %d/%d successful", e.Strategy.BatchID, e.Strategy.SuccessfulCount, e.Strategy.Total)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.RecordedAt.Format(time.RFC3339), e.Kind, detail)
	}
	tw.Flush()
	fmt.Fprintf(w, "\nTotal: %d entries\n", len(entries))
}

func printEvent(w io.Writer, event string, data json.RawMessage) {
	var ev engine.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		fmt.Fprintf(w, "%s %s\n", event, data)
		return
	}
	line := fmt.Sprintf("%s  %-22s wallet=%s queue=%d", ev.At.Format(time.RFC3339), ev.Kind, ev.Wallet, ev.QueueLength)
	if ev.Record != nil {
		line += fmt.Sprintf(" %s hash=%s", ev.Record.Operation, ev.Record.Hash)
	}
	if ev.Error != "" {
		line += " error=" + ev.Error
	}
	fmt.Fprintln(w, line)
}
