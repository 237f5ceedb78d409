package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brojonat/rebalancer/service/temporal"
	"github.com/urfave/cli/v2"
	"go.temporal.io/sdk/client"
)

var schedulePrefix = temporal.ScheduleID("")

// scheduleIDArg accepts either a schedule ID or a wallet address.
func scheduleIDArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("requires exactly one argument: wallet address or schedule ID")
	}
	arg := c.Args().First()
	if strings.HasPrefix(arg, schedulePrefix) {
		return arg, nil
	}
	return temporal.ScheduleID(arg), nil
}

func listSchedulesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-schedules",
		Usage:   "List drift-check schedules",
		Aliases: []string{"ls"},
		Action: func(c *cli.Context) error {
			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			iter, err := temporalClient.ScheduleClient().List(c.Context, client.ScheduleListOptions{
				PageSize: 100,
			})
			if err != nil {
				return fmt.Errorf("failed to list schedules: %w", err)
			}

			var ids []string
			for iter.HasNext() {
				entry, err := iter.Next()
				if err != nil {
					return fmt.Errorf("failed to iterate schedules: %w", err)
				}
				if strings.HasPrefix(entry.ID, schedulePrefix) {
					ids = append(ids, entry.ID)
				}
			}

			return output(c, ids, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "SCHEDULE ID\tWALLET")
				for _, id := range ids {
					fmt.Fprintf(tw, "%s\t%s\n", id, strings.TrimPrefix(id, schedulePrefix))
				}
				tw.Flush()
				fmt.Fprintf(w, "\nTotal: %d schedules\n", len(ids))
			})
		},
	}
}

func describeScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "describe-schedule",
		Usage:     "Describe a wallet's drift-check schedule",
		Aliases:   []string{"desc"},
		ArgsUsage: "<wallet|schedule-id>",
		Action: func(c *cli.Context) error {
			scheduleID, err := scheduleIDArg(c)
			if err != nil {
				return err
			}
			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			handle := temporalClient.ScheduleClient().GetHandle(c.Context, scheduleID)
			desc, err := handle.Describe(c.Context)
			if err != nil {
				return fmt.Errorf("failed to describe schedule: %w", err)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Schedule ID:    %s\n", scheduleID)
			fmt.Fprintf(w, "State Note:     %s\n", desc.Schedule.State.Note)
			fmt.Fprintf(w, "Paused:         %v\n", desc.Schedule.State.Paused)

			if wa, ok := desc.Schedule.Action.(*client.ScheduleWorkflowAction); ok {
				fmt.Fprintf(w, "\nWorkflow:\n")
				fmt.Fprintf(w, "  Workflow:     %v\n", wa.Workflow)
				fmt.Fprintf(w, "  Task Queue:   %s\n", wa.TaskQueue)
			}
			for i, interval := range desc.Schedule.Spec.Intervals {
				fmt.Fprintf(w, "Interval %d:     every %v\n", i+1, interval.Every)
			}

			fmt.Fprintf(w, "\nRecent Actions: %d\n", len(desc.Info.RecentActions))
			if n := len(desc.Info.RecentActions); n > 0 {
				last := desc.Info.RecentActions[n-1]
				fmt.Fprintf(w, "Last Action:    %s\n", last.ActualTime.Format(time.RFC3339))
			}
			for _, next := range desc.Info.NextActionTimes {
				fmt.Fprintf(w, "Next Action:    %s\n", next.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func pauseScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "pause-schedule",
		Usage:     "Pause a wallet's drift checks",
		ArgsUsage: "<wallet|schedule-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "note",
				Usage: "Note explaining why schedule is paused",
				Value: "Paused via rebalancer CLI",
			},
		},
		Action: func(c *cli.Context) error {
			return withScheduleHandle(c, "paused", func(ctx context.Context, h client.ScheduleHandle) error {
				return h.Pause(ctx, client.SchedulePauseOptions{Note: c.String("note")})
			})
		},
	}
}

func resumeScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume-schedule",
		Usage:     "Resume a wallet's paused drift checks",
		ArgsUsage: "<wallet|schedule-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "note",
				Usage: "Note explaining why schedule is resumed",
				Value: "Resumed via rebalancer CLI",
			},
		},
		Action: func(c *cli.Context) error {
			return withScheduleHandle(c, "resumed", func(ctx context.Context, h client.ScheduleHandle) error {
				return h.Unpause(ctx, client.ScheduleUnpauseOptions{Note: c.String("note")})
			})
		},
	}
}

func triggerScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "trigger-schedule",
		Usage:     "Run a wallet's drift check now",
		ArgsUsage: "<wallet|schedule-id>",
		Action: func(c *cli.Context) error {
			return withScheduleHandle(c, "triggered", func(ctx context.Context, h client.ScheduleHandle) error {
				return h.Trigger(ctx, client.ScheduleTriggerOptions{})
			})
		},
	}
}

func withScheduleHandle(c *cli.Context, verb string, fn func(context.Context, client.ScheduleHandle) error) error {
	scheduleID, err := scheduleIDArg(c)
	if err != nil {
		return err
	}
	temporalClient, err := getTemporalClient(c)
	if err != nil {
		return err
	}
	defer temporalClient.Close()

	handle := temporalClient.ScheduleClient().GetHandle(c.Context, scheduleID)
	if err := fn(c.Context, handle); err != nil {
		return fmt.Errorf("schedule %s not %s: %w", scheduleID, verb, err)
	}
	fmt.Fprintf(c.App.Writer, "✓ Schedule %s: %s\n", verb, scheduleID)
	return nil
}

func getTemporalClient(c *cli.Context) (client.Client, error) {
	temporalClient, err := client.Dial(client.Options{
		HostPort:  c.String("temporal-host"),
		Namespace: c.String("temporal-namespace"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}
	return temporalClient, nil
}
