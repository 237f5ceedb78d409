package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	natspkg "github.com/brojonat/rebalancer/service/nats"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to engine events directly from JetStream",
		ArgsUsage: "[wallet]",
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

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			sub, err := natspkg.NewSubscriber(c.String("nats-url"), "rebalancer-cli", logger)
			if err != nil {
				return err
			}
			defer sub.Close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(os.Stderr, "subscribed to %s (Ctrl+C to stop)\n", natspkg.Subject(c.Args().First()))
			return sub.Subscribe(ctx, c.Args().First(), func(msg *natspkg.EventMessage) {
				for _, code := range filters {
					if !matchesJQ(code, msg) {
						return
					}
				}
				if err := output(c, msg, nil); err != nil {
					logger.Warn("failed to print event", "error", err)
				}
			})
		},
	}
}

func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the " + natspkg.StreamName + " JetStream stream",
		Action: func(c *cli.Context) error {
			nc, js, err := natspkg.Connect(c.String("nats-url"), "rebalancer-cli")
			if err != nil {
				return err
			}
			defer nc.Close()

			stream, err := js.Stream(context.Background(), natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}
			info, err := stream.Info(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			return output(c, info, func(w io.Writer) {
				fmt.Fprintf(w, "Stream: %s\n", info.Config.Name)
				fmt.Fprintf(w, "Description:  %s\n", info.Config.Description)
				fmt.Fprintf(w, "Subjects:     %v\n", info.Config.Subjects)
				fmt.Fprintf(w, "Messages:     %d\n", info.State.Msgs)
				fmt.Fprintf(w, "Bytes:        %d\n", info.State.Bytes)
				fmt.Fprintf(w, "First Seq:    %d\n", info.State.FirstSeq)
				fmt.Fprintf(w, "Last Seq:     %d\n", info.State.LastSeq)
				fmt.Fprintf(w, "Consumers:    %d\n", info.State.Consumers)
				fmt.Fprintf(w, "Max Age:      %s\n", info.Config.MaxAge)
				fmt.Fprintf(w, "Storage:      %s\n", info.Config.Storage)
			})
		},
	}
}
