package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tidbyt.dev/transit/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Records vehicle positions published over NATS",
	Args:  cobra.NoArgs,
	RunE:  runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.NATS.URL == "" {
		return fmt.Errorf("no NATS url configured")
	}

	network, err := a.loadNetwork(ctx)
	if err != nil {
		return err
	}
	planner := a.newPlanner(network)

	sub := ingest.NewSubscriber(planner, a.cfg.NATS.Subject)
	sub.Logger = a.logger.With(slog.String("component", "ingest"))
	sub.Metrics = a.metrics
	if err := sub.Connect(a.cfg.NATS.URL); err != nil {
		return err
	}
	defer sub.Close()

	go a.purgeLoop(ctx, planner)

	<-ctx.Done()
	a.logger.Info("shutting down")
	return nil
}
