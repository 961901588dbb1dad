package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tidbyt.dev/transit"
	"tidbyt.dev/transit/api"
	"tidbyt.dev/transit/ingest"
	"tidbyt.dev/transit/logging"
)

const (
	purgeInterval   = 5 * time.Minute
	shutdownTimeout = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serves the journey planning API",
	Args:  cobra.NoArgs,
	RunE:  serve,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	// Starts without a network. The API answers 503 until one
	// is loaded.
	network, err := a.loadNetwork(ctx)
	if err != nil {
		if !errors.Is(err, transit.ErrNoActiveNetwork) {
			return err
		}
		a.logger.Warn("no network loaded")
	}
	planner := a.newPlanner(network)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		a.refreshLoop(ctx, planner)
	}()
	go func() {
		defer wg.Done()
		a.realtimeLoop(ctx, planner)
	}()
	go func() {
		defer wg.Done()
		a.purgeLoop(ctx, planner)
	}()

	if a.cfg.NATS.URL != "" {
		sub := ingest.NewSubscriber(planner, a.cfg.NATS.Subject)
		sub.Logger = a.logger.With(slog.String("component", "ingest"))
		sub.Metrics = a.metrics
		if err := sub.Connect(a.cfg.NATS.URL); err != nil {
			cancel()
			wg.Wait()
			return err
		}
		defer sub.Close()
	}

	server := api.NewServer(planner)
	server.Logger = a.logger
	server.Metrics = a.metrics
	server.RequestTimeout = a.cfg.HTTP.RequestTimeout
	server.WriteRate = a.cfg.HTTP.WriteRate
	server.WriteBurst = a.cfg.HTTP.WriteBurst

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		cancel()
		wg.Wait()
		return err
	}

	a.logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.LogError(a.logger, "http shutdown", err)
	}
	wg.Wait()

	return nil
}

func (a *app) refreshLoop(ctx context.Context, planner *transit.Planner) {
	if len(a.cfg.Network.Sources) == 0 || a.cfg.Network.RefreshInterval <= 0 {
		return
	}

	ticker := time.NewTicker(a.cfg.Network.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		network, err := a.loadNetwork(ctx)
		if err != nil {
			logging.LogError(a.logger, "reloading network", err)
			continue
		}
		planner.SetNetwork(network)
	}
}

func (a *app) realtimeLoop(ctx context.Context, planner *transit.Planner) {
	if len(a.cfg.Network.Realtime) == 0 || a.cfg.Network.RealtimeInterval <= 0 {
		return
	}

	feeds := sources(a.cfg.Network.Realtime)
	ticker := time.NewTicker(a.cfg.Network.RealtimeInterval)
	defer ticker.Stop()
	for {
		for _, feed := range feeds {
			_, err := a.manager.LoadRealtime(ctx, planner, feed)
			if err != nil && !errors.Is(err, transit.ErrNoActiveNetwork) {
				logging.LogError(a.logger, "loading realtime", err, slog.String("url", feed.URL))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *app) purgeLoop(ctx context.Context, planner *transit.Planner) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := planner.PurgePositions(); err != nil {
			logging.LogError(a.logger, "purging positions", err)
		}
	}
}
