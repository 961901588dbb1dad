package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"tidbyt.dev/transit"
	"tidbyt.dev/transit/config"
	"tidbyt.dev/transit/logging"
	"tidbyt.dev/transit/metrics"
	"tidbyt.dev/transit/storage"
)

var rootCmd = &cobra.Command{
	Use:          "transit",
	Short:        "Transit journey planner",
	Long:         "Imports transit networks and plans journeys on them",
	SilenceUsage: true,
}

var (
	configPath      string
	networkURL      string
	networkFormat   string
	realtimeURL     string
	networkHeaders  []string
	realtimeHeaders []string
	sharedHeaders   []string
	logLevel        string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVarP(&networkURL, "network-url", "", "", "Network bundle URL")
	rootCmd.PersistentFlags().StringVarP(&networkFormat, "format", "", "", "Network bundle format (native or gtfs)")
	rootCmd.PersistentFlags().StringVarP(&realtimeURL, "realtime-url", "", "", "GTFS Realtime vehicle positions URL")
	rootCmd.PersistentFlags().StringSliceVarP(
		&networkHeaders,
		"network-header",
		"",
		[]string{},
		"Network bundle HTTP header",
	)
	rootCmd.PersistentFlags().StringSliceVarP(
		&realtimeHeaders,
		"realtime-header",
		"",
		[]string{},
		"GTFS Realtime HTTP header",
	)
	rootCmd.PersistentFlags().StringSliceVarP(
		&sharedHeaders,
		"header",
		"",
		[]string{},
		"HTTP header (shared between network and realtime)",
	)
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "", "", "Log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func parseHeaders(headers []string) (map[string]string, error) {
	parsed := map[string]string{}
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("'%s' is not on form <key>:<value>", header)
		}
		parsed[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return parsed, nil
}

// Headers of one kind merged with the shared ones.
func mergedHeaders(specific []string) (map[string]string, error) {
	headers, err := parseHeaders(specific)
	if err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}
	shared, err := parseHeaders(sharedHeaders)
	if err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}
	for k, v := range shared {
		headers[k] = v
	}
	return headers, nil
}

// Config file and environment, with command line flags on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if networkURL != "" {
		headers, err := mergedHeaders(networkHeaders)
		if err != nil {
			return nil, err
		}
		cfg.Network.Sources = []config.SourceConfig{{
			URL:     networkURL,
			Format:  networkFormat,
			Headers: headers,
		}}
	}
	if realtimeURL != "" {
		headers, err := mergedHeaders(realtimeHeaders)
		if err != nil {
			return nil, err
		}
		cfg.Network.Realtime = []config.SourceConfig{{
			URL:     realtimeURL,
			Headers: headers,
		}}
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return logging.NewStructuredLogger(os.Stderr, level), nil
}

func openStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return storage.NewMemoryStorage(), nil
	case "sqlite":
		return storage.NewSQLiteStorage(storage.SQLiteConfig{
			OnDisk:    cfg.Storage.Directory != "",
			Directory: cfg.Storage.Directory,
		})
	case "postgres":
		return storage.NewPSQLStorage(cfg.Storage.PostgresDSN, false)
	}
	return nil, fmt.Errorf("unknown storage backend '%s'", cfg.Storage.Backend)
}

func sources(cfgs []config.SourceConfig) []transit.Source {
	out := make([]transit.Source, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, transit.Source{
			URL:     c.URL,
			Format:  c.Format,
			Headers: c.Headers,
		})
	}
	return out
}

// Everything a command needs to work with a network.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Collector
	storage storage.Storage
	manager *transit.Manager
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	s, err := openStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	manager := transit.NewManager(s)
	manager.Timezone = cfg.Network.Timezone
	manager.RefreshInterval = cfg.Network.RefreshInterval
	manager.Logger = logger
	manager.Metrics = collector

	return &app{
		cfg:     cfg,
		logger:  logger,
		metrics: collector,
		storage: s,
		manager: manager,
	}, nil
}

// Refreshes configured sources, then loads the most recent network.
func (a *app) loadNetwork(ctx context.Context) (*transit.Network, error) {
	err := a.manager.Refresh(ctx, sources(a.cfg.Network.Sources))
	if err != nil {
		logging.LogError(a.logger, "refreshing networks", err)
	}

	network, err := a.manager.Load("")
	if errors.Is(err, transit.ErrNoActiveNetwork) {
		return nil, fmt.Errorf("%w: import one, or configure a network source", err)
	}
	return network, err
}

func (a *app) newPlanner(network *transit.Network) *transit.Planner {
	p := transit.NewPlanner(network, a.storage)
	p.Logger = a.logger
	p.Metrics = a.metrics
	p.Radius = a.cfg.Planner.Radius
	p.TransferRadius = a.cfg.Planner.TransferRadius
	p.MaxTransfers = a.cfg.Planner.MaxTransfers
	p.MinTransferGap = a.cfg.Planner.MinTransferGap
	p.MaxTransferGap = a.cfg.Planner.MaxTransferGap
	p.ResultLimit = a.cfg.Planner.ResultLimit
	p.RespectConditions = a.cfg.Planner.RespectConditions
	p.PositionRetention = a.cfg.Planner.PositionRetention
	return p
}

func (a *app) close() {
	if closer, ok := a.storage.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logging.LogError(a.logger, "closing storage", err)
		}
	}
}
