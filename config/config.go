package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Prefix of environment variables overriding the config file.
const EnvPrefix = "TRANSIT_"

type StorageConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory sqlite postgres"`

	// SQLite database directory. Blank means in-memory.
	Directory string `yaml:"directory"`

	PostgresDSN string `yaml:"postgres_dsn" validate:"required_if=Backend postgres"`
}

// Where a network bundle or realtime feed is downloaded from.
type SourceConfig struct {
	URL     string            `yaml:"url" validate:"required,url"`
	Format  string            `yaml:"format" validate:"omitempty,oneof=native gtfs"`
	Headers map[string]string `yaml:"headers"`
}

type NetworkConfig struct {
	Sources         []SourceConfig `yaml:"sources" validate:"dive"`
	Timezone        string         `yaml:"timezone" validate:"required,timezone"`
	RefreshInterval time.Duration  `yaml:"refresh_interval" validate:"gte=0"`

	// GTFS Realtime vehicle position feeds, polled every
	// RealtimeInterval.
	Realtime         []SourceConfig `yaml:"realtime" validate:"dive"`
	RealtimeInterval time.Duration  `yaml:"realtime_interval" validate:"gte=0"`
}

type PlannerConfig struct {
	Radius            float64       `yaml:"radius" validate:"gt=0"`
	TransferRadius    float64       `yaml:"transfer_radius" validate:"gte=0"`
	MaxTransfers      int           `yaml:"max_transfers" validate:"gte=0,lte=5"`
	MinTransferGap    time.Duration `yaml:"min_transfer_gap" validate:"gte=0"`
	MaxTransferGap    time.Duration `yaml:"max_transfer_gap" validate:"gtefield=MinTransferGap"`
	ResultLimit       int           `yaml:"result_limit" validate:"gt=0"`
	RespectConditions bool          `yaml:"respect_conditions"`
	PositionRetention time.Duration `yaml:"position_retention" validate:"gt=0"`
}

type HTTPConfig struct {
	Listen         string        `yaml:"listen" validate:"required"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gte=0"`

	// Reports and tracks accepted per second from one client. Zero
	// disables the limit.
	WriteRate  float64 `yaml:"write_rate" validate:"gte=0"`
	WriteBurst int     `yaml:"write_burst" validate:"gte=0"`
}

type NATSConfig struct {
	// Blank disables ingestion over NATS.
	URL     string `yaml:"url" validate:"omitempty,url"`
	Subject string `yaml:"subject" validate:"required_with=URL"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type Config struct {
	Storage  StorageConfig `yaml:"storage"`
	Network  NetworkConfig `yaml:"network"`
	Planner  PlannerConfig `yaml:"planner"`
	HTTP     HTTPConfig    `yaml:"http"`
	NATS     NATSConfig    `yaml:"nats"`
	Metrics  MetricsConfig `yaml:"metrics"`
	LogLevel string        `yaml:"log_level" validate:"oneof=debug info warn error"`
}

func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: "sqlite",
		},
		Network: NetworkConfig{
			Timezone:         "Europe/Warsaw",
			RefreshInterval:  12 * time.Hour,
			RealtimeInterval: 30 * time.Second,
		},
		Planner: PlannerConfig{
			Radius:            1000,
			TransferRadius:    200,
			MaxTransfers:      2,
			MinTransferGap:    3 * time.Minute,
			MaxTransferGap:    1200 * time.Minute,
			ResultLimit:       100,
			RespectConditions: true,
			PositionRetention: 24 * time.Hour,
		},
		HTTP: HTTPConfig{
			Listen:         ":8080",
			RequestTimeout: 10 * time.Second,
			WriteRate:      5,
			WriteBurst:     20,
		},
		NATS: NATSConfig{
			Subject: "transit.positions",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		LogLevel: "info",
	}
}

// Loads configuration from defaults, then the YAML file at path (if
// non-empty), then TRANSIT_* environment variables. Variables are
// first read from the given .env files, or from ./.env if none are
// given and it exists.
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("loading env files: %w", err)
		}
	} else {
		// Missing .env is fine
		_ = godotenv.Load()
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"STORAGE_BACKEND":   &cfg.Storage.Backend,
		"STORAGE_DIRECTORY": &cfg.Storage.Directory,
		"POSTGRES_DSN":      &cfg.Storage.PostgresDSN,
		"TIMEZONE":          &cfg.Network.Timezone,
		"HTTP_LISTEN":       &cfg.HTTP.Listen,
		"NATS_URL":          &cfg.NATS.URL,
		"NATS_SUBJECT":      &cfg.NATS.Subject,
		"LOG_LEVEL":         &cfg.LogLevel,
	}
	for name, field := range strs {
		if v, ok := lookup(name); ok {
			*field = v
		}
	}

	durations := map[string]*time.Duration{
		"REFRESH_INTERVAL":  &cfg.Network.RefreshInterval,
		"REALTIME_INTERVAL": &cfg.Network.RealtimeInterval,
		"REQUEST_TIMEOUT":   &cfg.HTTP.RequestTimeout,
	}
	for name, field := range durations {
		if v, ok := lookup(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %q", EnvPrefix, name, v)
			}
			*field = d
		}
	}

	floats := map[string]*float64{
		"RADIUS":          &cfg.Planner.Radius,
		"TRANSFER_RADIUS": &cfg.Planner.TransferRadius,
		"WRITE_RATE":      &cfg.HTTP.WriteRate,
	}
	for name, field := range floats {
		if v, ok := lookup(name); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %q", EnvPrefix, name, v)
			}
			*field = f
		}
	}

	if v, ok := lookup("MAX_TRANSFERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_TRANSFERS: %q", EnvPrefix, v)
		}
		cfg.Planner.MaxTransfers = n
	}

	if v, ok := lookup("METRICS_ENABLED"); ok {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v, ok := lookup("RESPECT_CONDITIONS"); ok {
		cfg.Planner.RespectConditions = parseBool(v)
	}

	// A single network source, replacing any from the file
	if v, ok := lookup("NETWORK_URL"); ok {
		format, _ := lookup("NETWORK_FORMAT")
		cfg.Network.Sources = []SourceConfig{{URL: v, Format: format}}
	}

	return nil
}

func lookup(name string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + name))
	return v, v != ""
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}
