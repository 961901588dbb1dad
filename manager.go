package transit

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"tidbyt.dev/transit/downloader"
	"tidbyt.dev/transit/logging"
	"tidbyt.dev/transit/metrics"
	"tidbyt.dev/transit/parse"
	"tidbyt.dev/transit/storage"
)

const (
	DefaultRefreshInterval = 12 * time.Hour
	DefaultRealtimeTTL     = 30 * time.Second
	DefaultRealtimeTimeout = 30 * time.Second
	DefaultRealtimeMaxSize = 1 << 20 // 1 MB
	DefaultStaticTimeout   = 60 * time.Second
	DefaultStaticMaxSize   = 800 << 20 // 800 MB
	DefaultTimezone        = "Europe/Warsaw"
)

// Import results, as counted by metrics.
const (
	importImported  = "imported"
	importUnchanged = "unchanged"
	importFailed    = "failed"
)

// Where a network bundle is downloaded from.
type Source struct {
	URL     string
	Format  string
	Headers map[string]string
}

// Manager imports network bundles into storage and loads the most
// recent one.
type Manager struct {
	RealtimeTTL     time.Duration
	RealtimeTimeout time.Duration
	RealtimeMaxSize int
	StaticTimeout   time.Duration
	StaticMaxSize   int
	RefreshInterval time.Duration

	// Time zone assigned to bundles that don't specify one.
	Timezone string

	// Run schedule cache of loaded networks.
	CacheSize int
	CacheTTL  time.Duration

	Downloader downloader.Downloader
	Logger     *slog.Logger
	Metrics    *metrics.Collector
	TimeNow    func() time.Time

	storage storage.Storage
}

func NewManager(s storage.Storage) *Manager {
	return &Manager{
		RealtimeTTL:     DefaultRealtimeTTL,
		RealtimeTimeout: DefaultRealtimeTimeout,
		RealtimeMaxSize: DefaultRealtimeMaxSize,
		StaticTimeout:   DefaultStaticTimeout,
		StaticMaxSize:   DefaultStaticMaxSize,
		RefreshInterval: DefaultRefreshInterval,
		Timezone:        DefaultTimezone,
		CacheSize:       storage.DefaultCacheSize,
		CacheTTL:        storage.DefaultCacheTTL,

		Downloader: downloader.NewMemoryDownloader(),
		Logger:     logging.Discard(),
		TimeNow:    time.Now,

		storage: s,
	}
}

// Parses a network bundle and stores it under the hash of its
// content. Importing data already in storage only marks it as
// retrieved again.
func (m *Manager) Import(source string, format string, data []byte) (*storage.NetworkMetadata, error) {
	metadata, result, err := m.importNetwork(source, format, data)
	m.Metrics.NetworkImported(result)
	if err != nil {
		logging.LogError(m.Logger, "network import failed", err, slog.String("source", source))
		return nil, err
	}

	logging.LogOperation(m.Logger, "network import",
		slog.String("source", source),
		slog.String("hash", metadata.Hash),
		slog.String("result", result))

	return metadata, nil
}

func (m *Manager) importNetwork(source string, format string, data []byte) (*storage.NetworkMetadata, string, error) {
	hash := fmt.Sprintf("%x", sha256.Sum256(data))
	now := m.TimeNow().UTC()

	// The data may already exist in storage, possibly under another
	// source.
	existing, err := m.storage.ListNetworks(storage.ListNetworksFilter{Hash: hash})
	if err != nil {
		return nil, importFailed, fmt.Errorf("listing networks: %w", err)
	}
	if len(existing) > 0 {
		metadata := *existing[0]
		for _, n := range existing {
			if n.Source == source {
				metadata = *n
				break
			}
		}
		metadata.Source = source
		metadata.RetrievedAt = now

		err = m.storage.WriteNetworkMetadata(&metadata)
		if err != nil {
			return nil, importFailed, fmt.Errorf("writing metadata: %w", err)
		}
		return &metadata, importUnchanged, nil
	}

	writer, err := m.storage.GetWriter(hash)
	if err != nil {
		return nil, importFailed, fmt.Errorf("getting writer: %w", err)
	}

	metadata, err := parse.Parse(format, writer, data)
	if err != nil {
		logging.SafeCloseWithLogging(writer, m.Logger, "close network writer")
		return nil, importFailed, fmt.Errorf("parsing: %w", err)
	}

	metadata.Source = source
	metadata.Hash = hash
	metadata.RetrievedAt = now
	if metadata.Timezone == "" {
		metadata.Timezone = m.Timezone
	}
	if _, err := time.LoadLocation(metadata.Timezone); err != nil {
		return nil, importFailed, fmt.Errorf("network timezone: %w", err)
	}

	err = m.storage.WriteNetworkMetadata(metadata)
	if err != nil {
		return nil, importFailed, fmt.Errorf("writing metadata: %w", err)
	}

	return metadata, importImported, nil
}

// Downloads and imports a network bundle.
func (m *Manager) Fetch(ctx context.Context, src Source) (*storage.NetworkMetadata, error) {
	body, err := m.Downloader.Get(ctx, src.URL, src.Headers, downloader.GetOptions{
		Cache:   false,
		Timeout: m.StaticTimeout,
		MaxSize: m.StaticMaxSize,
	})
	if err != nil {
		m.Metrics.NetworkImported(importFailed)
		return nil, fmt.Errorf("downloading network at %s: %w", src.URL, err)
	}

	return m.Import(src.URL, src.Format, body)
}

// Refetches every source not retrieved within RefreshInterval.
func (m *Manager) Refresh(ctx context.Context, sources []Source) error {
	errs := []error{}
	for _, src := range sources {
		networks, err := m.storage.ListNetworks(storage.ListNetworksFilter{Source: src.URL})
		if err != nil {
			return fmt.Errorf("listing networks: %w", err)
		}

		latest := mostRecent(networks)
		if latest != nil && latest.RetrievedAt.After(m.TimeNow().Add(-m.RefreshInterval)) {
			continue
		}

		_, err = m.Fetch(ctx, src)
		if err != nil {
			errs = append(errs, fmt.Errorf("refreshing network at %s: %w", src.URL, err))
		}
	}

	return errors.Join(errs...)
}

// Loads the most recently retrieved network. If source is non-empty,
// only networks from that source are considered. Returns
// ErrNoActiveNetwork if there are none.
func (m *Manager) Load(source string) (*Network, error) {
	networks, err := m.storage.ListNetworks(storage.ListNetworksFilter{Source: source})
	if err != nil {
		return nil, fmt.Errorf("listing networks: %w", err)
	}

	latest := mostRecent(networks)
	if latest == nil {
		return nil, ErrNoActiveNetwork
	}

	reader, err := m.storage.GetReader(latest.Hash)
	if err != nil {
		return nil, fmt.Errorf("getting reader: %w", err)
	}

	network, err := NewNetwork(storage.NewCachedReader(reader, m.CacheSize, m.CacheTTL), latest)
	if err != nil {
		return nil, fmt.Errorf("creating network: %w", err)
	}

	return network, nil
}

// Downloads a GTFS Realtime vehicle positions feed and records its
// positions through the planner.
func (m *Manager) LoadRealtime(ctx context.Context, planner *Planner, src Source) (*RealtimeResult, error) {
	body, err := m.Downloader.Get(ctx, src.URL, src.Headers, downloader.GetOptions{
		Cache:    true,
		CacheTTL: m.RealtimeTTL,
		Timeout:  m.RealtimeTimeout,
		MaxSize:  m.RealtimeMaxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("downloading realtime: %w", err)
	}

	result, err := planner.IngestRealtime(ctx, [][]byte{body})
	if err != nil {
		return nil, fmt.Errorf("ingesting realtime: %w", err)
	}

	return result, nil
}

func mostRecent(networks []*storage.NetworkMetadata) *storage.NetworkMetadata {
	if len(networks) == 0 {
		return nil
	}
	sorted := make([]*storage.NetworkMetadata, len(networks))
	copy(sorted, networks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RetrievedAt.After(sorted[j].RetrievedAt)
	})
	return sorted[0]
}
