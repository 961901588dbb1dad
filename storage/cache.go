package storage

import (
	"fmt"
	"time"

	"github.com/bluele/gcache"

	"tidbyt.dev/transit/model"
)

const (
	DefaultCacheSize = 4096
	DefaultCacheTTL  = 10 * time.Minute
)

// Wraps a NetworkReader, caching the per-run schedule lookups that
// itinerary assembly repeats on every query. Reference data is
// immutable once written, so entries only expire to bound memory.
type CachedReader struct {
	NetworkReader

	runs gcache.Cache
}

func NewCachedReader(reader NetworkReader, size int, ttl time.Duration) *CachedReader {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedReader{
		NetworkReader: reader,
		runs:          gcache.New(size).LRU().Expiration(ttl).Build(),
	}
}

func (c *CachedReader) RunSchedules(runs []model.RunKey) (map[model.RunKey][]*RunStop, error) {
	result := map[model.RunKey][]*RunStop{}

	missing := []model.RunKey{}
	for _, key := range uniqueRunKeys(runs) {
		value, err := c.runs.Get(key)
		if err == gcache.KeyNotFoundError {
			missing = append(missing, key)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading run cache: %w", err)
		}
		if stops := value.([]*RunStop); len(stops) > 0 {
			result[key] = stops
		}
	}

	if len(missing) == 0 {
		return result, nil
	}

	loaded, err := c.NetworkReader.RunSchedules(missing)
	if err != nil {
		return nil, err
	}

	for _, key := range missing {
		// Cache misses too, as an empty slice
		stops := loaded[key]
		if stops == nil {
			stops = []*RunStop{}
		}
		if err := c.runs.Set(key, stops); err != nil {
			return nil, fmt.Errorf("writing run cache: %w", err)
		}
		if len(stops) > 0 {
			result[key] = stops
		}
	}

	return result, nil
}
