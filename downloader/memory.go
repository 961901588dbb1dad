package downloader

import (
	"context"
	"errors"

	"github.com/bluele/gcache"
)

const DefaultMemoryCacheSize = 64

// Caches downloaded files in memory. Least recently used entries are
// evicted once the cache is full.
type MemoryDownloader struct {
	cache gcache.Cache

	// Fetches uncached files. Defaults to HTTPGet.
	Fetch func(ctx context.Context, url string, headers map[string]string, options GetOptions) ([]byte, error)
}

func NewMemoryDownloader() *MemoryDownloader {
	return NewMemoryDownloaderWithClock(DefaultMemoryCacheSize, gcache.NewRealClock())
}

func NewMemoryDownloaderWithClock(size int, clock gcache.Clock) *MemoryDownloader {
	if size <= 0 {
		size = DefaultMemoryCacheSize
	}
	return &MemoryDownloader{
		cache: gcache.New(size).LRU().Clock(clock).Build(),
		Fetch: HTTPGet,
	}
}

func (d *MemoryDownloader) Get(
	ctx context.Context,
	url string,
	headers map[string]string,
	options GetOptions,
) ([]byte, error) {
	if options.Cache {
		value, err := d.cache.Get(url)
		if err == nil {
			return value.([]byte), nil
		}
		if !errors.Is(err, gcache.KeyNotFoundError) {
			return nil, err
		}
	}

	body, err := d.Fetch(ctx, url, headers, options)
	if err != nil {
		return nil, err
	}

	if options.Cache && options.CacheTTL > 0 {
		err = d.cache.SetWithExpire(url, body, options.CacheTTL)
		if err != nil {
			return nil, err
		}
	}

	return body, nil
}
