package downloader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Caches downloaded files in a JSON file on disk, so repeated CLI
// invocations don't refetch network bundles and realtime feeds.
type Filesystem struct {
	Path string

	// Fetches uncached files. Defaults to HTTPGet.
	Fetch   func(ctx context.Context, url string, headers map[string]string, options GetOptions) ([]byte, error)
	TimeNow func() time.Time

	records map[string]fsRecord
	mutex   sync.Mutex
}

type fsRecord struct {
	// Marshalled as base64
	Body        []byte    `json:"body"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

func NewFilesystem(path string) (*Filesystem, error) {
	fs := &Filesystem{
		Path:    path,
		Fetch:   HTTPGet,
		TimeNow: time.Now,
		records: map[string]fsRecord{},
	}

	err := fs.load()
	if err != nil {
		return nil, err
	}

	return fs, nil
}

func (f *Filesystem) Get(
	ctx context.Context,
	url string,
	headers map[string]string,
	options GetOptions,
) ([]byte, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if options.Cache {
		if record, found := f.records[url]; found {
			if record.RetrievedAt.Add(options.CacheTTL).After(f.TimeNow()) {
				return record.Body, nil
			}
		}
	}

	body, err := f.Fetch(ctx, url, headers, options)
	if err != nil {
		return nil, fmt.Errorf("fetching: %w", err)
	}

	if options.Cache {
		f.records[url] = fsRecord{
			Body:        body,
			RetrievedAt: f.TimeNow().UTC(),
		}
		err = f.save()
		if err != nil {
			return nil, fmt.Errorf("saving: %w", err)
		}
	}

	return body, nil
}

func (f *Filesystem) load() error {
	buf, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading: %w", err)
	}

	err = json.Unmarshal(buf, &f.records)
	if err != nil {
		return fmt.Errorf("unmarshalling: %w", err)
	}

	return nil
}

// Writes to a temporary file first, so an interrupted save never
// leaves a truncated cache behind.
func (f *Filesystem) save() error {
	buf, err := json.Marshal(f.records)
	if err != nil {
		return fmt.Errorf("marshalling: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.Path), filepath.Base(f.Path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.Write(buf)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("writing: %w", err)
	}

	err = os.Rename(tmp.Name(), f.Path)
	if err != nil {
		return fmt.Errorf("renaming: %w", err)
	}

	return nil
}
