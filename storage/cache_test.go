package storage_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/transit/model"
	"tidbyt.dev/transit/storage"
)

type countingReader struct {
	storage.NetworkReader
	calls [][]model.RunKey
}

func (r *countingReader) RunSchedules(runs []model.RunKey) (map[model.RunKey][]*storage.RunStop, error) {
	r.calls = append(r.calls, runs)
	return r.NetworkReader.RunSchedules(runs)
}

func TestCachedReaderRunSchedules(t *testing.T) {
	s := storage.NewMemoryStorage()
	inner := &countingReader{NetworkReader: writeFixture(t, s, "unit-test")}
	reader := storage.NewCachedReader(inner, 10, time.Hour)

	a1 := model.RunKey{RouteID: 10, Run: 1}
	a2 := model.RunKey{RouteID: 10, Run: 2}
	missing := model.RunKey{RouteID: 99, Run: 1}

	runs, err := reader.RunSchedules([]model.RunKey{a1, missing})
	require.NoError(t, err)
	assert.Equal(t, 1, len(runs))
	assert.Equal(t, 3, len(runs[a1]))
	require.Equal(t, 1, len(inner.calls))
	assert.ElementsMatch(t, []model.RunKey{a1, missing}, inner.calls[0])

	// Cached runs, including misses, aren't loaded again
	runs, err = reader.RunSchedules([]model.RunKey{a1, missing, a2})
	require.NoError(t, err)
	assert.Equal(t, 2, len(runs))
	assert.Equal(t, 3, len(runs[a2]))
	require.Equal(t, 2, len(inner.calls))
	assert.Equal(t, []model.RunKey{a2}, inner.calls[1])

	runs, err = reader.RunSchedules([]model.RunKey{a1, a2})
	require.NoError(t, err)
	assert.Equal(t, 2, len(runs))
	assert.Equal(t, 2, len(inner.calls))

	// Other methods pass through
	stops, err := reader.Stops()
	require.NoError(t, err)
	assert.Equal(t, 4, len(stops))
}

func TestCachedReaderDefaults(t *testing.T) {
	s := storage.NewMemoryStorage()
	reader := storage.NewCachedReader(writeFixture(t, s, "unit-test"), 0, 0)

	runs, err := reader.RunSchedules([]model.RunKey{{RouteID: 20, Run: 1}})
	require.NoError(t, err)
	assert.Equal(t, 2, len(runs[model.RunKey{RouteID: 20, Run: 1}]))
}
