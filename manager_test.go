package transit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/transit/parse"
	"tidbyt.dev/transit/storage"
)

type MockNetworkServer struct {
	Feeds    map[string][]byte
	Requests []string
	Server   *httptest.Server

	mutex sync.Mutex
}

func (m *MockNetworkServer) handler(w http.ResponseWriter, r *http.Request) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.Requests = append(m.Requests, r.URL.Path)
	if feed, found := m.Feeds[r.URL.Path]; found {
		w.Write(feed)
	} else {
		w.WriteHeader(http.StatusNotFound)
	}
}

func managerFixture(t *testing.T) *MockNetworkServer {
	m := &MockNetworkServer{
		Feeds:    map[string][]byte{},
		Requests: []string{},
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handler))
	t.Cleanup(m.Server.Close)
	return m
}

// Manager with a controllable clock.
func managerWithClock(s storage.Storage, now *time.Time) *Manager {
	m := NewManager(s)
	m.TimeNow = func() time.Time { return *now }
	return m
}

// Same network as regionalNetwork(), with an extra stop.
func regionalNetworkExtended() map[string][]string {
	files := regionalNetwork()
	files["stops.txt"] = append(files["stops.txt"], "50,GROSZOWICE,50.6500,17.9800,bus")
	return files
}

func TestManagerImport(t *testing.T) {
	s := storage.NewMemoryStorage()
	now := time.Date(2025, 10, 6, 2, 0, 0, 0, time.UTC)
	m := managerWithClock(s, &now)

	data := buildZip(t, regionalNetwork())

	metadata, err := m.Import("https://example.com/network.zip", parse.FormatNative, data)
	require.NoError(t, err)
	assert.NotEmpty(t, metadata.Hash)
	assert.Equal(t, "https://example.com/network.zip", metadata.Source)
	assert.Equal(t, DefaultTimezone, metadata.Timezone)
	assert.Equal(t, now, metadata.RetrievedAt)

	// Importing the same data again only bumps RetrievedAt
	now = now.Add(time.Hour)
	again, err := m.Import("https://example.com/network.zip", parse.FormatNative, data)
	require.NoError(t, err)
	assert.Equal(t, metadata.Hash, again.Hash)
	assert.Equal(t, now, again.RetrievedAt)

	networks, err := s.ListNetworks(storage.ListNetworksFilter{})
	require.NoError(t, err)
	require.Len(t, networks, 1)
	assert.Equal(t, now, networks[0].RetrievedAt)

	// Same data under another source gets its own record
	_, err = m.Import("local", parse.FormatNative, data)
	require.NoError(t, err)
	networks, err = s.ListNetworks(storage.ListNetworksFilter{Hash: metadata.Hash})
	require.NoError(t, err)
	assert.Len(t, networks, 2)
}

func TestManagerImportTimezone(t *testing.T) {
	m := NewManager(storage.NewMemoryStorage())
	m.Timezone = "America/New_York"

	metadata, err := m.Import("local", parse.FormatNative, buildZip(t, regionalNetwork()))
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", metadata.Timezone)

	m.Timezone = "Nowhere/Special"
	_, err = m.Import("local", parse.FormatNative, buildZip(t, regionalNetworkExtended()))
	assert.Error(t, err)
}

func TestManagerImportBroken(t *testing.T) {
	s := storage.NewMemoryStorage()
	m := NewManager(s)

	_, err := m.Import("local", parse.FormatNative, []byte("this is not a zip file"))
	assert.Error(t, err)

	files := regionalNetwork()
	delete(files, "stops.txt")
	_, err = m.Import("local", parse.FormatNative, buildZip(t, files))
	assert.Error(t, err)

	_, err = m.Import("local", "shapefile", buildZip(t, regionalNetwork()))
	assert.Error(t, err)

	// Nothing was recorded
	networks, err := s.ListNetworks(storage.ListNetworksFilter{})
	require.NoError(t, err)
	assert.Empty(t, networks)

	_, err = m.Load("")
	assert.ErrorIs(t, err, ErrNoActiveNetwork)
}

func TestManagerFetch(t *testing.T) {
	server := managerFixture(t)
	server.Feeds["/network.zip"] = buildZip(t, regionalNetwork())

	m := NewManager(storage.NewMemoryStorage())

	metadata, err := m.Fetch(context.Background(), Source{
		URL:    server.Server.URL + "/network.zip",
		Format: parse.FormatNative,
	})
	require.NoError(t, err)
	assert.Equal(t, server.Server.URL+"/network.zip", metadata.Source)
	assert.Equal(t, []string{"/network.zip"}, server.Requests)

	_, err = m.Fetch(context.Background(), Source{
		URL:    server.Server.URL + "/missing.zip",
		Format: parse.FormatNative,
	})
	assert.Error(t, err)
}

func TestManagerRefresh(t *testing.T) {
	server := managerFixture(t)
	server.Feeds["/a.zip"] = buildZip(t, regionalNetwork())
	server.Feeds["/b.zip"] = buildZip(t, regionalNetworkExtended())

	s := storage.NewMemoryStorage()
	now := time.Date(2025, 10, 6, 2, 0, 0, 0, time.UTC)
	m := managerWithClock(s, &now)

	sources := []Source{
		{URL: server.Server.URL + "/a.zip", Format: parse.FormatNative},
		{URL: server.Server.URL + "/b.zip", Format: parse.FormatNative},
	}

	require.NoError(t, m.Refresh(context.Background(), sources))
	assert.Equal(t, []string{"/a.zip", "/b.zip"}, server.Requests)

	networks, err := s.ListNetworks(storage.ListNetworksFilter{})
	require.NoError(t, err)
	assert.Len(t, networks, 2)

	// Recently retrieved, so nothing is fetched
	now = now.Add(time.Hour)
	require.NoError(t, m.Refresh(context.Background(), sources))
	assert.Len(t, server.Requests, 2)

	// Stale now
	now = now.Add(DefaultRefreshInterval)
	require.NoError(t, m.Refresh(context.Background(), sources))
	assert.Len(t, server.Requests, 4)

	// Failing sources are reported, but don't stop the others
	now = now.Add(DefaultRefreshInterval + time.Minute)
	err = m.Refresh(context.Background(), append(sources, Source{
		URL:    server.Server.URL + "/gone.zip",
		Format: parse.FormatNative,
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/gone.zip")
	assert.Len(t, server.Requests, 7)
}

func TestManagerLoad(t *testing.T) {
	s := storage.NewMemoryStorage()
	now := time.Date(2025, 10, 6, 2, 0, 0, 0, time.UTC)
	m := managerWithClock(s, &now)

	_, err := m.Load("")
	assert.ErrorIs(t, err, ErrNoActiveNetwork)

	_, err = m.Import("old", parse.FormatNative, buildZip(t, regionalNetwork()))
	require.NoError(t, err)

	now = now.Add(time.Hour)
	_, err = m.Import("new", parse.FormatNative, buildZip(t, regionalNetworkExtended()))
	require.NoError(t, err)

	// Most recent wins
	network, err := m.Load("")
	require.NoError(t, err)
	assert.Equal(t, "new", network.Metadata.Source)
	assert.Equal(t, "Europe/Warsaw", network.Location().String())
	stops, err := network.NearbyStops(50.6500, 17.9800, 100)
	require.NoError(t, err)
	require.Len(t, stops, 1)
	assert.Equal(t, "GROSZOWICE", stops[0].Name)

	// Unless a source is requested
	network, err = m.Load("old")
	require.NoError(t, err)
	assert.Equal(t, "old", network.Metadata.Source)
	stops, err = network.NearbyStops(50.6500, 17.9800, 100)
	require.NoError(t, err)
	assert.Empty(t, stops)

	_, err = m.Load("unknown")
	assert.ErrorIs(t, err, ErrNoActiveNetwork)
}

func TestManagerLoadedNetworkPlans(t *testing.T) {
	s := storage.NewMemoryStorage()
	m := NewManager(s)

	_, err := m.Import("local", parse.FormatNative, buildZip(t, regionalNetwork()))
	require.NoError(t, err)

	network, err := m.Load("")
	require.NoError(t, err)

	p := NewPlanner(network, s)
	p.TimeNow = func() time.Time { return plannerNow }

	itineraries, err := p.Plan(context.Background(), gogolinToOpole())
	require.NoError(t, err)
	require.Len(t, itineraries, 2)
	assert.Equal(t, "04:30:00", itineraries[0].Departure.Time)
}
