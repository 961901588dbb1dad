package transit

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/transit/model"
	"tidbyt.dev/transit/parse"
	"tidbyt.dev/transit/storage"
)

func buildZip(t *testing.T, files map[string][]string) []byte {
	buf := &bytes.Buffer{}
	w := zip.NewWriter(buf)
	for filename, content := range files {
		f, err := w.Create(filename)
		require.NoError(t, err)
		_, err = f.Write([]byte(strings.Join(content, "\n")))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	return buf.Bytes()
}

func buildStorage(t *testing.T, backend string) storage.Storage {
	switch backend {
	case "memory":
		return storage.NewMemoryStorage()
	case "sqlite":
		s, err := storage.NewSQLiteStorage()
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	}
	t.Fatalf("Unknown backend: %s", backend)
	return nil
}

// Parses a native bundle into fresh storage and loads it as a
// Network.
func networkFromFiles(t *testing.T, backend string, files map[string][]string, timezone string) (*Network, storage.Storage) {
	s := buildStorage(t, backend)

	if files["conditions.txt"] == nil {
		files["conditions.txt"] = []string{"condition_id,condition_name,condition_description,weekdays"}
	}

	writer, err := s.GetWriter("test")
	require.NoError(t, err)

	metadata, err := parse.Parse(parse.FormatNative, writer, buildZip(t, files))
	require.NoError(t, err)
	metadata.Hash = "test"
	metadata.Timezone = timezone

	reader, err := s.GetReader("test")
	require.NoError(t, err)

	network, err := NewNetwork(reader, metadata)
	require.NoError(t, err)

	return network, s
}

// A small network along latitude 50, where 0.01 degrees of longitude
// is roughly 715 metres.
//
//	A1 (bus):      Alpha -> Bravo -> Charlie        runs 1, 2
//	T2 (train):    Charlie Rail -> Delta -> Echo    runs 1, 2
//	Direct (bus):  Alpha -> Echo                    weekdays only
//	Back (bus):    Charlie -> Alpha
//
// Charlie and Charlie Rail are ~55 metres apart.
func fixtureNetwork() map[string][]string {
	return map[string][]string{
		"stops.txt": {
			"stop_id,stop_name,stop_lat,stop_lon,stop_type",
			"1,Alpha,50.0,18.0,bus",
			"2,Bravo,50.0,18.05,bus",
			"3,Charlie,50.0,18.1,bus",
			"4,Charlie Rail,50.0005,18.1,train",
			"5,Delta,50.0,18.2,train",
			"6,Echo,50.05,18.2,train",
		},
		"routes.txt": {
			"route_id,route_name,operator,route_type",
			"10,A1,PKS,bus",
			"20,T2,Koleje,train",
			"30,Direct,PKS,bus",
			"40,Back,LUZ,bus",
		},
		"conditions.txt": {
			"condition_id,condition_name,condition_description,weekdays",
			"1,D,Mondays to Fridays,1111100",
		},
		"schedules.txt": {
			"route_id,stop_id,run,sequence,destination,time,conditions,ref",
			"10,1,1,1,Charlie,08:00,,a1-1",
			"10,2,1,2,Charlie,08:10,,a1-1",
			"10,3,1,3,Charlie,08:20,,a1-1",
			"10,1,2,1,Charlie,09:00,,a1-2",
			"10,2,2,2,Charlie,09:10,,a1-2",
			"10,3,2,3,Charlie,09:20,,a1-2",
			"20,4,1,1,Echo,08:30,,t2-1",
			"20,5,1,2,Echo,08:45,,t2-1",
			"20,6,1,3,Echo,09:00,,t2-1",
			"20,4,2,1,Echo,08:22,,t2-2",
			"20,5,2,2,Echo,08:37,,t2-2",
			"20,6,2,3,Echo,08:52,,t2-2",
			"30,1,1,1,Echo,07:50,1,direct-1",
			"30,6,1,2,Echo,09:30,1,direct-1",
			"40,3,1,1,Alpha,08:25,,back-1",
			"40,1,1,2,Alpha,08:40,,back-1",
		},
	}
}

func TestNetworkNearbyStops(t *testing.T) {
	for _, backend := range []string{"memory", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			network, _ := networkFromFiles(t, backend, fixtureNetwork(), "UTC")

			stops, err := network.NearbyStops(50.0, 18.1, 200)
			require.NoError(t, err)
			require.Len(t, stops, 2)

			assert.Equal(t, int64(3), stops[0].ID)
			assert.Equal(t, "Charlie", stops[0].Name)
			assert.Equal(t, 0, stops[0].Distance)
			assert.Equal(t, model.Coordinates{Longitude: 18.1, Latitude: 50.0}, stops[0].Coordinates)

			routes := map[string][]string{}
			for _, r := range stops[0].Routes {
				routes[r.Name] = r.Destinations
			}
			assert.Equal(t, map[string][]string{
				"A1":   {"Charlie"},
				"Back": {"Alpha"},
			}, routes)

			assert.Equal(t, int64(4), stops[1].ID)
			assert.Equal(t, model.ModeTrain, stops[1].Type)
			assert.InDelta(t, 56, stops[1].Distance, 2)
			require.Len(t, stops[1].Routes, 1)
			assert.Equal(t, "T2", stops[1].Routes[0].Name)
			assert.Equal(t, "Koleje", stops[1].Routes[0].Operator)

			// Nothing nearby
			stops, err = network.NearbyStops(10.0, 10.0, 1000)
			require.NoError(t, err)
			assert.Equal(t, []model.NearbyStop{}, stops)
		})
	}
}

func TestNetworkStopDetails(t *testing.T) {
	network, _ := networkFromFiles(t, "memory", fixtureNetwork(), "UTC")

	// At 08:30, the 08:00 departure has passed
	now := time.Date(2025, 10, 6, 8, 30, 0, 0, time.UTC)

	detail, err := network.StopDetails(1, now)
	require.NoError(t, err)
	assert.Equal(t, "Alpha", detail.Name)

	require.Len(t, detail.Routes, 3)
	assert.Equal(t, "A1", detail.Routes[0].Name)
	assert.Equal(t, "Back", detail.Routes[1].Name)
	assert.Equal(t, "Direct", detail.Routes[2].Name)

	a1 := detail.Routes[0]
	assert.Equal(t, []string{"Charlie"}, a1.Destinations)
	require.Len(t, a1.Schedules, 2)
	assert.Equal(t, "09:00:00", a1.Schedules[0].Time)
	assert.Equal(t, 2, a1.Schedules[0].Run)
	assert.Equal(t, "08:00:00", a1.Schedules[1].Time)
	assert.Equal(t, []model.ConditionView{}, a1.Schedules[0].Conditions)

	direct := detail.Routes[2]
	require.Len(t, direct.Schedules, 1)
	assert.Equal(t, []model.ConditionView{
		{ID: 1, Name: "D", Description: "Mondays to Fridays"},
	}, direct.Schedules[0].Conditions)

	_, err = network.StopDetails(999, now)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNetworkRouteDetails(t *testing.T) {
	network, _ := networkFromFiles(t, "memory", fixtureNetwork(), "UTC")
	now := time.Date(2025, 10, 6, 8, 5, 0, 0, time.UTC)

	detail, err := network.RouteDetails(10, "", now)
	require.NoError(t, err)
	assert.Equal(t, "A1", detail.Name)
	assert.Equal(t, "PKS", detail.Operator)
	assert.Equal(t, []string{"Charlie"}, detail.Destinations)

	require.Len(t, detail.Stops, 3)
	assert.Equal(t, "Alpha", detail.Stops[0].Name)
	assert.Equal(t, "Bravo", detail.Stops[1].Name)
	assert.Equal(t, "Charlie", detail.Stops[2].Name)

	// 08:00 at Alpha has passed, 08:10 at Bravo has not
	alpha := detail.Stops[0].Schedules
	require.Len(t, alpha, 2)
	assert.Equal(t, "09:00:00", alpha[0].Time)
	assert.Equal(t, "08:00:00", alpha[1].Time)
	bravo := detail.Stops[1].Schedules
	require.Len(t, bravo, 2)
	assert.Equal(t, "08:10:00", bravo[0].Time)
	assert.Equal(t, "09:10:00", bravo[1].Time)

	// Unknown destination filters all schedules, but keeps stops
	// and destinations
	detail, err = network.RouteDetails(10, "Nowhere", now)
	require.NoError(t, err)
	assert.Equal(t, []string{"Charlie"}, detail.Destinations)
	require.Len(t, detail.Stops, 3)
	assert.Empty(t, detail.Stops[0].Schedules)

	_, err = network.RouteDetails(999, "", now)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNetworkOperators(t *testing.T) {
	network, _ := networkFromFiles(t, "memory", fixtureNetwork(), "UTC")

	operators, err := network.Operators()
	require.NoError(t, err)
	assert.Equal(t, []string{"Koleje", "LUZ", "PKS"}, operators)

	routes, err := network.OperatorRoutes("PKS")
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, "A1", routes[0].Name)
	assert.Equal(t, []string{"Charlie"}, routes[0].Destinations)
	assert.Equal(t, "Direct", routes[1].Name)
	assert.Equal(t, []string{"Echo"}, routes[1].Destinations)

	routes, err = network.OperatorRoutes("Nobody")
	require.NoError(t, err)
	assert.Equal(t, []model.RouteSummary{}, routes)
}

func TestNetworkBadTimezone(t *testing.T) {
	_, err := NewNetwork(nil, &storage.NetworkMetadata{Timezone: "Mars/Olympus"})
	assert.Error(t, err)
}

func TestNetworkOffset(t *testing.T) {
	network, _ := networkFromFiles(t, "memory", fixtureNetwork(), "Europe/Warsaw")

	// 06:15 UTC is 08:15 in Warsaw during summer time
	now := time.Date(2025, 10, 6, 6, 15, 0, 0, time.UTC)
	assert.Equal(t, 8*time.Hour+15*time.Minute, network.offset(now))
}
