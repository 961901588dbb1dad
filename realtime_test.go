package transit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	proto "google.golang.org/protobuf/proto"

	"tidbyt.dev/transit/storage"
)

// Helper for building gtfs-realtime vehicle position feeds
type VehicleUpdate struct {
	TripID    string
	VehicleID string
	Lat       float32
	Lon       float32
	Time      time.Time
}

func buildPositionFeed(t *testing.T, feedTime time.Time, vehicles []VehicleUpdate) []byte {
	entity := make([]*gtfsproto.FeedEntity, 0, len(vehicles))
	for i, v := range vehicles {
		vp := &gtfsproto.VehiclePosition{
			Position: &gtfsproto.Position{
				Latitude:  proto.Float32(v.Lat),
				Longitude: proto.Float32(v.Lon),
			},
		}
		if v.TripID != "" {
			vp.Trip = &gtfsproto.TripDescriptor{TripId: proto.String(v.TripID)}
		}
		if v.VehicleID != "" {
			vp.Vehicle = &gtfsproto.VehicleDescriptor{Id: proto.String(v.VehicleID)}
		}
		if !v.Time.IsZero() {
			vp.Timestamp = proto.Uint64(uint64(v.Time.Unix()))
		}
		entity = append(entity, &gtfsproto.FeedEntity{
			Id:      proto.String(string(rune('a' + i))),
			Vehicle: vp,
		})
	}

	feed := &gtfsproto.FeedMessage{
		Header: &gtfsproto.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      gtfsproto.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(feedTime.Unix())),
		},
		Entity: entity,
	}

	data, err := proto.Marshal(feed)
	require.NoError(t, err)
	return data
}

func TestIngestRealtime(t *testing.T) {
	p, s := plannerFixture(t)

	feed := buildPositionFeed(t, plannerNow, []VehicleUpdate{
		// Bus 53 waiting at GOGOLIN
		{TripID: "KS-53", VehicleID: "bus-1", Lat: gogolinLat, Lon: gogolinLon, Time: plannerNow.Add(-2 * time.Minute)},
		// Not in the network
		{TripID: "XX-1", VehicleID: "bus-2", Lat: 50.5, Lon: 18.0},
		// Reported long ago
		{TripID: "KS-54", VehicleID: "bus-3", Lat: 50.5, Lon: 18.0, Time: plannerNow.Add(-time.Hour)},
		// Off the map
		{TripID: "KS-54", VehicleID: "bus-4", Lat: 95, Lon: 18.0},
		// No trip, ignored entirely
		{VehicleID: "bus-5", Lat: 50.5, Lon: 18.0},
	})

	result, err := p.IngestRealtime(context.Background(), [][]byte{feed})
	require.NoError(t, err)
	assert.Equal(t, &RealtimeResult{
		Recorded:  1,
		Unmatched: 1,
		Stale:     1,
		Rejected:  1,
	}, result)

	tracks, err := s.ListTracks(storage.TrackFilter{})
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, int64(5), tracks[0].RouteID)
	assert.Equal(t, 53, tracks[0].Run)
	assert.InDelta(t, gogolinLat, tracks[0].Lat, 1e-5)
	assert.InDelta(t, gogolinLon, tracks[0].Lon, 1e-5)
	assert.Equal(t, plannerNow.Add(-2*time.Minute), tracks[0].CreatedAt)

	// The recorded position shows up in plans
	itineraries, err := p.Plan(context.Background(), gogolinToOpole())
	require.NoError(t, err)
	require.NotEmpty(t, itineraries)
	leg := itineraries[0].Legs[0]
	require.NotNil(t, leg.CurrentLocation)
	require.NotNil(t, leg.Delay)
	assert.Equal(t, -12, *leg.Delay)
}

func TestIngestRealtimeBadFeed(t *testing.T) {
	p, _ := plannerFixture(t)

	_, err := p.IngestRealtime(context.Background(), [][]byte{[]byte("garbage")})
	assert.Error(t, err)

	p.SetNetwork(nil)
	_, err = p.IngestRealtime(context.Background(), [][]byte{buildPositionFeed(t, plannerNow, nil)})
	assert.ErrorIs(t, err, ErrNoActiveNetwork)
}

func TestManagerLoadRealtime(t *testing.T) {
	p, _ := plannerFixture(t)

	server := managerFixture(t)
	server.Feeds["/positions.pb"] = buildPositionFeed(t, plannerNow, []VehicleUpdate{
		{TripID: "KS-53", Lat: gogolinLat, Lon: gogolinLon},
	})

	m := NewManager(storage.NewMemoryStorage())
	src := Source{URL: server.Server.URL + "/positions.pb"}

	result, err := m.LoadRealtime(context.Background(), p, src)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Recorded)

	// Cached within RealtimeTTL
	_, err = m.LoadRealtime(context.Background(), p, src)
	require.NoError(t, err)
	assert.Equal(t, []string{"/positions.pb"}, server.Requests)

	_, err = m.LoadRealtime(context.Background(), p, Source{URL: server.Server.URL + "/missing.pb"})
	assert.Error(t, err)
}

func TestRealtimeHeaders(t *testing.T) {
	p, _ := plannerFixture(t)

	var apiKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get("X-Api-Key")
		w.Write(buildPositionFeed(t, plannerNow, nil))
	}))
	defer server.Close()

	m := NewManager(storage.NewMemoryStorage())
	_, err := m.LoadRealtime(context.Background(), p, Source{
		URL:     server.URL,
		Headers: map[string]string{"X-Api-Key": "secret"},
	})
	require.NoError(t, err)
	assert.Equal(t, "secret", apiKey)
}
