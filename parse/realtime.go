package parse

import (
	"context"
	"fmt"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	proto "google.golang.org/protobuf/proto"
)

// Position of a single vehicle, as reported by a GTFS Realtime feed.
type VehiclePosition struct {
	TripID    string
	VehicleID string
	Lat       float64
	Lon       float64
	Timestamp time.Time
}

// Contains key data from GTFS Realtime vehicle position feeds
type Realtime struct {
	// Timestamp of the feed. If loaded from multiple feeds, the
	// last one wins.
	Timestamp uint64
	Positions []*VehiclePosition

	// These exist to simplify debugging down the road
	NumWithoutTrip     int
	NumWithoutPosition int
}

func ParseRealtime(ctx context.Context, feeds [][]byte) (*Realtime, error) {
	rt := &Realtime{
		Positions: []*VehiclePosition{},
	}

	for _, feed := range feeds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Unmarshal proto
		f := &gtfsproto.FeedMessage{}
		err := proto.Unmarshal(feed, f)
		if err != nil {
			return nil, fmt.Errorf("unmarshaling protobuf: %w", err)
		}

		// Header
		header := f.GetHeader()

		version := header.GetGtfsRealtimeVersion()
		if version != "2.0" && version != "1.0" {
			return nil, fmt.Errorf("version %s not supported", version)
		}

		if header.GetIncrementality() != gtfsproto.FeedHeader_FULL_DATASET {
			return nil, fmt.Errorf("feed incrementality %s not supported", header.GetIncrementality())
		}

		rt.Timestamp = header.GetTimestamp()

		processEntities(rt, header.GetTimestamp(), f.GetEntity())
	}

	return rt, nil
}

func processEntities(rt *Realtime, feedTimestamp uint64, entities []*gtfsproto.FeedEntity) {
	for _, entity := range entities {
		// We only care about VehiclePositions
		vehicle := entity.GetVehicle()
		if vehicle == nil {
			continue
		}

		// Positions are matched to runs by trip_id. Vehicles
		// without one (e.g. deadheading) can't be placed.
		tripID := vehicle.GetTrip().GetTripId()
		if tripID == "" {
			rt.NumWithoutTrip++
			continue
		}

		position := vehicle.GetPosition()
		if position == nil {
			rt.NumWithoutPosition++
			continue
		}

		// Vehicle timestamp is optional; fall back on the
		// feed's.
		ts := vehicle.GetTimestamp()
		if ts == 0 {
			ts = feedTimestamp
		}

		rt.Positions = append(rt.Positions, &VehiclePosition{
			TripID:    tripID,
			VehicleID: vehicle.GetVehicle().GetId(),
			Lat:       float64(position.GetLatitude()),
			Lon:       float64(position.GetLongitude()),
			Timestamp: time.Unix(int64(ts), 0).UTC(),
		})
	}
}
