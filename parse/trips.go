package parse

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"
)

type TripCSV struct {
	ID        string `csv:"trip_id"`
	RouteID   string `csv:"route_id"`
	ServiceID string `csv:"service_id"`
	Headsign  string `csv:"trip_headsign"`
}

// Parses trips.txt into trips by trip_id.
func ParseTrips(
	data io.Reader,
	routes map[string]bool,
	services map[string]*Service,
) (map[string]*TripCSV, error) {
	tripCsv := []*TripCSV{}
	if err := gocsv.Unmarshal(data, &tripCsv); err != nil {
		return nil, fmt.Errorf("unmarshaling trips csv: %w", err)
	}

	trips := map[string]*TripCSV{}
	for _, t := range tripCsv {
		if t.ID == "" {
			return nil, fmt.Errorf("empty trip_id")
		}
		if trips[t.ID] != nil {
			return nil, fmt.Errorf("repeated trip_id '%s'", t.ID)
		}
		if t.RouteID == "" {
			return nil, fmt.Errorf("empty route_id")
		}
		if !routes[t.RouteID] {
			return nil, fmt.Errorf("unknown route_id '%s'", t.RouteID)
		}
		if services[t.ServiceID] == nil {
			return nil, fmt.Errorf("unknown service_id '%s'", t.ServiceID)
		}

		trips[t.ID] = t
	}

	return trips, nil
}
