package parse

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"

	"tidbyt.dev/transit/model"
	"tidbyt.dev/transit/storage"
)

type StopCSV struct {
	ID   int64   `csv:"stop_id"`
	Name string  `csv:"stop_name"`
	Lat  float64 `csv:"stop_lat"`
	Lon  float64 `csv:"stop_lon"`
	Type string  `csv:"stop_type"`
}

// Parses a mode, defaulting to bus when blank.
func parseMode(s string) (model.Mode, error) {
	if s == "" {
		return model.ModeBus, nil
	}
	mode := model.Mode(s)
	if !mode.Valid() {
		return "", fmt.Errorf("invalid type '%s'", s)
	}
	return mode, nil
}

func validCoordinates(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

func ParseStops(writer storage.NetworkWriter, data io.Reader) (map[int64]bool, error) {
	stopCsv := []*StopCSV{}
	if err := gocsv.Unmarshal(data, &stopCsv); err != nil {
		return nil, fmt.Errorf("unmarshaling stops csv: %w", err)
	}

	stopIDs := map[int64]bool{}
	for _, st := range stopCsv {
		if st.ID <= 0 {
			return nil, fmt.Errorf("invalid stop_id %d", st.ID)
		}
		if stopIDs[st.ID] {
			return nil, fmt.Errorf("repeated stop_id %d", st.ID)
		}
		stopIDs[st.ID] = true

		if st.Name == "" {
			return nil, fmt.Errorf("empty stop_name for stop_id %d", st.ID)
		}

		// Null island is never a real stop
		if st.Lat == 0 && st.Lon == 0 {
			return nil, fmt.Errorf("empty stop_lat and stop_lon for stop_id %d", st.ID)
		}
		if !validCoordinates(st.Lat, st.Lon) {
			return nil, fmt.Errorf("invalid coordinates for stop_id %d", st.ID)
		}

		mode, err := parseMode(st.Type)
		if err != nil {
			return nil, fmt.Errorf("stop_id %d: %w", st.ID, err)
		}

		err = writer.WriteStop(&model.Stop{
			ID:   st.ID,
			Name: st.Name,
			Lat:  st.Lat,
			Lon:  st.Lon,
			Type: mode,
		})
		if err != nil {
			return nil, fmt.Errorf("writing stop %d: %w", st.ID, err)
		}
	}

	return stopIDs, nil
}
