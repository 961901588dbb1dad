package parse

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
)

type StopTimeCSV struct {
	TripID        string `csv:"trip_id"`
	StopID        string `csv:"stop_id"`
	StopSequence  uint32 `csv:"stop_sequence"`
	ArrivalTime   string `csv:"arrival_time"`
	DepartureTime string `csv:"departure_time"`
}

// A call of a trip at a stop. Time is the departure, as "HHMMSS".
type StopTime struct {
	StopID   string
	Sequence int
	Time     string
}

// Parses stop_times.txt into each trip's calls, ordered by
// stop_sequence.
func ParseStopTimes(
	data io.Reader,
	trips map[string]*TripCSV,
	stops map[string]bool,
) (map[string][]StopTime, error) {
	stopTimes := map[string][]StopTime{}

	i := -1
	err := gocsv.UnmarshalToCallbackWithError(data, func(st *StopTimeCSV) error {
		i += 1
		if trips[st.TripID] == nil {
			return fmt.Errorf("unknown trip_id: '%s' (row %d)", st.TripID, i+1)
		}
		if st.StopID == "" {
			return fmt.Errorf("missing stop_id (row %d)", i+1)
		}
		if !stops[st.StopID] {
			return fmt.Errorf("unknown stop_id: '%s' (row %d)", st.StopID, i+1)
		}

		// Departure is what riders board on
		raw := strings.TrimSpace(st.DepartureTime)
		if raw == "" {
			raw = strings.TrimSpace(st.ArrivalTime)
		}
		if raw == "" {
			return fmt.Errorf("missing departure_time and arrival_time (row %d)", i+1)
		}
		t, err := parseScheduleTime(raw)
		if err != nil {
			return errors.Wrapf(err, "parsing departure_time (row %d)", i+1)
		}

		stopTimes[st.TripID] = append(stopTimes[st.TripID], StopTime{
			StopID:   st.StopID,
			Sequence: int(st.StopSequence),
			Time:     t,
		})

		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "unmarshaling stop_times csv")
	}

	for tripID, calls := range stopTimes {
		sort.SliceStable(calls, func(i, j int) bool {
			return calls[i].Sequence < calls[j].Sequence
		})
		for i := 1; i < len(calls); i++ {
			if calls[i].Sequence == calls[i-1].Sequence {
				return nil, fmt.Errorf("duplicate stop_sequence %d for trip_id '%s'", calls[i].Sequence, tripID)
			}
		}
	}

	return stopTimes, nil
}
