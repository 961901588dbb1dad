package transit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tidbyt.dev/transit/model"
	"tidbyt.dev/transit/storage"
)

// Three stops roughly 7 km apart, 10 minutes apart.
func delaySchedule(times ...string) []*storage.RunStop {
	stops := []*model.Stop{
		{ID: 1, Name: "A", Lat: 50.0, Lon: 18.0},
		{ID: 2, Name: "B", Lat: 50.0, Lon: 18.1},
		{ID: 3, Name: "C", Lat: 50.0, Lon: 18.2},
	}
	schedule := []*storage.RunStop{}
	for i, t := range times {
		schedule = append(schedule, &storage.RunStop{
			Stop:     stops[i],
			Sequence: i + 1,
			Time:     t,
		})
	}
	return schedule
}

func TestEstimateDelay(t *testing.T) {
	day := func(h, m, s int) time.Time {
		return time.Date(2025, 10, 6, h, m, s, 0, time.UTC)
	}

	for _, tc := range []struct {
		name     string
		fix      Fix
		schedule []*storage.RunStop
		delay    int
		ok       bool
	}{
		{
			name:     "two minutes late at B",
			fix:      Fix{Lat: 50.0, Lon: 18.1, Time: day(9, 12, 0)},
			schedule: delaySchedule("090000", "091000", "092000"),
			delay:    2,
			ok:       true,
		},
		{
			name:     "on time at A",
			fix:      Fix{Lat: 50.0, Lon: 18.0, Time: day(9, 0, 0)},
			schedule: delaySchedule("090000", "091000", "092000"),
			delay:    0,
			ok:       true,
		},
		{
			name:     "early halfway between A and B",
			fix:      Fix{Lat: 50.0, Lon: 18.05, Time: day(9, 2, 0)},
			schedule: delaySchedule("090000", "091000", "092000"),
			delay:    -3,
			ok:       true,
		},
		{
			name:     "half a minute rounds up",
			fix:      Fix{Lat: 50.0, Lon: 18.1, Time: day(9, 12, 30)},
			schedule: delaySchedule("090000", "091000", "092000"),
			delay:    3,
			ok:       true,
		},
		{
			name:     "negative half a minute rounds up too",
			fix:      Fix{Lat: 50.0, Lon: 18.1, Time: day(9, 7, 30)},
			schedule: delaySchedule("090000", "091000", "092000"),
			delay:    -2,
			ok:       true,
		},
		{
			name:     "run past midnight",
			fix:      Fix{Lat: 50.0, Lon: 18.1, Time: day(0, 15, 0)},
			schedule: delaySchedule("235000", "241000", "243000"),
			delay:    5,
			ok:       true,
		},
		{
			name:     "vehicle far off route",
			fix:      Fix{Lat: 51.0, Lon: 19.0, Time: day(9, 12, 0)},
			schedule: delaySchedule("090000", "091000", "092000"),
			ok:       false,
		},
		{
			name:     "single stop",
			fix:      Fix{Lat: 50.0, Lon: 18.0, Time: day(9, 0, 0)},
			schedule: delaySchedule("090000"),
			ok:       false,
		},
		{
			name:     "no schedule",
			fix:      Fix{Lat: 50.0, Lon: 18.0, Time: day(9, 0, 0)},
			schedule: nil,
			ok:       false,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			delay, ok := EstimateDelay(tc.fix, tc.schedule, time.UTC)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.delay, delay)
			}
		})
	}
}

func TestEstimateDelayZeroLengthSegment(t *testing.T) {
	stop := &model.Stop{ID: 1, Lat: 50.0, Lon: 18.0}
	other := &model.Stop{ID: 2, Lat: 50.0, Lon: 18.1}
	schedule := []*storage.RunStop{
		{Stop: stop, Sequence: 1, Time: "090000"},
		{Stop: stop, Sequence: 2, Time: "090500"},
		{Stop: other, Sequence: 3, Time: "091500"},
	}

	// The zero length segment can't hold the vehicle, so the
	// second segment is used.
	delay, ok := EstimateDelay(Fix{Lat: 50.0, Lon: 18.0, Time: time.Date(2025, 10, 6, 9, 6, 0, 0, time.UTC)}, schedule, time.UTC)
	assert.True(t, ok)
	assert.Equal(t, 1, delay)
}

func TestEstimateDelayTimezone(t *testing.T) {
	warsaw, err := time.LoadLocation("Europe/Warsaw")
	if err != nil {
		t.Skip("tzdata not available")
	}

	// 07:12 UTC is 09:12 in Warsaw
	fix := Fix{Lat: 50.0, Lon: 18.1, Time: time.Date(2025, 10, 6, 7, 12, 0, 0, time.UTC)}
	delay, ok := EstimateDelay(fix, delaySchedule("090000", "091000", "092000"), warsaw)
	assert.True(t, ok)
	assert.Equal(t, 2, delay)
}
