package transit

import (
	"math"
	"time"

	"tidbyt.dev/transit/model"
	"tidbyt.dev/transit/storage"
)

// Estimates how many minutes a vehicle runs behind (positive) or
// ahead of (negative) its schedule.
//
// The vehicle is placed on the first segment of the run whose start
// stop is closer to the vehicle than to the segment's end stop. The
// scheduled time at the vehicle's location is interpolated linearly
// along that segment, and compared to the time of the fix.
//
// Scheduled times are anchored to a service day in loc. Runs may pass
// midnight, so both the day of the fix and the day before are tried
// and the smaller deviation is used.
//
// Returns false if the run has fewer than two stops or the vehicle
// can't be placed on any segment.
func EstimateDelay(fix Fix, schedule []*storage.RunStop, loc *time.Location) (int, bool) {
	if len(schedule) < 2 {
		return 0, false
	}

	var prev, next *storage.RunStop
	for i := 0; i < len(schedule)-1; i++ {
		p, n := schedule[i], schedule[i+1]
		if p == nil || n == nil || p.Stop == nil || n.Stop == nil {
			continue
		}
		toVehicle := storage.HaversineDistance(p.Stop.Lat, p.Stop.Lon, fix.Lat, fix.Lon)
		toNext := storage.HaversineDistance(p.Stop.Lat, p.Stop.Lon, n.Stop.Lat, n.Stop.Lon)
		if toVehicle < toNext {
			prev, next = p, n
			break
		}
	}
	if prev == nil {
		return 0, false
	}

	segment := storage.HaversineDistance(prev.Stop.Lat, prev.Stop.Lon, next.Stop.Lat, next.Stop.Lon)
	ratio := 0.0
	if segment > 0 {
		ratio = storage.HaversineDistance(prev.Stop.Lat, prev.Stop.Lon, fix.Lat, fix.Lon) / segment
	}

	prevOffset := model.ParseOffset(prev.Time)
	nextOffset := model.ParseOffset(next.Time)
	atVehicle := prevOffset + time.Duration(float64(nextOffset-prevOffset)*ratio)

	if loc == nil {
		loc = time.UTC
	}
	observed := fix.Time.In(loc)

	best := math.Inf(1)
	for _, back := range []int{0, -1} {
		day := time.Date(observed.Year(), observed.Month(), observed.Day()+back, 0, 0, 0, 0, loc)
		scheduled := addOffset(day, atVehicle)
		minutes := observed.Sub(scheduled).Minutes()
		if math.Abs(minutes) < math.Abs(best) {
			best = minutes
		}
	}

	return int(math.Floor(best + 0.5)), true
}

// Adds a schedule offset to a service day. Offsets are measured from
// noon minus 12h, which keeps them correct across DST changes.
func addOffset(day time.Time, offset time.Duration) time.Time {
	noon := time.Date(day.Year(), day.Month(), day.Day(), 12, 0, 0, 0, day.Location())
	return noon.Add(-12 * time.Hour).Add(offset)
}
