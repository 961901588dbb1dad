package storage

import (
	"math"

	"tidbyt.dev/transit/model"
)

const earthRadiusKm = 6371

// Great-circle distance in km.
func HaversineDistance(aLat, aLon, bLat, bLon float64) float64 {
	aLatRad := aLat * math.Pi / 180
	aLonRad := aLon * math.Pi / 180
	bLatRad := bLat * math.Pi / 180
	bLonRad := bLon * math.Pi / 180
	deltaLat := aLatRad - bLatRad
	deltaLon := aLonRad - bLonRad

	a := math.Cos(aLatRad)*math.Cos(bLatRad)*math.Pow(math.Sin(deltaLon/2), 2) + math.Pow(math.Sin(deltaLat/2), 2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return c * earthRadiusKm
}

// Great-circle distance in metres.
func DistanceMeters(aLat, aLon, bLat, bLon float64) float64 {
	return HaversineDistance(aLat, aLon, bLat, bLon) * 1000
}

// Lat/lon box containing every point within radius metres of the
// given point. Used to prefilter candidates before computing exact
// distances.
func boundingBox(lat, lon, radius float64) (minLat, minLon, maxLat, maxLon float64) {
	latDelta := radius / (earthRadiusKm * 1000) * 180 / math.Pi
	// Meridians converge towards the poles, so the widest longitude
	// span is at the poleward edge of the box.
	edge := math.Min(math.Abs(lat)+latDelta, 90)
	cos := math.Cos(edge * math.Pi / 180)
	if cos < 1e-6 {
		cos = 1e-6
	}
	lonDelta := latDelta / cos
	if lonDelta > 180 {
		lonDelta = 180
	}
	return lat - latDelta, lon - lonDelta, lat + latDelta, lon + lonDelta
}

func uniqueRunKeys(runs []model.RunKey) []model.RunKey {
	seen := map[model.RunKey]bool{}
	out := make([]model.RunKey, 0, len(runs))
	for _, r := range runs {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}
