package transit

import (
	"sort"
	"time"

	"tidbyt.dev/transit/model"
	"tidbyt.dev/transit/storage"
)

const (
	// Position samples older than this are ignored.
	PositionWindow = 15 * time.Minute

	// Runs with more samples than this in the window are subject to
	// the frozen device filter.
	frozenSampleThreshold = 2

	// Metres
	frozenNeighbourRadius = 100.0
)

// A vehicle position fix.
type Fix struct {
	Lat  float64
	Lon  float64
	Time time.Time
}

// Picks the current position of each run from raw position samples.
//
// Only samples from the PositionWindow preceding now are used. When a
// run has more than two such samples, a sample is only kept if some
// other sample of the same run lies within 100 metres of it. This
// drops lone outliers from devices that report a stale location. Of
// the remaining samples, the most recent one wins.
func LatestPositions(tracks []*model.Track, now time.Time) map[model.RunKey]Fix {
	since := now.Add(-PositionWindow)

	byRun := map[model.RunKey][]*model.Track{}
	for _, t := range tracks {
		if t.CreatedAt.Before(since) || t.CreatedAt.After(now) {
			continue
		}
		byRun[t.Key()] = append(byRun[t.Key()], t)
	}

	positions := map[model.RunKey]Fix{}
	for key, samples := range byRun {
		if len(samples) > frozenSampleThreshold {
			samples = withNeighbours(samples)
		}
		if len(samples) == 0 {
			continue
		}

		sort.SliceStable(samples, func(i, j int) bool {
			if samples[i].CreatedAt.Equal(samples[j].CreatedAt) {
				return samples[i].ID > samples[j].ID
			}
			return samples[i].CreatedAt.After(samples[j].CreatedAt)
		})

		latest := samples[0]
		positions[key] = Fix{
			Lat:  latest.Lat,
			Lon:  latest.Lon,
			Time: latest.CreatedAt,
		}
	}

	return positions
}

// Samples having at least one other sample within
// frozenNeighbourRadius.
func withNeighbours(samples []*model.Track) []*model.Track {
	kept := make([]*model.Track, 0, len(samples))
	for i, a := range samples {
		for j, b := range samples {
			if i == j {
				continue
			}
			if storage.DistanceMeters(a.Lat, a.Lon, b.Lat, b.Lon) <= frozenNeighbourRadius {
				kept = append(kept, a)
				break
			}
		}
	}
	return kept
}
