package transit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tidbyt.dev/transit/logging"
	"tidbyt.dev/transit/metrics"
	"tidbyt.dev/transit/parse"
	"tidbyt.dev/transit/storage"
)

// Outcome of ingesting GTFS Realtime vehicle positions.
type RealtimeResult struct {
	Recorded int

	// Positions whose trip isn't part of the active network.
	Unmatched int

	// Positions older than PositionWindow, which would never be
	// used.
	Stale int

	// Positions failing validation.
	Rejected int
}

// Records vehicle positions from GTFS Realtime feeds as position
// samples. Vehicles are matched to runs by the trip reference stored
// when the network was imported.
func (p *Planner) IngestRealtime(ctx context.Context, feeds [][]byte) (*RealtimeResult, error) {
	network, err := p.Network()
	if err != nil {
		return nil, err
	}

	rt, err := parse.ParseRealtime(ctx, feeds)
	if err != nil {
		return nil, fmt.Errorf("parsing feeds: %w", err)
	}

	now := p.TimeNow()
	result := &RealtimeResult{}

	for _, pos := range rt.Positions {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if pos.Timestamp.Before(now.Add(-PositionWindow)) {
			result.Stale++
			continue
		}

		run, err := network.Reader.RunByRef(pos.TripID)
		if errors.Is(err, storage.ErrNotFound) {
			result.Unmatched++
			continue
		}
		if err != nil {
			return result, fmt.Errorf("resolving trip %s: %w", pos.TripID, err)
		}

		_, err = p.RecordPosition(ctx, PositionInput{
			RouteID: run.RouteID,
			Run:     run.Run,
			Lat:     pos.Lat,
			Lon:     pos.Lon,
			Time:    pos.Timestamp,
		}, metrics.SourceRealtime)
		if errors.Is(err, ErrInvalidQuery) {
			result.Rejected++
			continue
		}
		if err != nil {
			return result, err
		}
		result.Recorded++
	}

	logging.LogOperation(p.Logger, "realtime ingested",
		slog.Int("recorded", result.Recorded),
		slog.Int("unmatched", result.Unmatched),
		slog.Int("stale", result.Stale),
		slog.Int("rejected", result.Rejected),
		slog.Int("without_trip", rt.NumWithoutTrip),
		slog.Int("without_position", rt.NumWithoutPosition))

	return result, nil
}
