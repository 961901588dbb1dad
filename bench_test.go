package transit_test

import (
	"context"
	"testing"
	"time"

	"tidbyt.dev/transit"
	"tidbyt.dev/transit/testutil"
)

const benchGridSize = 12

func benchNearbyStops(b *testing.B, backend string) {
	network, _ := testutil.BuildNetwork(b, backend, testutil.GridNetwork(benchGridSize), "UTC")

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, err := network.NearbyStops(50.05, 18.05, 1000)
		if err != nil {
			b.Error(err)
		}
	}
}

func benchSearch(b *testing.B, backend string) {
	network, _ := testutil.BuildNetwork(b, backend, testutil.GridNetwork(benchGridSize), "UTC")

	// Corner to corner needs a transfer
	start, err := network.Reader.StopsWithin(50.0, 18.0, 500)
	if err != nil {
		b.Error(err)
	}
	end, err := network.Reader.StopsWithin(50.11, 18.11, 500)
	if err != nil {
		b.Error(err)
	}

	params := transit.SearchParams{
		StartStops:     map[int64]float64{},
		EndStops:       map[int64]float64{},
		NotBefore:      8 * time.Hour,
		MaxTransfers:   transit.DefaultMaxTransfers,
		TransferRadius: transit.DefaultTransferRadius,
		MinTransferGap: transit.DefaultMinTransferGap,
		MaxTransferGap: 30 * time.Minute,
	}
	for _, sd := range start {
		params.StartStops[sd.Stop.ID] = sd.Distance
	}
	for _, sd := range end {
		params.EndStops[sd.Stop.ID] = sd.Distance
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, err := transit.Search(context.Background(), network.Reader, params)
		if err != nil {
			b.Error(err)
		}
	}
}

func benchPlan(b *testing.B, backend string) {
	network, s := testutil.BuildNetwork(b, backend, testutil.GridNetwork(benchGridSize), "UTC")

	planner := transit.NewPlanner(network, s)
	planner.MaxTransferGap = 30 * time.Minute
	planner.TimeNow = func() time.Time {
		return time.Date(2025, 10, 6, 8, 0, 0, 0, time.UTC)
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, err := planner.Plan(context.Background(), transit.Query{
			FromLat: 50.0,
			FromLon: 18.0,
			ToLat:   50.11,
			ToLon:   18.11,
		})
		if err != nil {
			b.Error(err)
		}
	}
}

func BenchmarkTransit(b *testing.B) {
	for _, test := range []struct {
		Name  string
		Bench func(b *testing.B, storage string)
	}{
		{"NearbyStops", benchNearbyStops},
		{"Search", benchSearch},
		{"Plan", benchPlan},
	} {
		for _, backend := range testutil.Backends() {
			b.Run(test.Name+"_"+backend, func(b *testing.B) {
				test.Bench(b, backend)
			})
		}
	}
}
