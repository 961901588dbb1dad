package transit

import (
	"context"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/transit/model"
	"tidbyt.dev/transit/storage"
)

const (
	gogolinLat = 50.4918
	gogolinLon = 18.0203
	opoleLat   = 50.6625
	opoleLon   = 17.9265
)

func regionalNetwork() map[string][]string {
	return map[string][]string{
		"stops.txt": {
			"stop_id,stop_name,stop_lat,stop_lon,stop_type",
			"44,GOGOLIN,50.4918,18.0203,bus",
			"47,KRAPKOWICE,50.4750,17.9660,bus",
			"49,OPOLE,50.6625,17.9265,bus",
		},
		"routes.txt": {
			"route_id,route_name,operator,route_type",
			"5,Gogolin - Opole,PKS Strzelce,bus",
			"6,Krapkowice - Opole,PKS Strzelce,bus",
		},
		"conditions.txt": {
			"condition_id,condition_name,condition_description,weekdays",
			"1,D,Mondays to Fridays,1111100",
		},
		"schedules.txt": {
			"route_id,stop_id,run,sequence,destination,time,conditions,ref",
			"5,44,53,1,OPOLE,04:30,1,KS-53",
			"5,49,53,2,OPOLE,04:50,1,KS-53",
			"5,44,54,1,OPOLE,05:30,1,KS-54",
			"5,49,54,2,OPOLE,05:50,1,KS-54",
			"6,47,1,1,OPOLE,04:35,,KO-1",
			"6,49,1,2,OPOLE,05:10,,KO-1",
		},
	}
}

// Monday, 04:20 in Warsaw.
var plannerNow = time.Date(2025, 10, 6, 2, 20, 0, 0, time.UTC)

func plannerFixture(t *testing.T) (*Planner, storage.Storage) {
	network, s := networkFromFiles(t, "memory", regionalNetwork(), "Europe/Warsaw")
	p := NewPlanner(network, s)
	p.TimeNow = func() time.Time { return plannerNow }
	return p, s
}

func gogolinToOpole() Query {
	return Query{
		FromLat: gogolinLat,
		FromLon: gogolinLon,
		ToLat:   opoleLat,
		ToLon:   opoleLon,
	}
}

func TestPlanDirect(t *testing.T) {
	p, _ := plannerFixture(t)

	itineraries, err := p.Plan(context.Background(), gogolinToOpole())
	require.NoError(t, err)
	require.Len(t, itineraries, 2)

	it := itineraries[0]
	assert.Equal(t, "GOGOLIN", it.Departure.Name)
	assert.Equal(t, int64(44), it.Departure.ID)
	assert.Equal(t, "04:30:00", it.Departure.Time)
	assert.Equal(t, 0, it.Departure.Distance)
	assert.Equal(t, "OPOLE", it.Arrival.Name)
	assert.Equal(t, "04:50:00", it.Arrival.Time)
	assert.Equal(t, 20, it.TravelTime)
	assert.Equal(t, 0, it.Transfers)

	require.Len(t, it.Legs, 1)
	leg := it.Legs[0]
	assert.Equal(t, int64(5), leg.ID)
	assert.Equal(t, 53, leg.Run)
	assert.Equal(t, "PKS Strzelce", leg.Operator)
	assert.Equal(t, "OPOLE", leg.Destination)
	assert.Equal(t, 20, leg.TravelTime)
	require.Len(t, leg.Stops, 2)
	assert.Equal(t, "GOGOLIN", leg.Stops[0].Name)
	assert.Equal(t, "OPOLE", leg.Stops[1].Name)
	assert.Nil(t, leg.CurrentLocation)
	assert.Nil(t, leg.Delay)
	assert.Equal(t, []model.ReportView{}, leg.Reports)

	assert.Equal(t, 54, itineraries[1].Legs[0].Run)
	assert.Equal(t, "05:30:00", itineraries[1].Departure.Time)
}

func TestPlanDepartureTime(t *testing.T) {
	p, _ := plannerFixture(t)

	// 05:00 in Warsaw, after run 53 has left
	q := gogolinToOpole()
	q.Time = time.Date(2025, 10, 6, 3, 0, 0, 0, time.UTC)

	itineraries, err := p.Plan(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, itineraries, 1)
	assert.Equal(t, 54, itineraries[0].Legs[0].Run)
}

func TestPlanWeekdays(t *testing.T) {
	p, _ := plannerFixture(t)

	// Saturday, 04:20 in Warsaw
	q := gogolinToOpole()
	q.Time = time.Date(2025, 10, 11, 2, 20, 0, 0, time.UTC)

	itineraries, err := p.Plan(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []model.Itinerary{}, itineraries)

	p.RespectConditions = false
	itineraries, err = p.Plan(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, itineraries, 2)
	assert.Equal(t, 53, itineraries[0].Legs[0].Run)
}

func TestPlanReports(t *testing.T) {
	p, s := plannerFixture(t)

	run53, run54 := 53, 54
	for _, r := range []*model.Report{
		{RouteID: 5, Run: &run53, Type: model.ReportTypeDelay, Description: "late again", CreatedAt: plannerNow.Add(-30 * time.Minute)},
		{RouteID: 5, Type: model.ReportTypeChange, Description: "detour", CreatedAt: plannerNow.Add(-1 * time.Hour)},
		{RouteID: 5, Run: &run54, Type: model.ReportTypeFailure, CreatedAt: plannerNow.Add(-10 * time.Minute)},
		{RouteID: 5, Type: model.ReportTypeAccident, Description: "yesterday", CreatedAt: plannerNow.Add(-25 * time.Hour)},
		{RouteID: 6, Type: model.ReportTypeOther, CreatedAt: plannerNow.Add(-5 * time.Minute)},
	} {
		require.NoError(t, s.WriteReport(r))
	}

	itineraries, err := p.Plan(context.Background(), gogolinToOpole())
	require.NoError(t, err)
	require.Len(t, itineraries, 2)

	reports := itineraries[0].Legs[0].Reports
	require.Len(t, reports, 2)
	assert.Equal(t, "detour", reports[0].Description)
	assert.Nil(t, reports[0].Run)
	assert.Equal(t, "late again", reports[1].Description)
	require.NotNil(t, reports[1].Run)
	assert.Equal(t, 53, *reports[1].Run)

	reports = itineraries[1].Legs[0].Reports
	require.Len(t, reports, 2)
	assert.Equal(t, model.ReportTypeChange, reports[0].Type)
	assert.Equal(t, model.ReportTypeFailure, reports[1].Type)
}

func TestPlanDelay(t *testing.T) {
	p, s := plannerFixture(t)

	// Bus 53 sits at GOGOLIN at 04:18, 12 minutes ahead of schedule
	require.NoError(t, s.WriteTrack(&model.Track{
		RouteID:   5,
		Run:       53,
		Lat:       gogolinLat,
		Lon:       gogolinLon,
		CreatedAt: plannerNow.Add(-2 * time.Minute),
	}))

	// Too old to count
	require.NoError(t, s.WriteTrack(&model.Track{
		RouteID:   5,
		Run:       54,
		Lat:       gogolinLat,
		Lon:       gogolinLon,
		CreatedAt: plannerNow.Add(-20 * time.Minute),
	}))

	itineraries, err := p.Plan(context.Background(), gogolinToOpole())
	require.NoError(t, err)
	require.Len(t, itineraries, 2)

	leg := itineraries[0].Legs[0]
	require.NotNil(t, leg.CurrentLocation)
	assert.Equal(t, model.Coordinates{Longitude: gogolinLon, Latitude: gogolinLat}, leg.CurrentLocation.Coordinates)
	require.NotNil(t, leg.Delay)
	assert.Equal(t, -12, *leg.Delay)

	assert.Nil(t, itineraries[1].Legs[0].CurrentLocation)
	assert.Nil(t, itineraries[1].Legs[0].Delay)
}

func TestPlanValidation(t *testing.T) {
	p, _ := plannerFixture(t)

	q := gogolinToOpole()
	q.FromLat = 91
	negative := -1.0
	q.Radius = &negative
	tooMany := 6
	q.MaxTransfers = &tooMany

	_, err := p.Plan(context.Background(), q)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidQuery)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "fromLatitude")
	assert.Contains(t, verr.Fields, "radius")
	assert.Contains(t, verr.Fields, "maxTransfers")
	assert.NotContains(t, verr.Fields, "toLatitude")
}

func TestPlanNoNetwork(t *testing.T) {
	p := NewPlanner(nil, storage.NewMemoryStorage())

	_, err := p.Plan(context.Background(), gogolinToOpole())
	assert.ErrorIs(t, err, ErrNoActiveNetwork)
}

func TestPlanNoStops(t *testing.T) {
	p, _ := plannerFixture(t)

	q := gogolinToOpole()
	q.ToLat = 52.2297
	q.ToLon = 21.0122

	itineraries, err := p.Plan(context.Background(), q)
	require.NoError(t, err)
	assert.NotNil(t, itineraries)
	assert.Empty(t, itineraries)
}

func TestPlanQueryOverrides(t *testing.T) {
	p, _ := plannerFixture(t)

	// KRAPKOWICE is ~4 km from GOGOLIN, so a wide radius picks up
	// route 6 too
	q := gogolinToOpole()
	radius := 5000.0
	q.Radius = &radius

	itineraries, err := p.Plan(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, itineraries, 3)

	routes := map[int64]bool{}
	for _, it := range itineraries {
		routes[it.Legs[0].ID] = true
	}
	assert.True(t, routes[6])
}

func TestPlanCancelled(t *testing.T) {
	p, _ := plannerFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Cancelled before anything was found
	itineraries, err := p.Plan(ctx, gogolinToOpole())
	require.NoError(t, err)
	assert.Empty(t, itineraries)
}

func TestSubmitReport(t *testing.T) {
	p, s := plannerFixture(t)

	run := 53
	report, err := p.SubmitReport(context.Background(), ReportInput{
		RouteID:     5,
		Run:         &run,
		Type:        model.ReportTypeDelay,
		Description: "stuck in traffic",
		Lat:         gogolinLat,
		Lon:         gogolinLon,
	})
	require.NoError(t, err)
	assert.NotZero(t, report.ID)
	assert.Equal(t, plannerNow, report.CreatedAt)

	stored, err := s.ListReports(storage.ReportFilter{RouteIDs: []int64{5}})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "stuck in traffic", stored[0].Description)

	reports, err := p.RouteReports(5)
	require.NoError(t, err)
	require.Len(t, reports, 1)

	// Description is optional
	_, err = p.SubmitReport(context.Background(), ReportInput{
		RouteID: 5,
		Type:    model.ReportTypeOther,
	})
	require.NoError(t, err)

	// Bad type
	_, err = p.SubmitReport(context.Background(), ReportInput{
		RouteID: 5,
		Type:    "meteor",
	})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "type")

	// Zero run
	zero := 0
	_, err = p.SubmitReport(context.Background(), ReportInput{
		RouteID: 5,
		Run:     &zero,
		Type:    model.ReportTypeDelay,
	})
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "run")

	// Unknown route
	_, err = p.SubmitReport(context.Background(), ReportInput{
		RouteID: 999,
		Type:    model.ReportTypeDelay,
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Delete
	require.NoError(t, p.DeleteReport(report.ID))
	assert.ErrorIs(t, p.DeleteReport(report.ID), storage.ErrNotFound)
	reports, err = p.RouteReports(5)
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}

func TestRecordPosition(t *testing.T) {
	p, s := plannerFixture(t)

	track, err := p.RecordPosition(context.Background(), PositionInput{
		RouteID: 5,
		Run:     53,
		Lat:     gogolinLat,
		Lon:     gogolinLon,
	}, "api")
	require.NoError(t, err)
	assert.NotZero(t, track.ID)
	assert.Equal(t, plannerNow, track.CreatedAt)

	at := plannerNow.Add(-time.Minute)
	track, err = p.RecordPosition(context.Background(), PositionInput{
		RouteID: 5,
		Run:     53,
		Lat:     gogolinLat,
		Lon:     gogolinLon,
		Time:    at,
	}, "api")
	require.NoError(t, err)
	assert.Equal(t, at, track.CreatedAt)

	tracks, err := s.ListTracks(storage.TrackFilter{})
	require.NoError(t, err)
	assert.Len(t, tracks, 2)

	_, err = p.RecordPosition(context.Background(), PositionInput{
		RouteID: 5,
		Run:     0,
		Lat:     100,
	}, "api")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "run")
	assert.Contains(t, verr.Fields, "latitude")
}

func TestPurgePositions(t *testing.T) {
	p, s := plannerFixture(t)

	for _, age := range []time.Duration{time.Minute, 2 * time.Hour, 30 * time.Hour, 48 * time.Hour} {
		require.NoError(t, s.WriteTrack(&model.Track{
			RouteID:   5,
			Run:       53,
			CreatedAt: plannerNow.Add(-age),
		}))
	}

	n, err := p.PurgePositions()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	tracks, err := s.ListTracks(storage.TrackFilter{})
	require.NoError(t, err)
	assert.Len(t, tracks, 2)
}

func TestPlannerWithoutLiveStore(t *testing.T) {
	network, _ := networkFromFiles(t, "memory", regionalNetwork(), "Europe/Warsaw")
	p := NewPlanner(network, nil)
	p.TimeNow = func() time.Time { return plannerNow }

	// Planning works without live data
	itineraries, err := p.Plan(context.Background(), gogolinToOpole())
	require.NoError(t, err)
	assert.Len(t, itineraries, 2)

	_, err = p.SubmitReport(context.Background(), ReportInput{RouteID: 5, Type: model.ReportTypeDelay})
	assert.Error(t, err)
	_, err = p.PurgePositions()
	assert.Error(t, err)
}
