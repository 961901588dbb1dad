package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tidbyt.dev/transit/model"
)

func TestHaversineDistance(t *testing.T) {
	loc := map[string]model.Stop{
		"nyc":    {ID: 1, Lat: 40.700000, Lon: -74.100000},
		"philly": {ID: 2, Lat: 40.000000, Lon: -75.200000},
		"sf":     {ID: 3, Lat: 37.800000, Lon: -122.500000},
		"la":     {ID: 4, Lat: 34.000000, Lon: -118.500000},
		"sto":    {ID: 5, Lat: 59.300000, Lon: 17.900000},
		"lon":    {ID: 6, Lat: 51.500000, Lon: -0.200000},
		"rey":    {ID: 7, Lat: 64.100000, Lon: -21.900000},
	}

	for _, tc := range []struct {
		a, b     string
		expected float64
	}{
		{"nyc", "philly", 121.438585},
		{"nyc", "sf", 4127.311071},
		{"nyc", "sto", 6318.636281},
		{"philly", "la", 3864.146847},
		{"sf", "la", 555.165790},
		{"sf", "rey", 6760.677281},
		{"la", "lon", 8770.450733},
		{"sto", "lon", 1426.989197},
		{"lon", "rey", 1882.845837},
	} {
		a, b := loc[tc.a], loc[tc.b]
		assert.InDelta(t, tc.expected, HaversineDistance(a.Lat, a.Lon, b.Lat, b.Lon), 0.001, "%s-%s", tc.a, tc.b)
		assert.InDelta(t, tc.expected, HaversineDistance(b.Lat, b.Lon, a.Lat, a.Lon), 0.001, "%s-%s", tc.b, tc.a)
		assert.InDelta(t, tc.expected*1000, DistanceMeters(a.Lat, a.Lon, b.Lat, b.Lon), 1, "%s-%s", tc.a, tc.b)
	}

	assert.Equal(t, 0.0, HaversineDistance(50.49, 18.025, 50.49, 18.025))
}

func TestBoundingBoxContainsRadius(t *testing.T) {
	for _, tc := range []struct {
		lat, lon, radius float64
	}{
		{50.49, 18.025, 1000},
		{0, 0, 200},
		{-33.9, 151.2, 5000},
		{64.1, -21.9, 1500},
	} {
		minLat, minLon, maxLat, maxLon := boundingBox(tc.lat, tc.lon, tc.radius)

		// Points exactly radius away due north/south/east/west
		// must fall inside the box.
		assert.InDelta(t, tc.radius, DistanceMeters(tc.lat, tc.lon, maxLat, tc.lon), 1)
		assert.InDelta(t, tc.radius, DistanceMeters(tc.lat, tc.lon, minLat, tc.lon), 1)
		assert.GreaterOrEqual(t, DistanceMeters(tc.lat, tc.lon, tc.lat, maxLon), tc.radius-1)
		assert.GreaterOrEqual(t, DistanceMeters(tc.lat, tc.lon, tc.lat, minLon), tc.radius-1)
	}
}

func TestConditionsPermit(t *testing.T) {
	weekdays := &model.Condition{ID: 1, Weekdays: model.WeekdaysOf(1, 2, 3, 4, 5)}
	sundays := &model.Condition{ID: 2, Weekdays: model.WeekdaysOf(0)}
	holiday := &model.Condition{ID: 3}

	monday := model.WeekdaysOf(1)
	sunday := model.WeekdaysOf(0)

	assert.True(t, conditionsPermit(nil, monday))
	assert.True(t, conditionsPermit([]*model.Condition{holiday}, sunday))
	assert.True(t, conditionsPermit([]*model.Condition{weekdays}, monday))
	assert.False(t, conditionsPermit([]*model.Condition{weekdays}, sunday))
	assert.True(t, conditionsPermit([]*model.Condition{weekdays, sundays}, sunday))
	assert.True(t, conditionsPermit([]*model.Condition{weekdays}, 0))
}
