package transit

import (
	"math"
	"sort"
	"time"

	"github.com/twpayne/go-polyline"

	"tidbyt.dev/transit/model"
	"tidbyt.dev/transit/storage"
)

// Metres per second
const WalkingSpeed = 1.4

type AssembleInput struct {
	Candidates []*Candidate

	// Walking distance (metres) from the origin to each start stop,
	// and from each end stop to the destination.
	StartStops map[int64]float64
	EndStops   map[int64]float64

	// Reports relevant to the candidates' routes. Reports are
	// attached to every leg of a matching route: route-wide reports
	// to all runs, run scoped reports to their run only.
	Reports []*model.Report

	// Current vehicle positions and complete schedules, by run.
	Positions    map[model.RunKey]Fix
	RunSchedules map[model.RunKey][]*storage.RunStop

	// Time zone schedule times are given in.
	Location *time.Location
}

type assembled struct {
	itinerary model.Itinerary
	departure time.Duration
}

// Turns search candidates into itineraries with walking times, visited
// stops, live positions, delays and reports.
//
// Itineraries are ordered by effective departure time (the time the
// traveller must leave the origin), then by travel time.
func Assemble(in AssembleInput) []model.Itinerary {
	results := make([]assembled, 0, len(in.Candidates))
	for _, c := range in.Candidates {
		if len(c.Legs) == 0 {
			continue
		}
		results = append(results, assembleOne(in, c))
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.departure != b.departure {
			return a.departure < b.departure
		}
		return a.itinerary.TravelTime < b.itinerary.TravelTime
	})

	itineraries := make([]model.Itinerary, 0, len(results))
	for _, r := range results {
		itineraries = append(itineraries, r.itinerary)
	}
	return itineraries
}

func assembleOne(in AssembleInput, c *Candidate) assembled {
	first := c.First()
	last := c.Last()

	distanceFrom := int(math.Round(in.StartStops[first.Departure.Stop.ID]))
	distanceTo := int(math.Round(in.EndStops[last.Arrival.Stop.ID]))

	departure := model.ParseOffset(first.Departure.Time) - walkingTime(distanceFrom)
	arrival := model.ParseOffset(last.Arrival.Time) + walkingTime(distanceTo)

	legs := make([]model.Leg, 0, len(c.Legs))
	for _, leg := range c.Legs {
		legs = append(legs, assembleLeg(in, leg))
	}

	return assembled{
		itinerary: model.Itinerary{
			Departure: model.Endpoint{
				Name:        first.Departure.Stop.Name,
				ID:          first.Departure.Stop.ID,
				Coordinates: coordinates(first.Departure.Stop),
				Time:        model.FormatClock(departure),
				Distance:    distanceFrom,
			},
			Arrival: model.Endpoint{
				Name:        last.Arrival.Stop.Name,
				ID:          last.Arrival.Stop.ID,
				Coordinates: coordinates(last.Arrival.Stop),
				Time:        model.FormatClock(arrival),
				Distance:    distanceTo,
			},
			TravelTime: minutes(arrival - departure),
			Transfers:  c.Transfers,
			Legs:       legs,
		},
		departure: departure,
	}
}

func assembleLeg(in AssembleInput, leg *storage.LegEvent) model.Leg {
	key := leg.Key()

	stops := legStops(leg, in.RunSchedules[key])
	out := model.Leg{
		ID:          leg.Route.ID,
		Name:        leg.Route.Name,
		Operator:    leg.Route.Operator,
		Type:        leg.Route.Type,
		Run:         leg.Run,
		Stops:       stops,
		Polyline:    encodePolyline(stops),
		TravelTime:  minutes(model.ParseOffset(leg.Arrival.Time) - model.ParseOffset(leg.Departure.Time)),
		Destination: leg.Destination,
		Reports:     legReports(leg, in.Reports),
	}

	if fix, found := in.Positions[key]; found {
		out.CurrentLocation = &model.LivePosition{
			Coordinates: model.Coordinates{Longitude: fix.Lon, Latitude: fix.Lat},
			Timestamp:   fix.Time,
		}
		if delay, ok := EstimateDelay(fix, in.RunSchedules[key], in.Location); ok {
			out.Delay = &delay
		}
	}

	return out
}

// Stops of the run between boarding and alighting, inclusive. Falls
// back to just the two ends if the run's schedule is unknown.
func legStops(leg *storage.LegEvent, schedule []*storage.RunStop) []model.LegStop {
	stops := []model.LegStop{}
	for _, rs := range schedule {
		if rs.Sequence < leg.Departure.Sequence || rs.Sequence > leg.Arrival.Sequence {
			continue
		}
		stops = append(stops, legStop(rs.Stop, rs.Time, rs.Sequence))
	}

	if len(stops) == 0 {
		stops = append(stops,
			legStop(leg.Departure.Stop, leg.Departure.Time, leg.Departure.Sequence),
			legStop(leg.Arrival.Stop, leg.Arrival.Time, leg.Arrival.Sequence),
		)
	}

	return stops
}

func legStop(stop *model.Stop, t string, sequence int) model.LegStop {
	return model.LegStop{
		ID:          stop.ID,
		Name:        stop.Name,
		Coordinates: coordinates(stop),
		Time:        model.FormatClock(model.ParseOffset(t)),
		Sequence:    sequence,
	}
}

// Straight lines between the leg's stops, in the encoded polyline
// format.
func encodePolyline(stops []model.LegStop) string {
	coords := make([][]float64, 0, len(stops))
	for _, stop := range stops {
		coords = append(coords, []float64{stop.Coordinates.Latitude, stop.Coordinates.Longitude})
	}
	return string(polyline.EncodeCoords(coords))
}

// Route-wide reports first, then those for the leg's run.
func legReports(leg *storage.LegEvent, reports []*model.Report) []model.ReportView {
	views := []model.ReportView{}
	for _, r := range reports {
		if r.RouteID == leg.Route.ID && r.Run == nil {
			views = append(views, model.NewReportView(r))
		}
	}
	for _, r := range reports {
		if r.RouteID == leg.Route.ID && r.Run != nil && *r.Run == leg.Run {
			views = append(views, model.NewReportView(r))
		}
	}
	return views
}

func walkingTime(distance int) time.Duration {
	return time.Duration(math.Ceil(float64(distance)/WalkingSpeed/60)) * time.Minute
}

func minutes(d time.Duration) int {
	return int(math.Round(d.Minutes()))
}

func coordinates(stop *model.Stop) model.Coordinates {
	return model.Coordinates{Longitude: stop.Lon, Latitude: stop.Lat}
}
