package parse

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"

	"tidbyt.dev/transit/model"
	"tidbyt.dev/transit/storage"
)

type GTFSStopCSV struct {
	ID           string `csv:"stop_id"`
	Name         string `csv:"stop_name"`
	Lat          string `csv:"stop_lat"`
	Lon          string `csv:"stop_lon"`
	LocationType string `csv:"location_type"`
}

type GTFSRouteCSV struct {
	ID        string `csv:"route_id"`
	AgencyID  string `csv:"agency_id"`
	ShortName string `csv:"route_short_name"`
	LongName  string `csv:"route_long_name"`
	Type      int    `csv:"route_type"`
}

// Maps GTFS route_type to a mode. Anything on rails that isn't a
// tram counts as train.
func gtfsMode(routeType int) model.Mode {
	switch routeType {
	case 0, 5:
		return model.ModeTram
	case 1, 2, 7, 12:
		return model.ModeTrain
	}
	return model.ModeBus
}

// Assigns int64 IDs to GTFS string IDs. When every ID is a positive
// integer they are kept as is, so that reimports stay stable.
// Otherwise IDs are numbered in lexical order.
func assignIDs(gtfsIDs []string) map[string]int64 {
	ids := map[string]int64{}

	numeric := true
	for _, id := range gtfsIDs {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil || n <= 0 {
			numeric = false
			break
		}
		ids[id] = n
	}
	if numeric {
		return ids
	}

	sorted := append([]string{}, gtfsIDs...)
	sort.Strings(sorted)
	ids = map[string]int64{}
	for i, id := range sorted {
		ids[id] = int64(i + 1)
	}
	return ids
}

// Parses stops.txt. Stations and other nodes without coordinates are
// left out, since vehicles only call at positioned stops. Returns the
// written stops by GTFS ID, and the set of all stop_ids.
func parseGTFSStops(writer storage.NetworkWriter, data io.Reader) (map[string]*model.Stop, map[string]bool, error) {
	stopCsv := []*GTFSStopCSV{}
	if err := gocsv.Unmarshal(data, &stopCsv); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling stops csv: %w", err)
	}

	known := map[string]bool{}
	positioned := []*GTFSStopCSV{}
	gtfsIDs := []string{}
	for _, s := range stopCsv {
		if s.ID == "" {
			return nil, nil, fmt.Errorf("empty stop_id")
		}
		if known[s.ID] {
			return nil, nil, fmt.Errorf("repeated stop_id '%s'", s.ID)
		}
		known[s.ID] = true

		locationType := strings.TrimSpace(s.LocationType)
		if locationType != "" && locationType != "0" {
			continue
		}
		if strings.TrimSpace(s.Lat) == "" || strings.TrimSpace(s.Lon) == "" {
			continue
		}
		positioned = append(positioned, s)
		gtfsIDs = append(gtfsIDs, s.ID)
	}

	ids := assignIDs(gtfsIDs)
	stops := map[string]*model.Stop{}
	for _, s := range positioned {
		lat, err := strconv.ParseFloat(strings.TrimSpace(s.Lat), 64)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid stop_lat for stop_id '%s': %w", s.ID, err)
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(s.Lon), 64)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid stop_lon for stop_id '%s': %w", s.ID, err)
		}
		if !validCoordinates(lat, lon) {
			return nil, nil, fmt.Errorf("coordinates out of range for stop_id '%s'", s.ID)
		}

		name := s.Name
		if name == "" {
			name = s.ID
		}
		stop := &model.Stop{
			ID:   ids[s.ID],
			Name: name,
			Lat:  lat,
			Lon:  lon,
			Type: model.ModeBus,
		}
		if err := writer.WriteStop(stop); err != nil {
			return nil, nil, fmt.Errorf("writing stop '%s': %w", s.ID, err)
		}
		stops[s.ID] = stop
	}

	return stops, known, nil
}

// Parses routes.txt. Routes without agency_id belong to the feed's
// only agency.
func parseGTFSRoutes(writer storage.NetworkWriter, data io.Reader, agencies map[string]string) (map[string]*model.Route, error) {
	routeCsv := []*GTFSRouteCSV{}
	if err := gocsv.Unmarshal(data, &routeCsv); err != nil {
		return nil, fmt.Errorf("unmarshaling routes csv: %w", err)
	}

	gtfsIDs := []string{}
	seen := map[string]bool{}
	for _, r := range routeCsv {
		if r.ID == "" {
			return nil, fmt.Errorf("empty route_id")
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("repeated route_id '%s'", r.ID)
		}
		seen[r.ID] = true
		gtfsIDs = append(gtfsIDs, r.ID)
	}

	ids := assignIDs(gtfsIDs)
	routes := map[string]*model.Route{}
	for _, r := range routeCsv {
		operator, found := agencies[r.AgencyID]
		if !found {
			if r.AgencyID != "" || len(agencies) != 1 {
				return nil, fmt.Errorf("unknown agency_id '%s' for route_id '%s'", r.AgencyID, r.ID)
			}
			for _, name := range agencies {
				operator = name
			}
		}

		name := r.ShortName
		if name == "" {
			name = r.LongName
		}
		if name == "" {
			name = r.ID
		}

		route := &model.Route{
			ID:       ids[r.ID],
			Name:     name,
			Operator: operator,
			Type:     gtfsMode(r.Type),
		}
		if err := writer.WriteRoute(route); err != nil {
			return nil, fmt.Errorf("writing route '%s': %w", r.ID, err)
		}
		routes[r.ID] = route
	}

	return routes, nil
}

// Writes each service as a condition. Returns condition IDs by
// service_id.
func writeServices(writer storage.NetworkWriter, services map[string]*Service) (map[string]int64, error) {
	serviceIDs := make([]string, 0, len(services))
	for id := range services {
		serviceIDs = append(serviceIDs, id)
	}
	ids := assignIDs(serviceIDs)

	sort.Strings(serviceIDs)
	for _, id := range serviceIDs {
		s := services[id]
		description := ""
		if s.StartDate != "" && s.EndDate != "" {
			description = fmt.Sprintf("%s-%s", s.StartDate, s.EndDate)
		}
		err := writer.WriteCondition(&model.Condition{
			ID:          ids[id],
			Name:        s.ID,
			Description: description,
			Weekdays:    s.Weekdays,
		})
		if err != nil {
			return nil, fmt.Errorf("writing condition '%s': %w", s.ID, err)
		}
	}

	return ids, nil
}

// Imports a static GTFS zip. Each trip becomes a run of its route
// (numbered by first departure) with the trip_id as its Ref. Each
// service becomes a condition.
func ParseGTFS(writer storage.NetworkWriter, buf []byte) (*storage.NetworkMetadata, error) {
	file, err := openZip(
		buf,
		"agency.txt",
		"stops.txt",
		"routes.txt",
		"trips.txt",
		"stop_times.txt",
		"calendar.txt",
		"calendar_dates.txt",
	)
	if err != nil {
		return nil, err
	}
	defer closeAll(file)

	for _, required := range []string{"agency.txt", "stops.txt", "routes.txt", "trips.txt", "stop_times.txt"} {
		if file[required] == nil {
			return nil, fmt.Errorf("missing %s", required)
		}
	}
	if file["calendar.txt"] == nil && file["calendar_dates.txt"] == nil {
		return nil, fmt.Errorf("missing both calendar.txt and calendar_dates.txt")
	}

	agencies, timezone, err := ParseAgency(file["agency.txt"])
	if err != nil {
		return nil, fmt.Errorf("parsing agency.txt: %w", err)
	}

	stops, knownStops, err := parseGTFSStops(writer, file["stops.txt"])
	if err != nil {
		return nil, fmt.Errorf("parsing stops.txt: %w", err)
	}

	routes, err := parseGTFSRoutes(writer, file["routes.txt"], agencies)
	if err != nil {
		return nil, fmt.Errorf("parsing routes.txt: %w", err)
	}
	knownRoutes := map[string]bool{}
	for id := range routes {
		knownRoutes[id] = true
	}

	services := map[string]*Service{}
	if file["calendar.txt"] != nil {
		services, err = ParseCalendar(file["calendar.txt"])
		if err != nil {
			return nil, fmt.Errorf("parsing calendar.txt: %w", err)
		}
	}
	if file["calendar_dates.txt"] != nil {
		err = ParseCalendarDates(file["calendar_dates.txt"], services)
		if err != nil {
			return nil, fmt.Errorf("parsing calendar_dates.txt: %w", err)
		}
	}
	conditionIDs, err := writeServices(writer, services)
	if err != nil {
		return nil, err
	}

	trips, err := ParseTrips(file["trips.txt"], knownRoutes, services)
	if err != nil {
		return nil, fmt.Errorf("parsing trips.txt: %w", err)
	}

	stopTimes, err := ParseStopTimes(file["stop_times.txt"], trips, knownStops)
	if err != nil {
		return nil, fmt.Errorf("parsing stop_times.txt: %w", err)
	}

	// Trips become runs, numbered per route by first departure
	tripIDs := []string{}
	for id := range stopTimes {
		tripIDs = append(tripIDs, id)
	}
	sort.Slice(tripIDs, func(i, j int) bool {
		a, b := trips[tripIDs[i]], trips[tripIDs[j]]
		if a.RouteID != b.RouteID {
			return a.RouteID < b.RouteID
		}
		ta, tb := stopTimes[a.ID][0].Time, stopTimes[b.ID][0].Time
		if ta != tb {
			return ta < tb
		}
		return a.ID < b.ID
	})

	err = writer.BeginSchedules()
	if err != nil {
		return nil, fmt.Errorf("beginning schedules: %w", err)
	}

	validator := newRunValidator()
	runs := map[string]int{}
	for _, tripID := range tripIDs {
		trip := trips[tripID]
		calls := stopTimes[tripID]
		route := routes[trip.RouteID]

		runs[trip.RouteID]++
		run := runs[trip.RouteID]

		destination := strings.TrimSpace(trip.Headsign)
		if destination == "" {
			for i := len(calls) - 1; i >= 0; i-- {
				if stop, found := stops[calls[i].StopID]; found {
					destination = stop.Name
					break
				}
			}
		}

		conditions := []int64{conditionIDs[trip.ServiceID]}

		for _, call := range calls {
			stop, found := stops[call.StopID]
			if !found {
				continue
			}

			schedule := &model.Schedule{
				RouteID:      route.ID,
				StopID:       stop.ID,
				Run:          run,
				Sequence:     call.Sequence,
				Destination:  destination,
				Time:         call.Time,
				Ref:          trip.ID,
				ConditionIDs: conditions,
			}
			validator.add(schedule)

			err := writer.WriteSchedule(schedule)
			if err != nil {
				return nil, fmt.Errorf("writing schedule for trip '%s': %w", trip.ID, err)
			}
		}
	}

	err = writer.EndSchedules()
	if err != nil {
		return nil, fmt.Errorf("ending schedules: %w", err)
	}

	if err := validator.validate(); err != nil {
		return nil, err
	}

	err = writer.Close()
	if err != nil {
		return nil, fmt.Errorf("closing network writer: %w", err)
	}

	return &storage.NetworkMetadata{
		Format:   FormatGTFS,
		Timezone: timezone,
		MaxTime:  validator.maxTime,
	}, nil
}
