package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/rtree"

	"tidbyt.dev/transit/model"
)

// In memory implementation of Storage below

type memoryMetadataKey struct {
	Source string
	Hash   string
}

type MemoryStorage struct {
	Networks map[string]*MemoryNetwork
	Metadata map[memoryMetadataKey]*NetworkMetadata

	mutex        sync.RWMutex
	reports      map[int64]*model.Report
	tracks       []*model.Track
	nextReportID int64
	nextTrackID  int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		Networks: map[string]*MemoryNetwork{},
		Metadata: map[memoryMetadataKey]*NetworkMetadata{},
		reports:  map[int64]*model.Report{},
	}
}

func (s *MemoryStorage) ListNetworks(filter ListNetworksFilter) ([]*NetworkMetadata, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	networks := []*NetworkMetadata{}
	for _, metadata := range s.Metadata {
		if filter.Source != "" && metadata.Source != filter.Source {
			continue
		}
		if filter.Hash != "" && metadata.Hash != filter.Hash {
			continue
		}
		networks = append(networks, metadata)
	}
	sort.Slice(networks, func(i, j int) bool {
		return networks[i].RetrievedAt.After(networks[j].RetrievedAt)
	})
	return networks, nil
}

func (s *MemoryStorage) WriteNetworkMetadata(metadata *NetworkMetadata) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.Metadata[memoryMetadataKey{metadata.Source, metadata.Hash}] = metadata
	return nil
}

func (s *MemoryStorage) DeleteNetworkMetadata(source string, hash string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := memoryMetadataKey{source, hash}
	if _, found := s.Metadata[key]; !found {
		return fmt.Errorf("network %s (%s): %w", hash, source, ErrNotFound)
	}
	delete(s.Metadata, key)
	return nil
}

func (s *MemoryStorage) GetReader(network string) (NetworkReader, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	n, ok := s.Networks[network]
	if !ok {
		return nil, fmt.Errorf("network %s: %w", network, ErrNotFound)
	}
	return n, nil
}

func (s *MemoryStorage) GetWriter(network string) (NetworkWriter, error) {
	n := &MemoryNetwork{
		stops:           map[int64]*model.Stop{},
		routes:          map[int64]*model.Route{},
		conditions:      map[int64]*model.Condition{},
		routeStops:      map[[2]int64]*model.RouteStop{},
		schedulesByStop: map[int64][]*model.Schedule{},
		schedulesByRun:  map[model.RunKey][]*model.Schedule{},
		refs:            map[string]model.RunKey{},
		spatial:         &rtree.RTree{},
	}

	s.mutex.Lock()
	s.Networks[network] = n
	s.mutex.Unlock()

	return n, nil
}

func (s *MemoryStorage) WriteReport(report *model.Report) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.nextReportID++
	report.ID = s.nextReportID
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}
	stored := *report
	s.reports[report.ID] = &stored
	return nil
}

func (s *MemoryStorage) ListReports(filter ReportFilter) ([]*model.Report, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	routes := map[int64]bool{}
	for _, id := range filter.RouteIDs {
		routes[id] = true
	}
	runs := map[model.RunKey]bool{}
	for _, key := range filter.Runs {
		runs[key] = true
	}

	reports := []*model.Report{}
	for _, r := range s.reports {
		if len(filter.RouteIDs) > 0 && !routes[r.RouteID] {
			continue
		}
		if filter.Runs != nil && r.Run != nil && !runs[model.RunKey{RouteID: r.RouteID, Run: *r.Run}] {
			continue
		}
		if !filter.Since.IsZero() && r.CreatedAt.Before(filter.Since) {
			continue
		}
		report := *r
		reports = append(reports, &report)
	}

	sort.Slice(reports, func(i, j int) bool {
		if !reports[i].CreatedAt.Equal(reports[j].CreatedAt) {
			return reports[i].CreatedAt.Before(reports[j].CreatedAt)
		}
		return reports[i].ID < reports[j].ID
	})

	return reports, nil
}

func (s *MemoryStorage) DeleteReport(id int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, found := s.reports[id]; !found {
		return fmt.Errorf("report %d: %w", id, ErrNotFound)
	}
	delete(s.reports, id)
	return nil
}

func (s *MemoryStorage) WriteTrack(track *model.Track) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.nextTrackID++
	track.ID = s.nextTrackID
	if track.CreatedAt.IsZero() {
		track.CreatedAt = time.Now().UTC()
	}
	stored := *track
	s.tracks = append(s.tracks, &stored)
	return nil
}

func (s *MemoryStorage) ListTracks(filter TrackFilter) ([]*model.Track, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	runs := map[model.RunKey]bool{}
	for _, key := range filter.Runs {
		runs[key] = true
	}

	tracks := []*model.Track{}
	for _, t := range s.tracks {
		if filter.Runs != nil && !runs[t.Key()] {
			continue
		}
		if !filter.Since.IsZero() && t.CreatedAt.Before(filter.Since) {
			continue
		}
		track := *t
		tracks = append(tracks, &track)
	}

	sort.SliceStable(tracks, func(i, j int) bool {
		return tracks[i].CreatedAt.Before(tracks[j].CreatedAt)
	})

	return tracks, nil
}

func (s *MemoryStorage) DeleteTracks(before time.Time) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	kept := s.tracks[:0]
	deleted := 0
	for _, t := range s.tracks {
		if t.CreatedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, t)
	}
	s.tracks = kept
	return deleted, nil
}

// A network held in memory. Acts as both writer and reader. Writes
// must complete (Close) before reads begin.
type MemoryNetwork struct {
	stops           map[int64]*model.Stop
	routes          map[int64]*model.Route
	conditions      map[int64]*model.Condition
	routeStops      map[[2]int64]*model.RouteStop
	schedules       []*model.Schedule
	schedulesByStop map[int64][]*model.Schedule
	schedulesByRun  map[model.RunKey][]*model.Schedule
	refs            map[string]model.RunKey
	spatial         *rtree.RTree

	nextScheduleID int64
}

func (n *MemoryNetwork) WriteStop(stop *model.Stop) error {
	if _, found := n.stops[stop.ID]; found {
		return fmt.Errorf("duplicate stop %d", stop.ID)
	}
	n.stops[stop.ID] = stop
	point := [2]float64{stop.Lat, stop.Lon}
	n.spatial.Insert(point, point, stop)
	return nil
}

func (n *MemoryNetwork) WriteRoute(route *model.Route) error {
	n.routes[route.ID] = route
	return nil
}

func (n *MemoryNetwork) WriteCondition(cond *model.Condition) error {
	n.conditions[cond.ID] = cond
	return nil
}

func (n *MemoryNetwork) BeginSchedules() error {
	return nil
}

func (n *MemoryNetwork) WriteSchedule(schedule *model.Schedule) error {
	if schedule.ID == 0 {
		n.nextScheduleID++
		schedule.ID = n.nextScheduleID
	} else if schedule.ID > n.nextScheduleID {
		n.nextScheduleID = schedule.ID
	}

	rsKey := [2]int64{schedule.RouteID, schedule.StopID}
	if _, found := n.routeStops[rsKey]; !found {
		n.routeStops[rsKey] = &model.RouteStop{
			ID:      int64(len(n.routeStops) + 1),
			RouteID: schedule.RouteID,
			StopID:  schedule.StopID,
		}
	}

	n.schedules = append(n.schedules, schedule)
	n.schedulesByStop[schedule.StopID] = append(n.schedulesByStop[schedule.StopID], schedule)
	n.schedulesByRun[schedule.Key()] = append(n.schedulesByRun[schedule.Key()], schedule)
	if schedule.Ref != "" {
		n.refs[schedule.Ref] = schedule.Key()
	}
	return nil
}

func (n *MemoryNetwork) EndSchedules() error {
	for _, run := range n.schedulesByRun {
		sort.SliceStable(run, func(i, j int) bool {
			return run[i].Sequence < run[j].Sequence
		})
	}
	return nil
}

func (n *MemoryNetwork) Close() error {
	return n.EndSchedules()
}

func (n *MemoryNetwork) Stops() ([]*model.Stop, error) {
	stops := make([]*model.Stop, 0, len(n.stops))
	for _, stop := range n.stops {
		stops = append(stops, stop)
	}
	sort.Slice(stops, func(i, j int) bool {
		return stops[i].ID < stops[j].ID
	})
	return stops, nil
}

func (n *MemoryNetwork) Routes() ([]*model.Route, error) {
	routes := make([]*model.Route, 0, len(n.routes))
	for _, route := range n.routes {
		routes = append(routes, route)
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].ID < routes[j].ID
	})
	return routes, nil
}

func (n *MemoryNetwork) RouteStops() ([]*model.RouteStop, error) {
	routeStops := make([]*model.RouteStop, 0, len(n.routeStops))
	for _, rs := range n.routeStops {
		routeStops = append(routeStops, rs)
	}
	sort.Slice(routeStops, func(i, j int) bool {
		return routeStops[i].ID < routeStops[j].ID
	})
	return routeStops, nil
}

func (n *MemoryNetwork) Conditions() ([]*model.Condition, error) {
	conds := make([]*model.Condition, 0, len(n.conditions))
	for _, c := range n.conditions {
		conds = append(conds, c)
	}
	sort.Slice(conds, func(i, j int) bool {
		return conds[i].ID < conds[j].ID
	})
	return conds, nil
}

func (n *MemoryNetwork) Stop(id int64) (*model.Stop, error) {
	stop, found := n.stops[id]
	if !found {
		return nil, fmt.Errorf("stop %d: %w", id, ErrNotFound)
	}
	return stop, nil
}

func (n *MemoryNetwork) Route(id int64) (*model.Route, error) {
	route, found := n.routes[id]
	if !found {
		return nil, fmt.Errorf("route %d: %w", id, ErrNotFound)
	}
	return route, nil
}

func (n *MemoryNetwork) StopsWithin(lat float64, lon float64, radius float64) ([]StopDistance, error) {
	minLat, minLon, maxLat, maxLon := boundingBox(lat, lon, radius)

	result := []StopDistance{}
	n.spatial.Search(
		[2]float64{minLat, minLon},
		[2]float64{maxLat, maxLon},
		func(min, max [2]float64, data interface{}) bool {
			stop := data.(*model.Stop)
			dist := DistanceMeters(lat, lon, stop.Lat, stop.Lon)
			if dist <= radius {
				result = append(result, StopDistance{Stop: stop, Distance: dist})
			}
			return true
		},
	)

	sortStopDistances(result)
	return result, nil
}

func (n *MemoryNetwork) Schedules(filter ScheduleFilter) ([]*model.Schedule, error) {
	candidates := n.schedules
	if filter.StopID != 0 {
		candidates = n.schedulesByStop[filter.StopID]
	}

	schedules := []*model.Schedule{}
	for _, s := range candidates {
		if filter.RouteID != 0 && s.RouteID != filter.RouteID {
			continue
		}
		if filter.Destination != "" && s.Destination != filter.Destination {
			continue
		}
		schedules = append(schedules, s)
	}

	sort.SliceStable(schedules, func(i, j int) bool {
		a, b := schedules[i], schedules[j]
		if a.RouteID != b.RouteID {
			return a.RouteID < b.RouteID
		}
		if a.Run != b.Run {
			return a.Run < b.Run
		}
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		return a.ID < b.ID
	})

	return schedules, nil
}

func (n *MemoryNetwork) permits(s *model.Schedule, days model.Weekdays) bool {
	if days == 0 {
		return true
	}
	conds := make([]*model.Condition, 0, len(s.ConditionIDs))
	for _, id := range s.ConditionIDs {
		if c, found := n.conditions[id]; found {
			conds = append(conds, c)
		}
	}
	return conditionsPermit(conds, days)
}

func (n *MemoryNetwork) LegEvents(filter LegEventFilter) ([]*LegEvent, error) {
	events := []*LegEvent{}

	seen := map[int64]bool{}
	for _, stopID := range filter.StopIDs {
		if seen[stopID] {
			continue
		}
		seen[stopID] = true

		for _, dep := range n.schedulesByStop[stopID] {
			if filter.DepartureStart != "" && dep.Time < filter.DepartureStart {
				continue
			}
			if filter.DepartureEnd != "" && dep.Time > filter.DepartureEnd {
				continue
			}
			if !n.permits(dep, filter.Weekdays) {
				continue
			}

			route := n.routes[dep.RouteID]
			depStop := n.stops[dep.StopID]
			if route == nil || depStop == nil {
				continue
			}

			for _, arr := range n.schedulesByRun[dep.Key()] {
				if arr.Sequence <= dep.Sequence || arr.Destination != dep.Destination {
					continue
				}
				arrStop := n.stops[arr.StopID]
				if arrStop == nil {
					continue
				}
				events = append(events, &LegEvent{
					Route:       route,
					Run:         dep.Run,
					Destination: dep.Destination,
					Departure: StopCall{
						ScheduleID: dep.ID,
						Stop:       depStop,
						Sequence:   dep.Sequence,
						Time:       dep.Time,
					},
					Arrival: StopCall{
						ScheduleID: arr.ID,
						Stop:       arrStop,
						Sequence:   arr.Sequence,
						Time:       arr.Time,
					},
				})
			}
		}
	}

	sortLegEvents(events)
	return events, nil
}

func (n *MemoryNetwork) RunSchedules(runs []model.RunKey) (map[model.RunKey][]*RunStop, error) {
	result := map[model.RunKey][]*RunStop{}
	for _, key := range uniqueRunKeys(runs) {
		for _, s := range n.schedulesByRun[key] {
			stop := n.stops[s.StopID]
			if stop == nil {
				continue
			}
			result[key] = append(result[key], &RunStop{
				Stop:     stop,
				Sequence: s.Sequence,
				Time:     s.Time,
			})
		}
	}
	return result, nil
}

func (n *MemoryNetwork) RunByRef(ref string) (model.RunKey, error) {
	key, found := n.refs[ref]
	if !found {
		return model.RunKey{}, fmt.Errorf("run ref '%s': %w", ref, ErrNotFound)
	}
	return key, nil
}

func (n *MemoryNetwork) RouteDestinations(stopIDs []int64) ([]*RouteDestinations, error) {
	result := []*RouteDestinations{}

	seen := map[int64]bool{}
	for _, stopID := range stopIDs {
		if seen[stopID] {
			continue
		}
		seen[stopID] = true

		byRoute := map[int64]map[string]bool{}
		for _, s := range n.schedulesByStop[stopID] {
			if byRoute[s.RouteID] == nil {
				byRoute[s.RouteID] = map[string]bool{}
			}
			byRoute[s.RouteID][s.Destination] = true
		}

		for routeID, dests := range byRoute {
			route := n.routes[routeID]
			if route == nil {
				continue
			}
			rd := &RouteDestinations{StopID: stopID, Route: route}
			for d := range dests {
				rd.Destinations = append(rd.Destinations, d)
			}
			sort.Strings(rd.Destinations)
			result = append(result, rd)
		}
	}

	sortRouteDestinations(result)
	return result, nil
}

func (n *MemoryNetwork) Operators() ([]string, error) {
	seen := map[string]bool{}
	operators := []string{}
	for _, route := range n.routes {
		if seen[route.Operator] {
			continue
		}
		seen[route.Operator] = true
		operators = append(operators, route.Operator)
	}
	sort.Strings(operators)
	return operators, nil
}

func sortStopDistances(stops []StopDistance) {
	sort.SliceStable(stops, func(i, j int) bool {
		if stops[i].Distance != stops[j].Distance {
			return stops[i].Distance < stops[j].Distance
		}
		return stops[i].Stop.ID < stops[j].Stop.ID
	})
}

func sortLegEvents(events []*LegEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Departure.Time != b.Departure.Time {
			return a.Departure.Time < b.Departure.Time
		}
		if a.Route.ID != b.Route.ID {
			return a.Route.ID < b.Route.ID
		}
		if a.Run != b.Run {
			return a.Run < b.Run
		}
		if a.Departure.Sequence != b.Departure.Sequence {
			return a.Departure.Sequence < b.Departure.Sequence
		}
		return a.Arrival.Sequence < b.Arrival.Sequence
	})
}

func sortRouteDestinations(rds []*RouteDestinations) {
	sort.SliceStable(rds, func(i, j int) bool {
		if rds[i].StopID != rds[j].StopID {
			return rds[i].StopID < rds[j].StopID
		}
		return rds[i].Route.ID < rds[j].Route.ID
	})
}
