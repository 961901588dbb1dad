package transit

import (
	"fmt"
	"math"
	"sort"
	"time"

	"tidbyt.dev/transit/model"
	"tidbyt.dev/transit/storage"
)

// A loaded network: reference data plus the time zone its schedules
// are expressed in.
type Network struct {
	Metadata *storage.NetworkMetadata
	Reader   storage.NetworkReader

	conditions map[int64]*model.Condition
	location   *time.Location
}

func NewNetwork(reader storage.NetworkReader, metadata *storage.NetworkMetadata) (*Network, error) {
	location, err := time.LoadLocation(metadata.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone: %w", err)
	}

	conds, err := reader.Conditions()
	if err != nil {
		return nil, fmt.Errorf("getting conditions: %w", err)
	}
	conditions := make(map[int64]*model.Condition, len(conds))
	for _, c := range conds {
		conditions[c.ID] = c
	}

	return &Network{
		Metadata:   metadata,
		Reader:     reader,
		conditions: conditions,
		location:   location,
	}, nil
}

func (n *Network) Location() *time.Location {
	return n.location
}

// Offset of t from midnight in the network's time zone.
func (n *Network) offset(t time.Time) time.Duration {
	local := t.In(n.location)
	return local.Sub(addOffset(local, 0))
}

// Returns stops within radius metres of lat,lon ordered by distance,
// each with the routes serving it.
func (n *Network) NearbyStops(lat float64, lon float64, radius float64) ([]model.NearbyStop, error) {
	near, err := n.Reader.StopsWithin(lat, lon, radius)
	if err != nil {
		return nil, fmt.Errorf("getting stops within %.0fm: %w", radius, err)
	}

	stops := make([]model.NearbyStop, 0, len(near))
	if len(near) == 0 {
		return stops, nil
	}

	ids := make([]int64, 0, len(near))
	for _, sd := range near {
		ids = append(ids, sd.Stop.ID)
	}

	rds, err := n.Reader.RouteDestinations(ids)
	if err != nil {
		return nil, fmt.Errorf("getting route destinations: %w", err)
	}
	routesByStop := map[int64][]model.RouteSummary{}
	for _, rd := range rds {
		routesByStop[rd.StopID] = append(routesByStop[rd.StopID], routeSummary(rd.Route, rd.Destinations))
	}

	for _, sd := range near {
		routes := routesByStop[sd.Stop.ID]
		if routes == nil {
			routes = []model.RouteSummary{}
		}
		stops = append(stops, model.NearbyStop{
			ID:          sd.Stop.ID,
			Name:        sd.Stop.Name,
			Coordinates: coordinates(sd.Stop),
			Type:        sd.Stop.Type,
			Routes:      routes,
			Distance:    int(math.Round(sd.Distance)),
		})
	}

	return stops, nil
}

// Returns a stop with every route serving it and the route's
// schedules at the stop.
//
// Schedules are ordered with those still to come at time now first,
// each group by time.
func (n *Network) StopDetails(stopID int64, now time.Time) (*model.StopDetail, error) {
	stop, err := n.Reader.Stop(stopID)
	if err != nil {
		return nil, err
	}

	schedules, err := n.Reader.Schedules(storage.ScheduleFilter{StopID: stopID})
	if err != nil {
		return nil, fmt.Errorf("getting schedules: %w", err)
	}

	byRoute := map[int64][]*model.Schedule{}
	routes := []*model.Route{}
	for _, s := range schedules {
		if _, found := byRoute[s.RouteID]; !found {
			route, err := n.Reader.Route(s.RouteID)
			if err != nil {
				return nil, fmt.Errorf("getting route %d: %w", s.RouteID, err)
			}
			routes = append(routes, route)
		}
		byRoute[s.RouteID] = append(byRoute[s.RouteID], s)
	}

	sort.SliceStable(routes, func(i, j int) bool {
		if routes[i].Name != routes[j].Name {
			return routes[i].Name < routes[j].Name
		}
		return routes[i].ID < routes[j].ID
	})

	nowOffset := n.offset(now)

	detail := &model.StopDetail{
		ID:          stop.ID,
		Name:        stop.Name,
		Coordinates: coordinates(stop),
		Type:        stop.Type,
		Routes:      make([]model.StopRoute, 0, len(routes)),
	}
	for _, route := range routes {
		rs := byRoute[route.ID]
		detail.Routes = append(detail.Routes, model.StopRoute{
			RouteSummary: routeSummary(route, destinations(rs)),
			Schedules:    n.scheduleViews(rs, nowOffset),
		})
	}

	return detail, nil
}

// Returns a route with its stops and schedules at each stop. If
// destination is non-empty, only schedules towards it are included.
// Destinations always lists every destination of the route.
func (n *Network) RouteDetails(routeID int64, destination string, now time.Time) (*model.RouteDetail, error) {
	route, err := n.Reader.Route(routeID)
	if err != nil {
		return nil, err
	}

	all, err := n.Reader.Schedules(storage.ScheduleFilter{RouteID: routeID})
	if err != nil {
		return nil, fmt.Errorf("getting schedules: %w", err)
	}

	routeStops, err := n.Reader.RouteStops()
	if err != nil {
		return nil, fmt.Errorf("getting route stops: %w", err)
	}
	sort.SliceStable(routeStops, func(i, j int) bool {
		return routeStops[i].ID < routeStops[j].ID
	})

	byStop := map[int64][]*model.Schedule{}
	for _, s := range all {
		if destination != "" && s.Destination != destination {
			continue
		}
		byStop[s.StopID] = append(byStop[s.StopID], s)
	}

	nowOffset := n.offset(now)

	detail := &model.RouteDetail{
		ID:           route.ID,
		Name:         route.Name,
		Operator:     route.Operator,
		Type:         route.Type,
		Destinations: destinations(all),
		Stops:        []model.RouteStopDetail{},
	}
	for _, rs := range routeStops {
		if rs.RouteID != routeID {
			continue
		}
		stop, err := n.Reader.Stop(rs.StopID)
		if err != nil {
			return nil, fmt.Errorf("getting stop %d: %w", rs.StopID, err)
		}
		detail.Stops = append(detail.Stops, model.RouteStopDetail{
			ID:          stop.ID,
			Name:        stop.Name,
			Type:        stop.Type,
			Coordinates: coordinates(stop),
			Schedules:   n.scheduleViews(byStop[stop.ID], nowOffset),
		})
	}

	return detail, nil
}

// Distinct operator names, sorted.
func (n *Network) Operators() ([]string, error) {
	operators, err := n.Reader.Operators()
	if err != nil {
		return nil, fmt.Errorf("getting operators: %w", err)
	}
	return operators, nil
}

// Routes run by an operator, sorted by name.
func (n *Network) OperatorRoutes(operator string) ([]model.RouteSummary, error) {
	routes, err := n.Reader.Routes()
	if err != nil {
		return nil, fmt.Errorf("getting routes: %w", err)
	}

	summaries := []model.RouteSummary{}
	for _, route := range routes {
		if route.Operator != operator {
			continue
		}
		schedules, err := n.Reader.Schedules(storage.ScheduleFilter{RouteID: route.ID})
		if err != nil {
			return nil, fmt.Errorf("getting schedules for route %d: %w", route.ID, err)
		}
		summaries = append(summaries, routeSummary(route, destinations(schedules)))
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		if summaries[i].Name != summaries[j].Name {
			return summaries[i].Name < summaries[j].Name
		}
		return summaries[i].ID < summaries[j].ID
	})

	return summaries, nil
}

func (n *Network) scheduleViews(schedules []*model.Schedule, now time.Duration) []model.ScheduleView {
	sorted := make([]*model.Schedule, len(schedules))
	copy(sorted, schedules)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Offset(), sorted[j].Offset()
		aPast, bPast := a < now, b < now
		if aPast != bPast {
			return bPast
		}
		return a < b
	})

	views := make([]model.ScheduleView, 0, len(sorted))
	for _, s := range sorted {
		conds := []model.ConditionView{}
		for _, id := range s.ConditionIDs {
			c, found := n.conditions[id]
			if !found {
				continue
			}
			conds = append(conds, model.ConditionView{
				ID:          c.ID,
				Name:        c.Name,
				Description: c.Description,
			})
		}
		views = append(views, model.ScheduleView{
			ID:          s.ID,
			Time:        model.FormatClock(s.Offset()),
			Destination: s.Destination,
			Run:         s.Run,
			Sequence:    s.Sequence,
			Conditions:  conds,
		})
	}
	return views
}

func routeSummary(route *model.Route, destinations []string) model.RouteSummary {
	if destinations == nil {
		destinations = []string{}
	}
	return model.RouteSummary{
		ID:           route.ID,
		Name:         route.Name,
		Operator:     route.Operator,
		Type:         route.Type,
		Destinations: destinations,
	}
}

// Sorted distinct destinations.
func destinations(schedules []*model.Schedule) []string {
	seen := map[string]bool{}
	dests := []string{}
	for _, s := range schedules {
		if seen[s.Destination] {
			continue
		}
		seen[s.Destination] = true
		dests = append(dests, s.Destination)
	}
	sort.Strings(dests)
	return dests
}
