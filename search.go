package transit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tidbyt.dev/transit/model"
	"tidbyt.dev/transit/storage"
)

const (
	DefaultRadius         = 1000.0
	DefaultTransferRadius = 200.0
	DefaultMaxTransfers   = 2
	DefaultMinTransferGap = 3 * time.Minute
	DefaultMaxTransferGap = 1200 * time.Minute
	DefaultResultLimit    = 100
)

// The parts of a network the transfer search needs. Satisfied by
// storage.NetworkReader.
type ScheduleGraph interface {
	StopsWithin(lat float64, lon float64, radius float64) ([]storage.StopDistance, error)
	LegEvents(filter storage.LegEventFilter) ([]*storage.LegEvent, error)
}

type SearchParams struct {
	// Candidate boarding and alighting stops, keyed by stop ID.
	// Values are the distance (metres) to the query's origin or
	// destination.
	StartStops map[int64]float64
	EndStops   map[int64]float64

	// Earliest departure from a start stop, as offset from
	// midnight.
	NotBefore time.Duration

	MaxTransfers int

	// Metres
	TransferRadius float64

	// Allowed wait between arriving and departing at a transfer.
	MinTransferGap time.Duration
	MaxTransferGap time.Duration

	// If non-zero, only rides running on one of these days are
	// considered.
	Weekdays model.Weekdays

	// Maximum number of candidates returned. Defaults to
	// DefaultResultLimit.
	Limit int
}

// A journey found by Search. Legs are in travel order.
type Candidate struct {
	Legs      []*storage.LegEvent
	Transfers int
}

func (c *Candidate) First() *storage.LegEvent {
	return c.Legs[0]
}

func (c *Candidate) Last() *storage.LegEvent {
	return c.Legs[len(c.Legs)-1]
}

// Stop IDs visited, starting with the first boarding stop.
func (c *Candidate) Path() []int64 {
	path := make([]int64, 0, len(c.Legs)+1)
	path = append(path, c.Legs[0].Departure.Stop.ID)
	for _, leg := range c.Legs {
		path = append(path, leg.Arrival.Stop.ID)
	}
	return path
}

// A partial journey. Journeys share prefixes, so each node only holds
// its last leg and the index of the node it extends.
type searchNode struct {
	parent    int
	leg       *storage.LegEvent
	transfers int
}

type searcher struct {
	graph  ScheduleGraph
	params SearchParams

	nodes []searchNode

	nearby map[int64][]int64
	legs   map[string][]*storage.LegEvent
}

// Finds journeys from any of the start stops to any of the end stops.
//
// The first leg boards at a start stop no earlier than NotBefore. Each
// subsequent leg boards at a stop within TransferRadius of where the
// previous leg alighted, between MinTransferGap and MaxTransferGap
// after the previous arrival. No journey visits the same stop twice.
//
// Results are ordered by final arrival time and then by number of
// transfers, and capped at Limit.
//
// If ctx is cancelled, the journeys found so far are returned without
// error.
func Search(ctx context.Context, graph ScheduleGraph, params SearchParams) ([]*Candidate, error) {
	if len(params.StartStops) == 0 || len(params.EndStops) == 0 {
		return []*Candidate{}, nil
	}
	if params.Limit <= 0 {
		params.Limit = DefaultResultLimit
	}
	if params.MaxTransfers < 0 {
		params.MaxTransfers = 0
	}

	s := &searcher{
		graph:  graph,
		params: params,
		nearby: map[int64][]int64{},
		legs:   map[string][]*storage.LegEvent{},
	}

	err := s.run(ctx)
	if err != nil {
		return nil, err
	}

	return s.candidates(), nil
}

func (s *searcher) run(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}

	startIDs := make([]int64, 0, len(s.params.StartStops))
	for id := range s.params.StartStops {
		startIDs = append(startIDs, id)
	}
	sort.Slice(startIDs, func(i, j int) bool { return startIDs[i] < startIDs[j] })

	base, err := s.graph.LegEvents(storage.LegEventFilter{
		StopIDs:        startIDs,
		DepartureStart: model.FormatOffset(s.params.NotBefore),
		Weekdays:       s.params.Weekdays,
	})
	if err != nil {
		return fmt.Errorf("getting departures from start stops: %w", err)
	}

	frontier := make([]int, 0, len(base))
	for _, leg := range base {
		if leg.Departure.Stop.ID == leg.Arrival.Stop.ID {
			continue
		}
		s.nodes = append(s.nodes, searchNode{parent: -1, leg: leg})
		frontier = append(frontier, len(s.nodes)-1)
	}

	for layer := 1; layer <= s.params.MaxTransfers && len(frontier) > 0; layer++ {
		if ctx.Err() != nil {
			return nil
		}

		next := []int{}
		for _, idx := range frontier {
			if ctx.Err() != nil {
				return nil
			}

			created, err := s.expand(idx)
			if err != nil {
				return err
			}
			next = append(next, created...)
		}
		frontier = next
	}

	return nil
}

// Extends the journey ending in node idx by one transfer. Returns the
// indices of the nodes created.
func (s *searcher) expand(idx int) ([]int, error) {
	node := s.nodes[idx]
	arrival := node.leg.Arrival

	transferStops, err := s.transferStops(arrival.Stop)
	if err != nil {
		return nil, err
	}
	if len(transferStops) == 0 {
		return nil, nil
	}

	arrivalOffset := model.ParseOffset(arrival.Time)
	start := model.FormatOffset(arrivalOffset + s.params.MinTransferGap)
	end := model.FormatOffset(arrivalOffset + s.params.MaxTransferGap)

	legs, err := s.departures(arrival.Stop.ID, transferStops, start, end)
	if err != nil {
		return nil, err
	}

	visited := s.visited(idx)

	created := []int{}
	for _, leg := range legs {
		if visited[leg.Arrival.Stop.ID] || leg.Departure.Stop.ID == leg.Arrival.Stop.ID {
			continue
		}
		s.nodes = append(s.nodes, searchNode{
			parent:    idx,
			leg:       leg,
			transfers: node.transfers + 1,
		})
		created = append(created, len(s.nodes)-1)
	}

	return created, nil
}

// IDs of stops within TransferRadius of a stop, including the stop
// itself.
func (s *searcher) transferStops(stop *model.Stop) ([]int64, error) {
	if ids, found := s.nearby[stop.ID]; found {
		return ids, nil
	}

	near, err := s.graph.StopsWithin(stop.Lat, stop.Lon, s.params.TransferRadius)
	if err != nil {
		return nil, fmt.Errorf("getting stops near %d: %w", stop.ID, err)
	}

	ids := make([]int64, 0, len(near))
	for _, sd := range near {
		ids = append(ids, sd.Stop.ID)
	}
	s.nearby[stop.ID] = ids

	return ids, nil
}

// Rides departing from the transfer stops around stopID within a time
// window.
func (s *searcher) departures(stopID int64, transferStops []int64, start, end string) ([]*storage.LegEvent, error) {
	key := fmt.Sprintf("%d/%s/%s", stopID, start, end)
	if legs, found := s.legs[key]; found {
		return legs, nil
	}

	legs, err := s.graph.LegEvents(storage.LegEventFilter{
		StopIDs:        transferStops,
		DepartureStart: start,
		DepartureEnd:   end,
		Weekdays:       s.params.Weekdays,
	})
	if err != nil {
		return nil, fmt.Errorf("getting departures near %d: %w", stopID, err)
	}
	s.legs[key] = legs

	return legs, nil
}

// Stops visited by the journey ending in node idx.
func (s *searcher) visited(idx int) map[int64]bool {
	visited := map[int64]bool{}
	for i := idx; i >= 0; i = s.nodes[i].parent {
		leg := s.nodes[i].leg
		visited[leg.Arrival.Stop.ID] = true
		if s.nodes[i].parent < 0 {
			visited[leg.Departure.Stop.ID] = true
		}
	}
	return visited
}

func (s *searcher) journey(idx int) *Candidate {
	node := s.nodes[idx]
	legs := make([]*storage.LegEvent, node.transfers+1)
	for i := idx; i >= 0; i = s.nodes[i].parent {
		legs[s.nodes[i].transfers] = s.nodes[i].leg
	}
	return &Candidate{
		Legs:      legs,
		Transfers: node.transfers,
	}
}

// Journeys ending at an end stop, ranked and capped.
func (s *searcher) candidates() []*Candidate {
	ending := []int{}
	for i, node := range s.nodes {
		if _, found := s.params.EndStops[node.leg.Arrival.Stop.ID]; found {
			ending = append(ending, i)
		}
	}

	sort.SliceStable(ending, func(i, j int) bool {
		a, b := s.nodes[ending[i]], s.nodes[ending[j]]
		if a.leg.Arrival.Time != b.leg.Arrival.Time {
			return a.leg.Arrival.Time < b.leg.Arrival.Time
		}
		return a.transfers < b.transfers
	})

	if len(ending) > s.params.Limit {
		ending = ending[:s.params.Limit]
	}

	candidates := make([]*Candidate, 0, len(ending))
	for _, idx := range ending {
		candidates = append(candidates, s.journey(idx))
	}

	return candidates
}
