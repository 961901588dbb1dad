package storage

import (
	"errors"
	"time"

	"tidbyt.dev/transit/model"
)

var ErrNotFound = errors.New("not found")

type Storage interface {
	LiveStore

	// Retrieves all network metadata records matching the given
	// filter, most recently retrieved first.
	ListNetworks(filter ListNetworksFilter) ([]*NetworkMetadata, error)

	// Writes a NetworkMetadata record. If a record with the same
	// source and hash exists, it is updated.
	WriteNetworkMetadata(metadata *NetworkMetadata) error

	DeleteNetworkMetadata(source string, hash string) error

	// Gets a reader for the network with the given hash.
	GetReader(network string) (NetworkReader, error)

	// Gets a writer for the network with the given hash. Any
	// existing data for the network is discarded.
	GetWriter(network string) (NetworkWriter, error)
}

type ListNetworksFilter struct {
	// If set, only include networks loaded from this source.
	Source string

	// If set, only include networks with the given hash.
	Hash string
}

// Metadata for an imported network. The parsed data can be accessed
// via NetworkReader.
type NetworkMetadata struct {
	Source      string
	Hash        string
	Format      string
	RetrievedAt time.Time
	Timezone    string
	MaxTime     string
}

// Writes reference data for a single network.
//
// Schedules dominate in size, so BeginSchedules() and EndSchedules()
// are called before and after all calls to WriteSchedule(), allowing
// transactions/batching. Writing a schedule also registers its route
// and stop as a RouteStop.
type NetworkWriter interface {
	WriteStop(stop *model.Stop) error
	WriteRoute(route *model.Route) error
	WriteCondition(cond *model.Condition) error
	BeginSchedules() error
	WriteSchedule(schedule *model.Schedule) error
	EndSchedules() error
	Close() error
}

type NetworkReader interface {
	Stops() ([]*model.Stop, error)
	Routes() ([]*model.Route, error)
	RouteStops() ([]*model.RouteStop, error)
	Conditions() ([]*model.Condition, error)

	// Single record lookups. ErrNotFound if missing.
	Stop(id int64) (*model.Stop, error)
	Route(id int64) (*model.Route, error)

	// Stops within radius metres of lat/lon, ordered by distance.
	StopsWithin(lat float64, lon float64, radius float64) ([]StopDistance, error)

	// Schedule entries matching the filter, ordered by route, run
	// and sequence. ConditionIDs are populated.
	Schedules(filter ScheduleFilter) ([]*model.Schedule, error)

	// Rides departing from a set of stops: each departure paired
	// with every later call of the same route, run and
	// destination.
	LegEvents(filter LegEventFilter) ([]*LegEvent, error)

	// Full stop-by-stop schedule of each run, ordered by sequence.
	// Runs without schedule entries are omitted.
	RunSchedules(runs []model.RunKey) (map[model.RunKey][]*RunStop, error)

	// Resolves an external trip reference (e.g. a GTFS trip_id) to
	// the run it was imported as.
	RunByRef(ref string) (model.RunKey, error)

	// Distinct routes passing through each of the stops, with all
	// distinct destinations served there.
	RouteDestinations(stopIDs []int64) ([]*RouteDestinations, error)

	// Distinct operator names, sorted.
	Operators() ([]string, error)
}

// Incident reports and vehicle positions. Unlike reference data,
// these are written continuously and must be safe for concurrent use.
type LiveStore interface {
	// Stores a report, assigning ID (and CreatedAt, if zero).
	WriteReport(report *model.Report) error
	ListReports(filter ReportFilter) ([]*model.Report, error)
	DeleteReport(id int64) error

	// Stores a position sample, assigning ID (and CreatedAt, if
	// zero).
	WriteTrack(track *model.Track) error
	ListTracks(filter TrackFilter) ([]*model.Track, error)

	// Deletes all tracks created before the given time. Returns
	// the number of tracks deleted.
	DeleteTracks(before time.Time) (int, error)
}

type StopDistance struct {
	Stop *model.Stop

	// Metres
	Distance float64
}

// Filter for Schedules(). Zero values don't restrict.
type ScheduleFilter struct {
	RouteID     int64
	StopID      int64
	Destination string
}

// Filter for LegEvents()
type LegEventFilter struct {
	// Departure stops. Required.
	StopIDs []int64

	// Limit results to departures within a range
	// (inclusive). Times given as "HHMMSS". Blank means
	// unbounded.
	DepartureStart string
	DepartureEnd   string

	// If non-zero, limit results to departures whose conditions
	// permit any of these days.
	Weekdays model.Weekdays
}

// A stop call within a LegEvent.
type StopCall struct {
	ScheduleID int64
	Stop       *model.Stop
	Sequence   int
	Time       string
}

// A ride on a single run from one stop to a later one.
type LegEvent struct {
	Route       *model.Route
	Run         int
	Destination string
	Departure   StopCall
	Arrival     StopCall
}

func (e *LegEvent) Key() model.RunKey {
	return model.RunKey{RouteID: e.Route.ID, Run: e.Run}
}

type RunStop struct {
	Stop     *model.Stop
	Sequence int
	Time     string
}

// Holds all destinations for schedules of a route passing through a
// stop.
type RouteDestinations struct {
	StopID       int64
	Route        *model.Route
	Destinations []string
}

// Filter for ListReports()
type ReportFilter struct {
	// If set, only include reports for these routes.
	RouteIDs []int64

	// If non-nil, only include route-wide reports (no run) and
	// reports scoped to one of these runs.
	Runs []model.RunKey

	// If non-zero, only include reports created at or after.
	Since time.Time
}

// Filter for ListTracks()
type TrackFilter struct {
	// If non-nil, only include tracks for these runs.
	Runs []model.RunKey

	// If non-zero, only include tracks created at or after.
	Since time.Time
}

// Reports whether a schedule carrying the given conditions runs on
// any of the given days.
func conditionsPermit(conds []*model.Condition, days model.Weekdays) bool {
	if days == 0 {
		return true
	}
	restricted := false
	for _, c := range conds {
		if c.Weekdays == 0 {
			continue
		}
		restricted = true
		if c.Weekdays&days != 0 {
			return true
		}
	}
	return !restricted
}
