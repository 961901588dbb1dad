package transit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"tidbyt.dev/transit/logging"
	"tidbyt.dev/transit/metrics"
	"tidbyt.dev/transit/model"
	"tidbyt.dev/transit/storage"
)

const DefaultPositionRetention = 24 * time.Hour

var (
	ErrInvalidQuery     = errors.New("invalid query")
	ErrNoActiveNetwork  = errors.New("no active network")
	errMissingLiveStore = errors.New("no live store configured")
)

// Returned when a query or submission fails validation. Fields maps
// the offending field (by its JSON name) to a message.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return fmt.Sprintf("%s: %s", ErrInvalidQuery, strings.Join(parts, ", "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidQuery
}

// A journey planning request. Optional fields left nil take the
// planner's defaults.
type Query struct {
	FromLat float64 `json:"fromLatitude" validate:"gte=-90,lte=90"`
	FromLon float64 `json:"fromLongitude" validate:"gte=-180,lte=180"`
	ToLat   float64 `json:"toLatitude" validate:"gte=-90,lte=90"`
	ToLon   float64 `json:"toLongitude" validate:"gte=-180,lte=180"`

	// Metres
	Radius         *float64 `json:"radius" validate:"omitempty,gte=0"`
	TransferRadius *float64 `json:"transferRadius" validate:"omitempty,gte=0"`

	MaxTransfers *int `json:"maxTransfers" validate:"omitempty,gte=0,lte=5"`

	// Departure time. Zero means now.
	Time time.Time `json:"-"`
}

type ReportInput struct {
	RouteID     int64            `json:"route_id" validate:"gt=0"`
	Run         *int             `json:"run" validate:"omitempty,gte=1"`
	Type        model.ReportType `json:"type" validate:"required,report_type"`
	Description string           `json:"description" validate:"max=255"`
	Lat         float64          `json:"latitude" validate:"gte=-90,lte=90"`
	Lon         float64          `json:"longitude" validate:"gte=-180,lte=180"`
	Image       string           `json:"image" validate:"omitempty,max=512"`
}

type PositionInput struct {
	RouteID int64   `json:"route_id" validate:"gt=0"`
	Run     int     `json:"run" validate:"gte=1"`
	Lat     float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Lon     float64 `json:"longitude" validate:"gte=-180,lte=180"`

	// Zero means now.
	Time time.Time `json:"-"`
}

// Plans journeys on the active network, enriched with live data.
type Planner struct {
	Live    storage.LiveStore
	Logger  *slog.Logger
	Metrics *metrics.Collector
	TimeNow func() time.Time

	Radius            float64
	TransferRadius    float64
	MaxTransfers      int
	MinTransferGap    time.Duration
	MaxTransferGap    time.Duration
	ResultLimit       int
	RespectConditions bool
	PositionRetention time.Duration

	mutex    sync.RWMutex
	network  *Network
	validate *validator.Validate
}

func NewPlanner(network *Network, live storage.LiveStore) *Planner {
	return &Planner{
		Live:    live,
		Logger:  logging.Discard(),
		TimeNow: time.Now,

		Radius:            DefaultRadius,
		TransferRadius:    DefaultTransferRadius,
		MaxTransfers:      DefaultMaxTransfers,
		MinTransferGap:    DefaultMinTransferGap,
		MaxTransferGap:    DefaultMaxTransferGap,
		ResultLimit:       DefaultResultLimit,
		RespectConditions: true,
		PositionRetention: DefaultPositionRetention,

		network:  network,
		validate: newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	// Only fails if the tag is already registered.
	_ = v.RegisterValidation("report_type", func(fl validator.FieldLevel) bool {
		return model.ReportType(fl.Field().String()).Valid()
	})
	return v
}

// Validates a struct, translating failures into a ValidationError.
func (p *Planner) check(s interface{}) error {
	err := p.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}

	fields := map[string]string{}
	for _, fe := range verrs {
		fields[fe.Field()] = validationMessage(fe)
	}
	return &ValidationError{Fields: fields}
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte", "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "report_type":
		return fmt.Sprintf("must be one of %s", reportTypeList())
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}

func reportTypeList() string {
	names := make([]string, 0, len(model.ReportTypes))
	for _, rt := range model.ReportTypes {
		names = append(names, string(rt))
	}
	return strings.Join(names, ", ")
}

// Replaces the network used for planning. Safe for concurrent use
// with Plan.
func (p *Planner) SetNetwork(network *Network) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.network = network
}

func (p *Planner) Network() (*Network, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	if p.network == nil {
		return nil, ErrNoActiveNetwork
	}
	return p.network, nil
}

// Finds itineraries from one point to another, departing at or after
// the query time.
//
// Invalid queries yield an error wrapping ErrInvalidQuery. No nearby
// stops at either end yields an empty result. If ctx is cancelled
// mid-search, itineraries for the journeys found so far are returned.
func (p *Planner) Plan(ctx context.Context, q Query) ([]model.Itinerary, error) {
	started := time.Now()

	itineraries, partial, err := p.plan(ctx, q)

	outcome := metrics.OutcomeOK
	switch {
	case errors.Is(err, ErrInvalidQuery):
		outcome = metrics.OutcomeInvalid
	case err != nil:
		outcome = metrics.OutcomeError
		logging.LogError(p.Logger, "plan failed", err)
	case partial:
		outcome = metrics.OutcomePartial
		p.Logger.Warn("search cancelled, returning partial results",
			slog.Int("results", len(itineraries)))
	}
	p.Metrics.ObservePlan(outcome, time.Since(started), len(itineraries))

	if err == nil {
		logging.LogOperation(p.Logger, "plan",
			slog.Float64("from_lat", q.FromLat),
			slog.Float64("from_lon", q.FromLon),
			slog.Float64("to_lat", q.ToLat),
			slog.Float64("to_lon", q.ToLon),
			slog.Int("results", len(itineraries)),
			slog.Duration("duration", time.Since(started)))
	}

	return itineraries, err
}

func (p *Planner) plan(ctx context.Context, q Query) ([]model.Itinerary, bool, error) {
	if err := p.check(q); err != nil {
		return nil, false, err
	}

	network, err := p.Network()
	if err != nil {
		return nil, false, err
	}

	radius := p.Radius
	if q.Radius != nil {
		radius = *q.Radius
	}
	transferRadius := p.TransferRadius
	if q.TransferRadius != nil {
		transferRadius = *q.TransferRadius
	}
	maxTransfers := p.MaxTransfers
	if q.MaxTransfers != nil {
		maxTransfers = *q.MaxTransfers
	}

	// Live data is always relative to the current time, even when
	// planning for a later departure.
	now := p.TimeNow()
	departure := q.Time
	if departure.IsZero() {
		departure = now
	}
	local := departure.In(network.Location())

	startStops, err := stopDistances(network.Reader, q.FromLat, q.FromLon, radius)
	if err != nil {
		return nil, false, fmt.Errorf("finding start stops: %w", err)
	}
	endStops, err := stopDistances(network.Reader, q.ToLat, q.ToLon, radius)
	if err != nil {
		return nil, false, fmt.Errorf("finding end stops: %w", err)
	}
	if len(startStops) == 0 || len(endStops) == 0 {
		return []model.Itinerary{}, false, nil
	}

	params := SearchParams{
		StartStops:     startStops,
		EndStops:       endStops,
		NotBefore:      network.offset(local),
		MaxTransfers:   maxTransfers,
		TransferRadius: transferRadius,
		MinTransferGap: p.MinTransferGap,
		MaxTransferGap: p.MaxTransferGap,
		Limit:          p.ResultLimit,
	}
	if p.RespectConditions {
		params.Weekdays = model.WeekdaysOf(local.Weekday())
	}

	candidates, err := Search(ctx, network.Reader, params)
	if err != nil {
		return nil, false, fmt.Errorf("searching: %w", err)
	}
	partial := ctx.Err() != nil

	if len(candidates) == 0 {
		return []model.Itinerary{}, partial, nil
	}

	runs, routeIDs := candidateRuns(candidates)

	in := AssembleInput{
		Candidates: candidates,
		StartStops: startStops,
		EndStops:   endStops,
		Location:   network.Location(),
	}

	in.RunSchedules, err = network.Reader.RunSchedules(runs)
	if err != nil {
		return nil, false, fmt.Errorf("getting run schedules: %w", err)
	}

	if p.Live != nil {
		in.Reports, err = p.Live.ListReports(storage.ReportFilter{
			RouteIDs: routeIDs,
			Runs:     runs,
			Since:    addOffset(now.In(network.Location()), 0),
		})
		if err != nil {
			return nil, false, fmt.Errorf("getting reports: %w", err)
		}

		tracks, err := p.Live.ListTracks(storage.TrackFilter{
			Runs:  runs,
			Since: now.Add(-PositionWindow),
		})
		if err != nil {
			return nil, false, fmt.Errorf("getting positions: %w", err)
		}
		in.Positions = LatestPositions(tracks, now)
	}

	return Assemble(in), partial, nil
}

func stopDistances(graph ScheduleGraph, lat, lon, radius float64) (map[int64]float64, error) {
	near, err := graph.StopsWithin(lat, lon, radius)
	if err != nil {
		return nil, err
	}
	distances := make(map[int64]float64, len(near))
	for _, sd := range near {
		distances[sd.Stop.ID] = sd.Distance
	}
	return distances, nil
}

// Distinct runs and routes used by the candidates, in order of first
// use.
func candidateRuns(candidates []*Candidate) ([]model.RunKey, []int64) {
	runs := []model.RunKey{}
	routeIDs := []int64{}
	seenRun := map[model.RunKey]bool{}
	seenRoute := map[int64]bool{}
	for _, c := range candidates {
		for _, leg := range c.Legs {
			key := leg.Key()
			if !seenRun[key] {
				seenRun[key] = true
				runs = append(runs, key)
			}
			if !seenRoute[key.RouteID] {
				seenRoute[key.RouteID] = true
				routeIDs = append(routeIDs, key.RouteID)
			}
		}
	}
	return runs, routeIDs
}

// Validates and stores an incident report. The route must exist in
// the active network.
func (p *Planner) SubmitReport(ctx context.Context, in ReportInput) (*model.Report, error) {
	if err := p.check(in); err != nil {
		return nil, err
	}
	if p.Live == nil {
		return nil, errMissingLiveStore
	}

	network, err := p.Network()
	if err != nil {
		return nil, err
	}
	if _, err := network.Reader.Route(in.RouteID); err != nil {
		return nil, fmt.Errorf("route %d: %w", in.RouteID, err)
	}

	report := &model.Report{
		RouteID:     in.RouteID,
		Run:         in.Run,
		Type:        in.Type,
		Description: in.Description,
		Lat:         in.Lat,
		Lon:         in.Lon,
		Image:       in.Image,
		CreatedAt:   p.TimeNow().UTC(),
	}
	err = p.Live.WriteReport(report)
	if err != nil {
		return nil, fmt.Errorf("writing report: %w", err)
	}

	p.Metrics.ReportSubmitted()
	logging.FromContext(ctx).Info("report submitted",
		slog.Int64("report_id", report.ID),
		slog.Int64("route_id", report.RouteID),
		slog.String("type", string(report.Type)))

	return report, nil
}

// All reports for a route, regardless of age.
func (p *Planner) RouteReports(routeID int64) ([]*model.Report, error) {
	if p.Live == nil {
		return nil, errMissingLiveStore
	}
	reports, err := p.Live.ListReports(storage.ReportFilter{RouteIDs: []int64{routeID}})
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	return reports, nil
}

// Deletes a report. storage.ErrNotFound if it doesn't exist.
func (p *Planner) DeleteReport(id int64) error {
	if p.Live == nil {
		return errMissingLiveStore
	}
	return p.Live.DeleteReport(id)
}

// Validates and stores a vehicle position sample.
func (p *Planner) RecordPosition(ctx context.Context, in PositionInput, source string) (*model.Track, error) {
	if err := p.check(in); err != nil {
		p.Metrics.PositionRejected(source)
		return nil, err
	}
	if p.Live == nil {
		return nil, errMissingLiveStore
	}

	created := in.Time
	if created.IsZero() {
		created = p.TimeNow()
	}

	track := &model.Track{
		RouteID:   in.RouteID,
		Run:       in.Run,
		Lat:       in.Lat,
		Lon:       in.Lon,
		CreatedAt: created.UTC(),
	}
	err := p.Live.WriteTrack(track)
	if err != nil {
		return nil, fmt.Errorf("writing track: %w", err)
	}

	p.Metrics.PositionRecorded(source)
	logging.FromContext(ctx).Debug("position recorded",
		slog.String("run", track.Key().String()),
		slog.String("source", source))

	return track, nil
}

// Deletes position samples older than PositionRetention.
func (p *Planner) PurgePositions() (int, error) {
	if p.Live == nil {
		return 0, errMissingLiveStore
	}
	n, err := p.Live.DeleteTracks(p.TimeNow().Add(-p.PositionRetention))
	if err != nil {
		return 0, fmt.Errorf("deleting tracks: %w", err)
	}
	p.Metrics.PositionsDeleted(n)
	if n > 0 {
		logging.LogOperation(p.Logger, "positions purged", slog.Int("deleted", n))
	}
	return n, nil
}
