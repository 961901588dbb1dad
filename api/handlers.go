package api

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"tidbyt.dev/transit"
	"tidbyt.dev/transit/metrics"
	"tidbyt.dev/transit/model"
)

type trackRequest struct {
	Run         int                `json:"run"`
	Coordinates *model.Coordinates `json:"coordinates"`
}

type trackView struct {
	ID          int64             `json:"id"`
	RouteID     int64             `json:"route_id"`
	Run         int               `json:"run"`
	Coordinates model.Coordinates `json:"coordinates"`
	CreatedAt   time.Time         `json:"created_at"`
}

type reportRequest struct {
	Run         *int               `json:"run"`
	Type        model.ReportType   `json:"type"`
	Description string             `json:"description"`
	Coordinates *model.Coordinates `json:"coordinates"`
	Image       string             `json:"image"`
}

type healthView struct {
	Status      string     `json:"status"`
	Network     string     `json:"network,omitempty"`
	RetrievedAt *time.Time `json:"retrieved_at,omitempty"`
}

// Collects query parameter parse failures into a field error map.
type queryParser struct {
	values url.Values
	fields map[string]string
}

func newQueryParser(values url.Values) *queryParser {
	return &queryParser{values: values, fields: map[string]string{}}
}

func (p *queryParser) float(name string) float64 {
	raw := p.values.Get(name)
	if raw == "" {
		p.fields[name] = "is required"
		return 0
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fields[name] = "must be a number"
		return 0
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		p.fields[name] = "must be a finite number"
		return 0
	}
	return f
}

func (p *queryParser) optFloat(name string) *float64 {
	if p.values.Get(name) == "" {
		return nil
	}
	f := p.float(name)
	return &f
}

func (p *queryParser) optInt(name string) *int {
	raw := p.values.Get(name)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.fields[name] = "must be an integer"
	}
	return &n
}

func (p *queryParser) optTime(name string) time.Time {
	raw := p.values.Get(name)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		p.fields[name] = "must be an RFC 3339 timestamp"
	}
	return t
}

func (p *queryParser) err() error {
	if len(p.fields) == 0 {
		return nil
	}
	return &transit.ValidationError{Fields: p.fields}
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := httprouter.ParamsFromContext(r.Context()).ByName(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &transit.ValidationError{Fields: map[string]string{name: "must be an integer"}}
	}
	return id, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", transit.ErrInvalidQuery, err)
	}
	return nil
}

func (s *Server) planHandler(w http.ResponseWriter, r *http.Request) {
	qp := newQueryParser(r.URL.Query())
	q := transit.Query{
		FromLat:        qp.float("fromLatitude"),
		FromLon:        qp.float("fromLongitude"),
		ToLat:          qp.float("toLatitude"),
		ToLon:          qp.float("toLongitude"),
		Radius:         qp.optFloat("radius"),
		TransferRadius: qp.optFloat("transferRadius"),
		MaxTransfers:   qp.optInt("maxTransfers"),
		Time:           qp.optTime("time"),
	}
	if err := qp.err(); err != nil {
		s.sendError(w, r, err)
		return
	}

	itineraries, err := s.Planner.Plan(r.Context(), q)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	s.sendResponse(w, r, http.StatusOK, itineraries)
}

func (s *Server) routeHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	network, err := s.Planner.Network()
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	detail, err := network.RouteDetails(id, r.URL.Query().Get("destination"), s.Planner.TimeNow())
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	s.sendResponse(w, r, http.StatusOK, detail)
}

func (s *Server) trackHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	var req trackRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	if req.Coordinates == nil {
		s.sendError(w, r, &transit.ValidationError{Fields: map[string]string{"coordinates": "is required"}})
		return
	}

	network, err := s.Planner.Network()
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if _, err := network.Reader.Route(id); err != nil {
		s.sendError(w, r, err)
		return
	}

	track, err := s.Planner.RecordPosition(r.Context(), transit.PositionInput{
		RouteID: id,
		Run:     req.Run,
		Lat:     req.Coordinates.Latitude,
		Lon:     req.Coordinates.Longitude,
	}, metrics.SourceAPI)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	s.sendResponse(w, r, http.StatusCreated, trackView{
		ID:          track.ID,
		RouteID:     track.RouteID,
		Run:         track.Run,
		Coordinates: model.Coordinates{Longitude: track.Lon, Latitude: track.Lat},
		CreatedAt:   track.CreatedAt,
	})
}

func (s *Server) reportsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	network, err := s.Planner.Network()
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if _, err := network.Reader.Route(id); err != nil {
		s.sendError(w, r, err)
		return
	}

	reports, err := s.Planner.RouteReports(id)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	views := make([]model.ReportView, 0, len(reports))
	for _, report := range reports {
		views = append(views, model.NewReportView(report))
	}
	s.sendResponse(w, r, http.StatusOK, views)
}

func (s *Server) submitReportHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	var req reportRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	if req.Coordinates == nil {
		s.sendError(w, r, &transit.ValidationError{Fields: map[string]string{"coordinates": "is required"}})
		return
	}

	report, err := s.Planner.SubmitReport(r.Context(), transit.ReportInput{
		RouteID:     id,
		Run:         req.Run,
		Type:        req.Type,
		Description: req.Description,
		Lat:         req.Coordinates.Latitude,
		Lon:         req.Coordinates.Longitude,
		Image:       req.Image,
	})
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	s.sendResponse(w, r, http.StatusCreated, model.NewReportView(report))
}

func (s *Server) deleteReportHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	if err := s.Planner.DeleteReport(id); err != nil {
		s.sendError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stopsHandler(w http.ResponseWriter, r *http.Request) {
	qp := newQueryParser(r.URL.Query())
	lat := qp.float("latitude")
	lon := qp.float("longitude")
	radius := s.Planner.Radius
	if override := qp.optFloat("radius"); override != nil {
		radius = *override
	}
	if qp.fields["latitude"] == "" && (lat < -90 || lat > 90) {
		qp.fields["latitude"] = "must be between -90 and 90"
	}
	if qp.fields["longitude"] == "" && (lon < -180 || lon > 180) {
		qp.fields["longitude"] = "must be between -180 and 180"
	}
	if qp.fields["radius"] == "" && radius < 0 {
		qp.fields["radius"] = "must be at least 0"
	}
	if err := qp.err(); err != nil {
		s.sendError(w, r, err)
		return
	}

	network, err := s.Planner.Network()
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	stops, err := network.NearbyStops(lat, lon, radius)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	s.sendResponse(w, r, http.StatusOK, stops)
}

func (s *Server) stopHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	network, err := s.Planner.Network()
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	detail, err := network.StopDetails(id, s.Planner.TimeNow())
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	s.sendResponse(w, r, http.StatusOK, detail)
}

func (s *Server) operatorsHandler(w http.ResponseWriter, r *http.Request) {
	network, err := s.Planner.Network()
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	operators, err := network.Operators()
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	s.sendResponse(w, r, http.StatusOK, operators)
}

func (s *Server) operatorHandler(w http.ResponseWriter, r *http.Request) {
	name := httprouter.ParamsFromContext(r.Context()).ByName("name")

	network, err := s.Planner.Network()
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	routes, err := network.OperatorRoutes(name)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	s.sendResponse(w, r, http.StatusOK, routes)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	network, err := s.Planner.Network()
	if err != nil {
		s.sendResponse(w, r, http.StatusOK, healthView{Status: "no network"})
		return
	}

	s.sendResponse(w, r, http.StatusOK, healthView{
		Status:      "ok",
		Network:     network.Metadata.Hash,
		RetrievedAt: &network.Metadata.RetrievedAt,
	})
}
