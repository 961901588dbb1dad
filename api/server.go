package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bluele/gcache"
	"github.com/julienschmidt/httprouter"
	"github.com/klauspost/compress/gzhttp"

	"tidbyt.dev/transit"
	"tidbyt.dev/transit/logging"
	"tidbyt.dev/transit/metrics"
)

const (
	DefaultRequestTimeout = 10 * time.Second

	// Request bodies are small JSON documents.
	maxBodySize = 1 << 20
)

// HTTP API over a Planner.
type Server struct {
	Planner        *transit.Planner
	Logger         *slog.Logger
	Metrics        *metrics.Collector
	RequestTimeout time.Duration

	// Reports and tracks accepted per second from one client, with
	// bursts of up to WriteBurst. Zero disables the limit.
	WriteRate  float64
	WriteBurst int

	limiters gcache.Cache
}

func NewServer(planner *transit.Planner) *Server {
	s := &Server{
		Planner:        planner,
		Logger:         logging.Discard(),
		RequestTimeout: DefaultRequestTimeout,
	}
	s.limiters = s.newLimiterCache()
	return s
}

func (s *Server) Handler() http.Handler {
	router := httprouter.New()

	router.HandlerFunc(http.MethodGet, "/api/v1/routes", s.planHandler)
	router.HandlerFunc(http.MethodGet, "/api/v1/routes/:id", s.routeHandler)
	router.HandlerFunc(http.MethodPost, "/api/v1/routes/:id/tracks", s.limitWrites(s.trackHandler))
	router.HandlerFunc(http.MethodGet, "/api/v1/routes/:id/reports", s.reportsHandler)
	router.HandlerFunc(http.MethodPost, "/api/v1/routes/:id/reports", s.limitWrites(s.submitReportHandler))
	router.HandlerFunc(http.MethodDelete, "/api/v1/reports/:id", s.limitWrites(s.deleteReportHandler))
	router.HandlerFunc(http.MethodGet, "/api/v1/stops", s.stopsHandler)
	router.HandlerFunc(http.MethodGet, "/api/v1/stops/:id", s.stopHandler)
	router.HandlerFunc(http.MethodGet, "/api/v1/operators", s.operatorsHandler)
	router.HandlerFunc(http.MethodGet, "/api/v1/operators/:name", s.operatorHandler)
	router.HandlerFunc(http.MethodGet, "/healthz", s.healthHandler)
	if s.Metrics != nil {
		router.Handler(http.MethodGet, "/metrics", s.Metrics.Handler())
	}

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorResponse(w, r, http.StatusNotFound, "not found", nil)
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorResponse(w, r, http.StatusMethodNotAllowed, "method not allowed", nil)
	})
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v interface{}) {
		logging.FromContext(r.Context()).Error("panic in handler", slog.Any("panic", v))
		s.errorResponse(w, r, http.StatusInternalServerError, "internal server error", nil)
	}

	// Itineraries with full stop lists compress well.
	return s.middleware(gzhttp.GzipHandler(router))
}
