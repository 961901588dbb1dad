package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Plan outcomes
const (
	OutcomeOK      = "ok"
	OutcomePartial = "partial"
	OutcomeInvalid = "invalid"
	OutcomeError   = "error"
)

// Position sources
const (
	SourceAPI      = "api"
	SourceNATS     = "nats"
	SourceRealtime = "realtime"
)

// Prometheus collectors for the planner. All methods are safe to call
// on a nil *Collector, which records nothing.
type Collector struct {
	reg *prometheus.Registry

	PlanRequests *prometheus.CounterVec // outcome
	PlanDuration prometheus.Histogram
	PlanResults  prometheus.Histogram

	ReportsSubmitted  prometheus.Counter
	PositionsRecorded *prometheus.CounterVec // source
	PositionsRejected *prometheus.CounterVec // source
	PositionsPurged   prometheus.Counter

	NetworkImports *prometheus.CounterVec // result: imported|unchanged|failed
	NATSConnected  prometheus.Gauge

	HTTPRequests *prometheus.CounterVec // method, status
	HTTPDuration prometheus.Histogram
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		PlanRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transit_plan_requests_total",
			Help: "Journey plan requests by outcome.",
		}, []string{"outcome"}),
		PlanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transit_plan_duration_seconds",
			Help:    "Time spent searching and assembling journeys.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		PlanResults: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transit_plan_results",
			Help:    "Number of itineraries returned per plan.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
		}),
		ReportsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transit_reports_submitted_total",
			Help: "Incident reports stored.",
		}),
		PositionsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transit_positions_recorded_total",
			Help: "Vehicle position samples stored, by source.",
		}, []string{"source"}),
		PositionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transit_positions_rejected_total",
			Help: "Vehicle position samples rejected, by source.",
		}, []string{"source"}),
		PositionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transit_positions_purged_total",
			Help: "Vehicle position samples deleted by retention.",
		}),
		NetworkImports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transit_network_imports_total",
			Help: "Network import attempts by result.",
		}, []string{"result"}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transit_nats_connected",
			Help: "1 if the NATS connection is established, 0 otherwise.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transit_http_requests_total",
			Help: "HTTP requests by method and status.",
		}, []string{"method", "status"}),
		HTTPDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transit_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
	}

	reg.MustRegister(
		c.PlanRequests, c.PlanDuration, c.PlanResults,
		c.ReportsSubmitted, c.PositionsRecorded, c.PositionsRejected, c.PositionsPurged,
		c.NetworkImports, c.NATSConnected,
		c.HTTPRequests, c.HTTPDuration,
	)

	return c
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

func (c *Collector) ObservePlan(outcome string, duration time.Duration, results int) {
	if c == nil {
		return
	}
	c.PlanRequests.WithLabelValues(outcome).Inc()
	c.PlanDuration.Observe(duration.Seconds())
	if outcome == OutcomeOK || outcome == OutcomePartial {
		c.PlanResults.Observe(float64(results))
	}
}

func (c *Collector) ReportSubmitted() {
	if c == nil {
		return
	}
	c.ReportsSubmitted.Inc()
}

func (c *Collector) PositionRecorded(source string) {
	if c == nil {
		return
	}
	c.PositionsRecorded.WithLabelValues(source).Inc()
}

func (c *Collector) PositionRejected(source string) {
	if c == nil {
		return
	}
	c.PositionsRejected.WithLabelValues(source).Inc()
}

func (c *Collector) PositionsDeleted(n int) {
	if c == nil {
		return
	}
	c.PositionsPurged.Add(float64(n))
}

func (c *Collector) NetworkImported(result string) {
	if c == nil {
		return
	}
	c.NetworkImports.WithLabelValues(result).Inc()
}

func (c *Collector) SetNATSConnected(connected bool) {
	if c == nil {
		return
	}
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

func (c *Collector) HTTPRequest(method string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	c.HTTPDuration.Observe(duration.Seconds())
}
