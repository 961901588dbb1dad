package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	c := NewCollector()

	c.ObservePlan(OutcomeOK, 10*time.Millisecond, 3)
	c.ObservePlan(OutcomeOK, 20*time.Millisecond, 0)
	c.ObservePlan(OutcomeInvalid, 0, 0)
	c.ReportSubmitted()
	c.PositionRecorded(SourceAPI)
	c.PositionRecorded(SourceNATS)
	c.PositionRecorded(SourceNATS)
	c.PositionRejected(SourceRealtime)
	c.PositionsDeleted(7)
	c.NetworkImported("imported")
	c.SetNATSConnected(true)
	c.HTTPRequest("GET", 200, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.PlanRequests.WithLabelValues(OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.PlanRequests.WithLabelValues(OutcomeInvalid)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ReportsSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.PositionsRecorded.WithLabelValues(SourceAPI)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.PositionsRecorded.WithLabelValues(SourceNATS)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.PositionsRejected.WithLabelValues(SourceRealtime)))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.PositionsPurged))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.NetworkImports.WithLabelValues("imported")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.NATSConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.HTTPRequests.WithLabelValues("GET", "200")))

	c.SetNATSConnected(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.NATSConnected))
}

func TestNilCollector(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.ObservePlan(OutcomeOK, time.Second, 1)
		c.ReportSubmitted()
		c.PositionRecorded(SourceAPI)
		c.PositionRejected(SourceAPI)
		c.PositionsDeleted(1)
		c.NetworkImported("failed")
		c.SetNATSConnected(true)
		c.HTTPRequest("GET", 500, time.Second)
	})
}

func TestHandler(t *testing.T) {
	c := NewCollector()
	c.ReportSubmitted()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "transit_reports_submitted_total 1")
}
