package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counters(t *testing.T) {
	c := NewCollector("queue-test")

	c.RecordTokenAllocation(true)
	c.RecordTokenAllocation(true)
	c.RecordTokenAllocation(false)
	c.RecordTransition("BOOKED", "CHECKED_IN", true)
	c.RecordVersionConflict()
	c.RecordBroadcast(false)
	c.SetConnectedClients(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.tokenAllocations.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tokenAllocations.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("BOOKED", "CHECKED_IN", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.versionConflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.broadcasts.WithLabelValues("failure")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.connectedClients))
}

func TestCollector_TwoInstancesDoNotClash(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector("a")
		NewCollector("b")
	})
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordTokenAllocation(true)
		c.RecordTransition("a", "b", false)
		c.RecordVersionConflict()
		c.RecordBroadcast(true)
		c.SetConnectedClients(1)
		c.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
	})
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("queue-test")
	c.RecordHTTPRequest("GET", "/queues/{hospital}/{doctor}", 200, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `http_requests_total{method="GET",route="/queues/{hospital}/{doctor}",service="queue-test",status_code="200"} 1`)
}
