package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCountsByMethod(t *testing.T) {
	c := NewCollector()
	c.ApiCallsEnqueued.WithLabelValues("registerPublisher").Inc()
	c.ApiCallsEnqueued.WithLabelValues("registerPublisher").Inc()
	c.ApiCallsEnqueued.WithLabelValues("registerSubscriber").Inc()

	if got := testutil.ToFloat64(c.ApiCallsEnqueued.WithLabelValues("registerPublisher")); got != 2 {
		t.Fatalf("expect 2 enqueued registerPublisher calls, got %v", got)
	}
}

func TestCollectorHandlerServesMetrics(t *testing.T) {
	c := NewCollector()
	c.TcprosSessions.WithLabelValues("publisher").Set(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expect 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "crosnode_tcpros_sessions") {
		t.Fatal("expect exposition format to include the gauge name")
	}
}
