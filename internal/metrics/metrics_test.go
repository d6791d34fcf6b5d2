package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("GET", 200)
	m.ObserveRetry("cart.remove")
	m.ObserveRollback("cart.remove")
	m.ObservePoll("complete")
	m.SizeStarted()
	m.SizeDone()
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRequest("GET", 200)
	m.ObserveRequest("GET", 200)
	m.ObserveRequest("DELETE", 0)
	m.ObserveRetry("cart.remove")
	m.ObserveRollback("downloads.delete")
	m.ObservePoll("queued")

	if got := testutil.ToFloat64(m.Requests.WithLabelValues("GET", "200")); got != 2 {
		t.Errorf("expected 2 GET/200 requests, got %v", got)
	}
	if got := testutil.ToFloat64(m.Requests.WithLabelValues("DELETE", "error")); got != 1 {
		t.Errorf("expected 1 DELETE/error request, got %v", got)
	}
	if got := testutil.ToFloat64(m.Retries.WithLabelValues("cart.remove")); got != 1 {
		t.Errorf("expected 1 retry, got %v", got)
	}
	if got := testutil.ToFloat64(m.Rollbacks.WithLabelValues("downloads.delete")); got != 1 {
		t.Errorf("expected 1 rollback, got %v", got)
	}
	if got := testutil.ToFloat64(m.Polls.WithLabelValues("queued")); got != 1 {
		t.Errorf("expected 1 poll, got %v", got)
	}
}

func TestSizesInFlightGauge(t *testing.T) {
	m := New(nil)
	m.SizeStarted()
	m.SizeStarted()
	m.SizeDone()

	if got := testutil.ToFloat64(m.SizesInFlight); got != 1 {
		t.Errorf("expected gauge 1, got %v", got)
	}
}
