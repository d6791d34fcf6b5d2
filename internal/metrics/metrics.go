// Package metrics exposes Prometheus collectors for gateway traffic, retries,
// optimistic rollbacks and progress polling.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dgcart"

// Metrics groups the collectors used across the client.
type Metrics struct {
	Requests      *prometheus.CounterVec
	Retries       *prometheus.CounterVec
	Rollbacks     *prometheus.CounterVec
	Polls         *prometheus.CounterVec
	SizesInFlight prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Requests sent to the download, data and IDS APIs.",
		}, []string{"method", "code"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried attempts by operation.",
		}, []string{"op"}),
		Rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Optimistic cache changes rolled back after a failed mutation.",
		}, []string{"op"}),
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_polls_total",
			Help:      "Progress decisions by result kind.",
		}, []string{"result"}),
		SizesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "size_queries_in_flight",
			Help:      "Size queries currently holding an admission slot.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Requests, m.Retries, m.Rollbacks, m.Polls, m.SizesInFlight)
	}
	return m
}

// ObserveRequest counts one completed request. code is 0 for transport errors.
func (m *Metrics) ObserveRequest(method string, code int) {
	if m == nil {
		return
	}
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	m.Requests.WithLabelValues(method, label).Inc()
}

// ObserveRetry counts one retried attempt of op.
func (m *Metrics) ObserveRetry(op string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(op).Inc()
}

// ObserveRollback counts one rolled back optimistic change.
func (m *Metrics) ObserveRollback(op string) {
	if m == nil {
		return
	}
	m.Rollbacks.WithLabelValues(op).Inc()
}

// ObservePoll counts one progress decision.
func (m *Metrics) ObservePoll(result string) {
	if m == nil {
		return
	}
	m.Polls.WithLabelValues(result).Inc()
}

// SizeStarted and SizeDone bracket one admitted size query.
func (m *Metrics) SizeStarted() {
	if m == nil {
		return
	}
	m.SizesInFlight.Inc()
}

func (m *Metrics) SizeDone() {
	if m == nil {
		return
	}
	m.SizesInFlight.Dec()
}
