package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for stream ingestion.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	framesReceived prometheus.Counter
	framesEvicted  prometheus.Counter
	pulls          *prometheus.CounterVec
	state          prometheus.Gauge
	authAttempts   *prometheus.CounterVec
	reconnects     prometheus.Counter
}

// New creates and registers Prometheus metrics for the ingester.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	framesReceived := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "amscam_frames_received_total",
		Help: "Total number of frames pushed into the frame buffer",
	})
	framesEvicted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "amscam_frames_evicted_total",
		Help: "Total number of buffered frames dropped to make room for newer ones",
	})
	pulls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "amscam_pulls_total",
		Help: "Total number of pull calls by result (frame, placeholder, none)",
	}, []string{"result"})
	state := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "amscam_connection_state",
		Help: "Current connection state of the active stream (0=idle ... 6=failed)",
	})
	authAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "amscam_auth_requests_total",
		Help: "Total number of auth backend requests by operation and outcome",
	}, []string{"op", "outcome"})
	reconnects := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "amscam_reconnects_total",
		Help: "Total number of times the ingestion loop replaced its source",
	})

	registry.MustRegister(
		framesReceived,
		framesEvicted,
		pulls,
		state,
		authAttempts,
		reconnects,
	)

	return &Metrics{
		registry:       registry,
		framesReceived: framesReceived,
		framesEvicted:  framesEvicted,
		pulls:          pulls,
		state:          state,
		authAttempts:   authAttempts,
		reconnects:     reconnects,
	}
}

// IncFramesReceived records a frame entering the buffer, and whether it evicted one.
func (m *Metrics) IncFramesReceived(evicted bool) {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
	if evicted {
		m.framesEvicted.Inc()
	}
}

// IncPull records the outcome of one pull.
func (m *Metrics) IncPull(result string) {
	if m == nil {
		return
	}
	m.pulls.WithLabelValues(result).Inc()
}

// SetState sets the connection state gauge.
func (m *Metrics) SetState(state int) {
	if m == nil {
		return
	}
	m.state.Set(float64(state))
}

// IncAuth records one auth backend request.
func (m *Metrics) IncAuth(op, outcome string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(op, outcome).Inc()
}

// IncReconnects increments the reconnect counter.
func (m *Metrics) IncReconnects() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
