package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/opd-ai/shipcall/signaling"
	"github.com/opd-ai/shipcall/transport"
)

// Metrics holds the coordination server collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	callsCreated     *prometheus.CounterVec
	callsFinished    *prometheus.CounterVec
	callDuration     prometheus.Histogram
	transitions      *prometheus.CounterVec
	eventsPublished  *prometheus.CounterVec
	feedSubscribers  prometheus.Gauge
	relayOpen        prometheus.Gauge
	relayBytes       prometheus.Counter
	relayDrops       prometheus.Counter
	requestsByStatus *prometheus.CounterVec
}

// NewMetrics registers server collectors with reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		callsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipcall", Subsystem: "server",
			Name: "calls_created_total", Help: "Initiated calls by transport kind.",
		}, []string{"kind"}),
		callsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipcall", Subsystem: "server",
			Name: "calls_finished_total", Help: "Finished calls by outcome.",
		}, []string{"outcome"}),
		callDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shipcall", Subsystem: "server",
			Name: "call_duration_seconds", Help: "Time from invite to decline or end.",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipcall", Subsystem: "server",
			Name: "call_transitions_total", Help: "Call record state transitions.",
		}, []string{"from", "to"}),
		eventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipcall", Subsystem: "server",
			Name: "events_published_total", Help: "Feed events by type.",
		}, []string{"type"}),
		feedSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "shipcall", Subsystem: "server",
			Name: "feed_subscribers", Help: "Open websocket event feeds.",
		}),
		relayOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "shipcall", Subsystem: "server",
			Name: "relay_channels", Help: "Relay channels with at least one peer.",
		}),
		relayBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shipcall", Subsystem: "server",
			Name: "relay_bytes_total", Help: "Bytes forwarded between relay peers.",
		}),
		relayDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shipcall", Subsystem: "server",
			Name: "relay_dropped_total", Help: "Relay frames dropped before pairing.",
		}),
		requestsByStatus: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipcall", Subsystem: "server",
			Name: "http_requests_total", Help: "HTTP requests by route and status.",
		}, []string{"route", "status"}),
	}
}

func (m *Metrics) callCreated(k transport.Kind) {
	if m == nil {
		return
	}
	m.callsCreated.WithLabelValues(k.String()).Inc()
}

func (m *Metrics) callFinished(outcome signaling.Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.callsFinished.WithLabelValues(string(outcome)).Inc()
	m.callDuration.Observe(d.Seconds())
}

func (m *Metrics) transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) eventPublished(t signaling.EventType) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) subscribers(delta float64) {
	if m == nil {
		return
	}
	m.feedSubscribers.Add(delta)
}

func (m *Metrics) relayChannels(delta float64) {
	if m == nil {
		return
	}
	m.relayOpen.Add(delta)
}

func (m *Metrics) relayForwarded(n int) {
	if m == nil {
		return
	}
	m.relayBytes.Add(float64(n))
}

func (m *Metrics) relayDropped() {
	if m == nil {
		return
	}
	m.relayDrops.Inc()
}

func (m *Metrics) request(route string, status int) {
	if m == nil {
		return
	}
	m.requestsByStatus.WithLabelValues(route, statusClass(status)).Inc()
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
