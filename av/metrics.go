package av

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records call engine activity. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	callsStarted    *prometheus.CounterVec
	callsEnded      *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	activeCalls     prometheus.Gauge
	callDuration    prometheus.Histogram
	framesSent      prometheus.Counter
	framesReceived  prometheus.Counter
	framesDiscarded prometheus.Counter
	sendDrops       prometheus.Counter
}

// NewMetrics registers engine collectors with reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		callsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipcall", Subsystem: "call",
			Name: "started_total", Help: "Calls created by direction.",
		}, []string{"direction"}),
		callsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipcall", Subsystem: "call",
			Name: "ended_total", Help: "Calls ended by reason.",
		}, []string{"reason"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipcall", Subsystem: "call",
			Name: "transitions_total", Help: "Committed state transitions.",
		}, []string{"from", "to"}),
		activeCalls: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "shipcall", Subsystem: "call",
			Name: "active", Help: "1 while a call session exists.",
		}),
		callDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shipcall", Subsystem: "call",
			Name: "streaming_duration_seconds", Help: "Time between Active and Ended for calls that streamed.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		framesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shipcall", Subsystem: "audio",
			Name: "frames_sent_total", Help: "Audio frames handed to the transport.",
		}),
		framesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shipcall", Subsystem: "audio",
			Name: "frames_received_total", Help: "Audio frames queued for playback.",
		}),
		framesDiscarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shipcall", Subsystem: "audio",
			Name: "frames_discarded_total", Help: "Inbound payloads that were not valid frames.",
		}),
		sendDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shipcall", Subsystem: "audio",
			Name: "send_drops_total", Help: "Captured frames dropped because the transport queue was full.",
		}),
	}
}

func (m *Metrics) started(d Direction) {
	if m == nil {
		return
	}
	m.callsStarted.WithLabelValues(d.String()).Inc()
	m.activeCalls.Set(1)
}

func (m *Metrics) transition(from, to CallState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) ended(r EndReason, streamed time.Duration) {
	if m == nil {
		return
	}
	m.callsEnded.WithLabelValues(r.String()).Inc()
	m.activeCalls.Set(0)
	if streamed > 0 {
		m.callDuration.Observe(streamed.Seconds())
	}
}

func (m *Metrics) frameSent() {
	if m != nil {
		m.framesSent.Inc()
	}
}

func (m *Metrics) frameReceived() {
	if m != nil {
		m.framesReceived.Inc()
	}
}

func (m *Metrics) frameDiscarded() {
	if m != nil {
		m.framesDiscarded.Inc()
	}
}

func (m *Metrics) sendDropped() {
	if m != nil {
		m.sendDrops.Inc()
	}
}
