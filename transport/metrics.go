package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts transport traffic per kind. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	bytesSent        *prometheus.CounterVec
	bytesReceived    *prometheus.CounterVec
	sendDrops        *prometheus.CounterVec
	connects         *prometheus.CounterVec
}

// NewMetrics registers transport collectors with reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	labels := []string{"kind"}
	return &Metrics{
		messagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipcall", Subsystem: "transport",
			Name: "messages_sent_total", Help: "Messages written to the peer.",
		}, labels),
		messagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipcall", Subsystem: "transport",
			Name: "messages_received_total", Help: "Messages read from the peer.",
		}, labels),
		bytesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipcall", Subsystem: "transport",
			Name: "bytes_sent_total", Help: "Payload bytes written to the peer.",
		}, labels),
		bytesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipcall", Subsystem: "transport",
			Name: "bytes_received_total", Help: "Payload bytes read from the peer.",
		}, labels),
		sendDrops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipcall", Subsystem: "transport",
			Name: "send_drops_total", Help: "Messages dropped because the send queue was full.",
		}, labels),
		connects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipcall", Subsystem: "transport",
			Name: "connects_total", Help: "Connect attempts by outcome.",
		}, []string{"kind", "result"}),
	}
}

func (m *Metrics) sent(k Kind, n int) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(k.String()).Inc()
	m.bytesSent.WithLabelValues(k.String()).Add(float64(n))
}

func (m *Metrics) received(k Kind, n int) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(k.String()).Inc()
	m.bytesReceived.WithLabelValues(k.String()).Add(float64(n))
}

func (m *Metrics) dropped(k Kind) {
	if m == nil {
		return
	}
	m.sendDrops.WithLabelValues(k.String()).Inc()
}

func (m *Metrics) connected(k Kind, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.connects.WithLabelValues(k.String(), result).Inc()
}
