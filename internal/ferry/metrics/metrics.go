// Package metrics exposes the transfer internals as Prometheus
// collectors: retransmission counters, congestion-window gauges and
// session counts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors of one server process. Sessions share
// one instance; a nil *Metrics disables collection.
type Metrics struct {
	SegmentsSent    prometheus.Counter
	AcksReceived    prometheus.Counter
	Retransmissions *prometheus.CounterVec
	SessionsActive  prometheus.Gauge
	SessionsTotal   prometheus.Counter
	Cwnd            prometheus.Gauge
	Ssthresh        prometheus.Gauge
	RtoMillis       prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SegmentsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ferry_segments_sent_total",
			Help: "Data segments written to the wire, retransmissions included.",
		}),
		AcksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ferry_acks_received_total",
			Help: "ACK segments processed by senders.",
		}),
		Retransmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_retransmissions_total",
			Help: "Retransmitted segments by trigger.",
		}, []string{"reason"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ferry_sessions_active",
			Help: "Transfer sessions currently running.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ferry_sessions_total",
			Help: "Transfer sessions started since process start.",
		}),
		Cwnd: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ferry_cwnd_segments",
			Help: "Congestion window of the most recent ACK round.",
		}),
		Ssthresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ferry_ssthresh_segments",
			Help: "Slow-start threshold of the most recent ACK round.",
		}),
		RtoMillis: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ferry_rto_milliseconds",
			Help: "Current retransmission timeout.",
		}),
	}
	reg.MustRegister(
		m.SegmentsSent,
		m.AcksReceived,
		m.Retransmissions,
		m.SessionsActive,
		m.SessionsTotal,
		m.Cwnd,
		m.Ssthresh,
		m.RtoMillis,
	)
	return m
}

// ObserveRetransmit counts one retransmission. reason is "timeout" or
// "fast".
func (m *Metrics) ObserveRetransmit(reason string) {
	if m == nil {
		return
	}
	m.Retransmissions.WithLabelValues(reason).Inc()
}

// ObserveSend counts one data segment on the wire.
func (m *Metrics) ObserveSend() {
	if m == nil {
		return
	}
	m.SegmentsSent.Inc()
}

// ObserveAck counts one processed ACK and updates the window gauges.
func (m *Metrics) ObserveAck(cwnd, ssthresh uint16, rtoMillis uint32) {
	if m == nil {
		return
	}
	m.AcksReceived.Inc()
	m.Cwnd.Set(float64(cwnd))
	m.Ssthresh.Set(float64(ssthresh))
	m.RtoMillis.Set(float64(rtoMillis))
}

// SessionStarted marks a session as running.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// SessionEnded marks a session as finished.
func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

// Handler returns the scrape handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
