package transport

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ARwMq9b6/kcpcore/kcp"
)

// prometheusMetrics is the concrete kcp.MetricsObserver wired into every
// session this package creates, mirroring the teacher's DefaultSnmp counters
// but exported through the standard prometheus registry instead of a
// package-global struct of atomics.
type prometheusMetrics struct {
	segSent     *prometheus.CounterVec
	segReceived *prometheus.CounterVec
	repeat      prometheus.Counter
	retransmit  *prometheus.CounterVec
	deadLink    prometheus.Counter
}

func newPrometheusMetrics(reg prometheus.Registerer) *prometheusMetrics {
	m := &prometheusMetrics{
		segSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kcp",
			Name:      "segments_sent_total",
			Help:      "Segments sent, by command.",
		}, []string{"cmd"}),
		segReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kcp",
			Name:      "segments_received_total",
			Help:      "Segments received, by command.",
		}, []string{"cmd"}),
		repeat: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kcp",
			Name:      "repeat_segments_total",
			Help:      "Duplicate or out-of-window PUSH segments discarded.",
		}),
		retransmit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kcp",
			Name:      "retransmits_total",
			Help:      "Retransmissions, by trigger (timeout or fast).",
		}, []string{"trigger"}),
		deadLink: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kcp",
			Name:      "dead_link_total",
			Help:      "Sessions that crossed the dead-link transmit threshold.",
		}),
	}
	reg.MustRegister(m.segSent, m.segReceived, m.repeat, m.retransmit, m.deadLink)
	return m
}

func cmdLabel(cmd uint8) string {
	switch cmd {
	case 81:
		return "push"
	case 82:
		return "ack"
	case 83:
		return "wask"
	case 84:
		return "wins"
	default:
		return "unknown"
	}
}

func (m *prometheusMetrics) SegmentSent(cmd uint8) {
	m.segSent.WithLabelValues(cmdLabel(cmd)).Inc()
}

func (m *prometheusMetrics) SegmentReceived(cmd uint8) {
	m.segReceived.WithLabelValues(cmdLabel(cmd)).Inc()
}

func (m *prometheusMetrics) RepeatSegment() {
	m.repeat.Inc()
}

func (m *prometheusMetrics) Retransmit(fast bool) {
	if fast {
		m.retransmit.WithLabelValues("fast").Inc()
	} else {
		m.retransmit.WithLabelValues("timeout").Inc()
	}
}

func (m *prometheusMetrics) DeadLink() {
	m.deadLink.Inc()
}

var _ kcp.MetricsObserver = (*prometheusMetrics)(nil)
