// Package metrics exposes node counters in the Prometheus text format.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "echosos"

// Metrics holds the node's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	decodeErrors *prometheus.CounterVec
	verdicts     *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	advertised   prometheus.Counter
	detections   *prometheus.CounterVec
	queueDepth   prometheus.Gauge
	peers        prometheus.Gauge
	battery      prometheus.Gauge
	profile      *prometheus.GaugeVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "radio", Name: "decode_errors_total",
			Help: "Advertisements dropped because they failed to decode, by kind.",
		}, []string{"kind"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "dedup_verdicts_total",
			Help: "Deduplication verdicts for decoded advertisements.",
		}, []string{"verdict"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "transitions_total",
			Help: "Relay state transitions by target state and reason.",
		}, []string{"state", "reason"}),
		advertised: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "radio", Name: "advertisements_total",
			Help: "Payloads handed to the radio.",
		}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "acoustic", Name: "detections_total",
			Help: "Confirmed acoustic beacon detections by emergency type.",
		}, []string{"emergency"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay", Name: "queue_depth",
			Help: "Peer messages waiting to be relayed.",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "radio", Name: "peers_in_range",
			Help: "Devices currently believed to be in radio range.",
		}),
		battery: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "battery_level",
			Help: "Last reported battery level, 0..1.",
		}),
		profile: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "schedule", Name: "profile_active",
			Help: "1 for the duty-cycle profile currently in use.",
		}, []string{"profile"}),
	}
	m.registry.MustRegister(
		m.decodeErrors, m.verdicts, m.transitions, m.advertised, m.detections,
		m.queueDepth, m.peers, m.battery, m.profile,
	)
	return m
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) DecodeError(kind string) {
	if m != nil {
		m.decodeErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Verdict(verdict string) {
	if m != nil {
		m.verdicts.WithLabelValues(verdict).Inc()
	}
}

func (m *Metrics) Transition(state, reason string) {
	if m != nil {
		m.transitions.WithLabelValues(state, reason).Inc()
	}
}

func (m *Metrics) Advertised(n int) {
	if m != nil {
		m.advertised.Add(float64(n))
	}
}

func (m *Metrics) Detection(emergency string) {
	if m != nil {
		m.detections.WithLabelValues(emergency).Inc()
	}
}

func (m *Metrics) QueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *Metrics) Peers(n int) {
	if m != nil {
		m.peers.Set(float64(n))
	}
}

func (m *Metrics) Battery(level float64) {
	if m != nil {
		m.battery.Set(level)
	}
}

// Profile marks name as the only active profile.
func (m *Metrics) Profile(name string) {
	if m != nil {
		m.profile.Reset()
		m.profile.WithLabelValues(name).Set(1)
	}
}
