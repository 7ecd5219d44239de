package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "netbro"

// Metrics holds the agent's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	state            *prometheus.GaugeVec
	transitions      *prometheus.CounterVec
	telemetrySent    *prometheus.CounterVec
	telemetryDropped *prometheus.CounterVec
	alertsDelivered  *prometheus.CounterVec
	alertsRejected   prometheus.Counter
	queueLength      prometheus.Gauge
}

// New registers the collectors. states lists every state name so the
// state gauge exposes all of them from the start.
func New(states []string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connectivity_state",
			Help:      "1 for the current connectivity state, 0 otherwise.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Connectivity state transitions.",
		}, []string{"from", "to"}),
		telemetrySent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_sent_total",
			Help:      "Telemetry samples sent, by transport.",
		}, []string{"transport"}),
		telemetryDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_dropped_total",
			Help:      "Telemetry samples dropped, by reason.",
		}, []string{"reason"}),
		alertsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_delivered_total",
			Help:      "Alerts acknowledged, by transport.",
		}, []string{"transport"}),
		alertsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_rejected_total",
			Help:      "Alerts refused because the delivery queue was full.",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delivery_queue_length",
			Help:      "Alerts waiting for acknowledgement.",
		}),
	}

	m.registry.MustRegister(
		m.state, m.transitions,
		m.telemetrySent, m.telemetryDropped,
		m.alertsDelivered, m.alertsRejected, m.queueLength,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	for i, s := range states {
		v := 0.0
		if i == 0 {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// StateChanged records a transition.
func (m *Metrics) StateChanged(from, to string) {
	m.transitions.WithLabelValues(from, to).Inc()
	m.state.WithLabelValues(from).Set(0)
	m.state.WithLabelValues(to).Set(1)
}

// Observer methods, called by the supervisor.

func (m *Metrics) TelemetrySent(transport string)  { m.telemetrySent.WithLabelValues(transport).Inc() }
func (m *Metrics) TelemetryDropped(reason string)  { m.telemetryDropped.WithLabelValues(reason).Inc() }
func (m *Metrics) AlertDelivered(transport string) { m.alertsDelivered.WithLabelValues(transport).Inc() }
func (m *Metrics) AlertRejected()                  { m.alertsRejected.Inc() }
func (m *Metrics) QueueLength(n int)               { m.queueLength.Set(float64(n)) }
