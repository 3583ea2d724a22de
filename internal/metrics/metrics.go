// Package metrics exposes Prometheus collectors fed from the pipeline event bus
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agrowatch/internal/dispatch"
	"agrowatch/internal/events"
)

const namespace = "agrowatch"

// Metrics holds the service collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	messagesReceived *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	violations       *prometheus.CounterVec
	commands         *prometheus.CounterVec
	devicesOffline   prometheus.Counter
	ackLatency       prometheus.Histogram
}

// New creates the collectors. heartbeats reports the number of devices with a
// live heartbeat; nil omits the gauge.
func New(heartbeats func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound MQTT messages by topic kind.",
		}, []string{"kind"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound messages dropped because they could not be decoded.",
		}, []string{"kind"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threshold_violations_total",
			Help:      "Threshold violations by kind.",
		}, []string{"kind"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Actuator command transitions by tier and resulting state.",
		}, []string{"tier", "state"}),
		devicesOffline: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "devices_offline_total",
			Help:      "Devices marked offline by the liveness sweep.",
		}),
		ackLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_ack_latency_seconds",
			Help:      "Time from publish to acknowledgment.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}

	m.registry.MustRegister(
		m.messagesReceived,
		m.messagesDropped,
		m.violations,
		m.commands,
		m.devicesOffline,
		m.ackLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if heartbeats != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_heartbeats",
			Help:      "Devices with a live heartbeat.",
		}, func() float64 { return float64(heartbeats()) }))
	}

	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MessageReceived counts one routed inbound message
func (m *Metrics) MessageReceived(kind string) {
	m.messagesReceived.WithLabelValues(kind).Inc()
}

// HandleEvent implements events.Subscriber
func (m *Metrics) HandleEvent(e events.Event) {
	switch e.Type {
	case events.EventThresholdViolated:
		m.violations.WithLabelValues(string(e.ViolationKind)).Inc()
	case events.EventCommandPublished, events.EventCommandFailed, events.EventCommandTimedOut:
		m.commands.WithLabelValues(string(e.Tier), e.Status).Inc()
	case events.EventCommandAcknowledged:
		m.commands.WithLabelValues(string(e.Tier), e.Status).Inc()
		// Grace-settled commands carry the grace period, not a device round trip
		if e.Latency > 0 && e.Details != dispatch.AssumedDelivered {
			m.ackLatency.Observe(e.Latency.Seconds())
		}
	case events.EventDeviceOffline:
		m.devicesOffline.Inc()
	case events.EventMessageDropped:
		m.messagesDropped.WithLabelValues(e.Status).Inc()
	}
}
