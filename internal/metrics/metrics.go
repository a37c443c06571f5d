// Package metrics provides Prometheus metrics for the sensor bridge.
// No per-message labels: topic and sensor kind are the only label
// dimensions, both bounded by the discovered hardware.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons for [MessagesDropped].
const (
	DropUnbound   = "unbound"
	DropEncode    = "encode"
	DropQueueFull = "queue_full"
	DropTransport = "transport"
)

var (
	// NodePhase is the node lifecycle phase (0 stopped, 1 starting,
	// 2 running, 3 stopping).
	NodePhase = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sensorbridge_node_phase",
		Help: "Current node lifecycle phase (0=stopped, 1=starting, 2=running, 3=stopping).",
	})

	// NodeDomainID is the domain id of the running node, -1 when stopped.
	NodeDomainID = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sensorbridge_node_domain_id",
		Help: "Domain id of the running node, or -1 when no node is running.",
	})

	// NodeTransitionsTotal counts lifecycle transitions by kind.
	NodeTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorbridge_node_transitions_total",
		Help: "Total node lifecycle transitions, by transition (up, down, failed).",
	}, []string{"transition"})

	// PublisherBound is 1 while the publisher for a topic holds a handle.
	PublisherBound = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sensorbridge_publisher_bound",
		Help: "Whether the publisher for a topic is currently bound (1) or not (0).",
	}, []string{"topic"})

	// MessagesPublishedTotal counts payloads handed to the transport.
	MessagesPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorbridge_messages_published_total",
		Help: "Total messages delivered to the transport, by topic.",
	}, []string{"topic"})

	// MessagesDroppedTotal counts messages that never reached the transport.
	MessagesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorbridge_messages_dropped_total",
		Help: "Total messages dropped before delivery, by topic and reason.",
	}, []string{"topic", "reason"})

	// SensorsDiscovered is the number of wrapped sensors by kind.
	SensorsDiscovered = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sensorbridge_sensors_discovered",
		Help: "Number of supported sensors wrapped by the registry, by kind.",
	}, []string{"kind"})

	// SensorReadingsTotal counts readings received from hardware streams.
	SensorReadingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorbridge_sensor_readings_total",
		Help: "Total readings received from sensor streams, by kind.",
	}, []string{"kind"})
)
