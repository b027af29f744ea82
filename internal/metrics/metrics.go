// Package metrics holds the Prometheus instrumentation shared across
// the gateway. Collectors are registered on the default registry and
// exposed by the API server at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MeshMessages counts every inbound broker message accepted for
	// processing.
	MeshMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomsense_mesh_messages_total",
		Help: "Inbound mesh messages processed.",
	})

	// MeshMessagesDropped counts inbound messages discarded by the
	// rate limiter.
	MeshMessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomsense_mesh_messages_dropped_total",
		Help: "Inbound mesh messages dropped by rate limiting.",
	})

	// MeshReconnects counts broker reconnection attempts.
	MeshReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomsense_mesh_reconnects_total",
		Help: "Broker reconnection attempts.",
	})

	// MeshConnected is 1 while the broker session is up.
	MeshConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomsense_mesh_connected",
		Help: "Whether the broker session is currently up.",
	})

	// SensorEvents counts canonical sensor events by type, regardless
	// of which translator produced them.
	SensorEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomsense_sensor_events_total",
		Help: "Canonical sensor events emitted, by event type.",
	}, []string{"type"})

	// BridgeTranslations counts Zigbee payloads translated into
	// canonical events, by resulting event type.
	BridgeTranslations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomsense_bridge_translations_total",
		Help: "Zigbee payloads translated into canonical events, by type.",
	}, []string{"type"})

	// BridgeUnknownDevices counts updates dropped because the device
	// was absent from the registry.
	BridgeUnknownDevices = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomsense_bridge_unknown_device_drops_total",
		Help: "Device updates dropped because the device is not in the registry.",
	})

	// BridgeDevices tracks the current registry size.
	BridgeDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomsense_bridge_devices",
		Help: "Devices currently in the bridge registry.",
	})

	// OccupancyTransitions counts room state edges by direction
	// (occupied or available).
	OccupancyTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomsense_occupancy_transitions_total",
		Help: "Room occupancy edges, by direction.",
	}, []string{"direction"})

	// OccupiedRooms tracks how many rooms this instance currently
	// considers occupied.
	OccupiedRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomsense_occupied_rooms",
		Help: "Rooms currently occupied.",
	})

	// StoreErrors counts persistence or broadcast failures that were
	// logged and swallowed.
	StoreErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomsense_store_errors_total",
		Help: "Occupancy store failures (logged and swallowed).",
	})
)
