package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for orderfeed
type Metrics struct {
	// Realtime event pipeline
	EventsReceived   *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	EventsDispatched *prometheus.CounterVec
	SubscriberPanics *prometheus.CounterVec
	Subscribers      *prometheus.GaugeVec
	LedgerSize       prometheus.Gauge

	// Connection
	ConnectionState  *prometheus.GaugeVec
	ConnectErrors    prometheus.Counter
	FatalConnections prometheus.Counter
	RoomOperations   *prometheus.CounterVec

	// Relay
	RelayPublished *prometheus.CounterVec

	// Local HTTP surface
	StreamClientsActive prometheus.Gauge
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics(prometheus.DefaultRegisterer)
	})
	return instance
}

// newMetrics initializes and registers all metrics with reg
func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{}

	m.EventsReceived = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderfeed_events_received_total",
			Help: "Inbound realtime messages by wire event name",
		},
		[]string{"event"},
	)

	m.EventsDropped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderfeed_events_dropped_total",
			Help: "Inbound realtime messages not dispatched",
		},
		[]string{"kind", "reason"},
	)

	m.EventsDispatched = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderfeed_events_dispatched_total",
			Help: "Canonical events handed to subscribers",
		},
		[]string{"kind"},
	)

	m.SubscriberPanics = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderfeed_subscriber_panics_total",
			Help: "Subscriber callbacks that panicked during dispatch",
		},
		[]string{"kind"},
	)

	m.Subscribers = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orderfeed_subscribers",
			Help: "Registered subscriber callbacks by kind",
		},
		[]string{"kind"},
	)

	m.LedgerSize = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "orderfeed_dedup_ledger_entries",
			Help: "Entries held by the duplicate suppression ledger",
		},
	)

	m.ConnectionState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orderfeed_connection_state",
			Help: "1 for the current connection state, 0 otherwise",
		},
		[]string{"state"},
	)

	m.ConnectErrors = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "orderfeed_connect_errors_total",
			Help: "Failed connection attempts",
		},
	)

	m.FatalConnections = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "orderfeed_connection_fatal_total",
			Help: "Times the reconnection ceiling was reached",
		},
	)

	m.RoomOperations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderfeed_room_operations_total",
			Help: "Room join and leave requests sent to the server",
		},
		[]string{"operation", "scope"},
	)

	m.RelayPublished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderfeed_relay_published_total",
			Help: "Events forwarded to the relay by outcome",
		},
		[]string{"outcome"},
	)

	m.StreamClientsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "orderfeed_stream_clients_active",
			Help: "Connected event stream clients",
		},
	)

	return m
}

// SetConnectionState marks state as the only active connection state
func (m *Metrics) SetConnectionState(state string) {
	for _, s := range []string{"disconnected", "connecting", "connected"} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
}
