package hub

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons
const (
	DropMalformed        = "malformed"
	DropOffline          = "offline"
	DropNoPendingRequest = "no_pending_request"
	DropQueueFull        = "queue_full"
	DropDuplicate        = "duplicate"
)

// Metrics holds the hub's prometheus collectors. A nil *Metrics is valid and
// records nothing, which keeps tests free of registry setup.
type Metrics struct {
	activeSessions       prometheus.Gauge
	identities           prometheus.Gauge
	sessionsCreated      *prometheus.CounterVec
	sessionsDisconnected prometheus.Counter
	eventsReceived       *prometheus.CounterVec
	eventsSent           *prometheus.CounterVec
	drops                *prometheus.CounterVec
	broadcastFanout      prometheus.Histogram
	staleDisconnects     prometheus.Counter
	friendTransitions    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Number of currently connected sessions",
		}),
		identities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_registered_identities",
			Help: "Number of identities currently bound to a session",
		}),
		sessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sessions_created_total",
			Help: "Sessions created, by transport",
		}, []string{"transport"}),
		sessionsDisconnected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_disconnected_total",
			Help: "Sessions removed",
		}),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_received_total",
			Help: "Inbound events, by event name",
		}, []string{"event"}),
		eventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_sent_total",
			Help: "Outbound events written to a transport, by event name",
		}, []string{"event"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_dropped_total",
			Help: "Events dropped, by reason",
		}, []string{"reason"}),
		broadcastFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_broadcast_fanout",
			Help:    "Recipients per broadcast",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		staleDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_stale_disconnects_total",
			Help: "Disconnects of handles already superseded by a newer registration",
		}),
		friendTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_friend_transitions_total",
			Help: "Friend edge transitions, by resulting state",
		}, []string{"state"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.activeSessions,
			m.identities,
			m.sessionsCreated,
			m.sessionsDisconnected,
			m.eventsReceived,
			m.eventsSent,
			m.drops,
			m.broadcastFanout,
			m.staleDisconnects,
			m.friendTransitions,
		)
	}
	return m
}

func (m *Metrics) RecordActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordIdentities(n int) {
	if m == nil {
		return
	}
	m.identities.Set(float64(n))
}

func (m *Metrics) RecordSessionCreated(transport string) {
	if m == nil {
		return
	}
	m.sessionsCreated.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordSessionDisconnected() {
	if m == nil {
		return
	}
	m.sessionsDisconnected.Inc()
}

func (m *Metrics) RecordEventReceived(event string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(event).Inc()
}

func (m *Metrics) RecordEventSent(event string) {
	if m == nil {
		return
	}
	m.eventsSent.WithLabelValues(event).Inc()
}

func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.drops.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordBroadcastFanout(recipients int) {
	if m == nil {
		return
	}
	m.broadcastFanout.Observe(float64(recipients))
}

func (m *Metrics) RecordStaleDisconnect() {
	if m == nil {
		return
	}
	m.staleDisconnects.Inc()
}

func (m *Metrics) RecordFriendTransition(state string) {
	if m == nil {
		return
	}
	m.friendTransitions.WithLabelValues(state).Inc()
}
