package chat

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the chat core's Prometheus collectors.
type Metrics struct {
	Connections       prometheus.Gauge
	MessagesPersisted prometheus.Counter
	IngestFailures    *prometheus.CounterVec
	Broadcasts        *prometheus.CounterVec
	RoomJoins         *prometheus.CounterVec
	TypingEvents      prometheus.Counter
}

// NewMetrics builds the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "connections",
			Help:      "Number of websocket connections registered with the hub.",
		}),
		MessagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "messages_persisted_total",
			Help:      "Messages durably stored by the ingestion pipeline.",
		}),
		IngestFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "ingest_failures_total",
			Help:      "Messages rejected by the ingestion pipeline, by error code.",
		}, []string{"code"}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "broadcasts_total",
			Help:      "Room broadcasts, by event tag.",
		}, []string{"event"}),
		RoomJoins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "room_joins_total",
			Help:      "join-chat requests, by result.",
		}, []string{"result"}),
		TypingEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "typing_events_total",
			Help:      "Typing state transitions broadcast to rooms.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Connections,
			m.MessagesPersisted,
			m.IngestFailures,
			m.Broadcasts,
			m.RoomJoins,
			m.TypingEvents,
		)
	}
	return m
}
