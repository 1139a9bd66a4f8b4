package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// Connection metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_sessions_active",
			Help: "Open websocket sessions, announced or not",
		},
	)

	PresenceOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_presence_online",
			Help: "Identities currently present in the session registry",
		},
	)

	// Relay metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_messages_sent_total",
			Help: "Send requests by result",
		},
		[]string{"result"}, // "ok", "validation", "persistence"
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_deliveries_total",
			Help: "Messages pushed to live sessions",
		},
		[]string{"kind"}, // "receiver", "ack"
	)

	TypingForwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_typing_forwarded_total",
			Help: "Typing signals forwarded to a present receiver",
		},
	)

	NotificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_notifications_dropped_total",
			Help: "Notifications dropped because a session outbox was full or closed",
		},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_store_latency_seconds",
			Help:    "Message store operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"op"},
	)
)
