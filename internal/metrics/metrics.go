// Package metrics holds the session's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldlink_reconnects_total",
			Help: "Total number of reconnect attempts",
		},
	)

	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldlink_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)

	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldlink_connection_state",
			Help: "Current connection state as its enum value",
		},
	)
)

// Dispatch metrics
var (
	MessagesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldlink_messages_dispatched_total",
			Help: "Inbound messages dispatched to handlers",
		},
		[]string{"type"},
	)

	HandlerErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldlink_handler_errors_total",
			Help: "Handler panics recovered at the dispatch boundary",
		},
	)
)

// Outbound queue metrics
var (
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldlink_queue_depth",
			Help: "Messages currently buffered while disconnected",
		},
	)

	QueueEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldlink_queue_evictions_total",
			Help: "Non-priority messages evicted under capacity pressure",
		},
	)

	QueueExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldlink_queue_expired_total",
			Help: "Buffered messages discarded at flush because their TTL expired",
		},
	)
)
