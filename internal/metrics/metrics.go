// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Poll results.
const (
	PollDelivered = "delivered"
	PollEmpty     = "empty"
	PollTransport = "transport_error"
	PollRejected  = "rejected"
)

var (
	// PollsTotal counts poll ticks that reached the fetch step, by result.
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hackmud_polls_total",
			Help: "Poll fetches by result",
		},
		[]string{"result"},
	)

	PollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hackmud_poll_duration_seconds",
			Help:    "Duration of the chats fetch in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	MessagesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hackmud_messages_delivered_total",
			Help: "Messages in delivered batches, after dedup",
		},
	)

	HandlerFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hackmud_handler_failures_total",
			Help: "Subscription handlers that returned an error or panicked",
		},
	)

	Watermark = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hackmud_watermark_seconds",
			Help: "Timestamp of the newest delivered message",
		},
	)

	Subscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hackmud_subscriptions",
			Help: "Live subscriptions",
		},
	)

	// ChatsSent counts outbound chats by kind (channel, tell) and result (ok, error).
	ChatsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hackmud_chats_sent_total",
			Help: "Outbound chats by kind and result",
		},
		[]string{"kind", "result"},
	)

	ArchiveErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hackmud_archive_errors_total",
			Help: "Batches that failed to be written to the archive store",
		},
	)

	RelayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hackmud_relay_connections",
			Help: "Open websocket relay connections",
		},
	)
)
