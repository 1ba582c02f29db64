// Package metrics exposes Prometheus instrumentation for the live chat core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChatRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "live",
		Name:      "chat_rejections_total",
		Help:      "Chat requests rejected by admission or policy checks",
	}, []string{"reason"})

	ChatMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "live",
		Name:      "chat_messages_total",
		Help:      "Chat messages persisted and broadcast",
	})

	BroadcastDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "live",
		Name:      "broadcast_drops_total",
		Help:      "Outbound frames dropped because a connection send buffer was full",
	}, []string{"event"})

	PresenceEmitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "live",
		Name:      "presence_emits_total",
		Help:      "Debounced presence updates emitted",
	})

	PresenceEnumerationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "live",
		Name:      "presence_enumeration_failures_total",
		Help:      "Roster sources that failed or timed out during enumeration",
	})

	OpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "live",
		Name:      "open_connections",
		Help:      "Websocket connections currently open on this instance",
	})

	SessionsFinalizedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "live",
		Name:      "sessions_finalized_total",
		Help:      "Sessions whose presence stats were written durably",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "live",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route pattern",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// IncRejection records a rejected chat request.
func IncRejection(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	ChatRejectionsTotal.WithLabelValues(reason).Inc()
}

// IncDrop records a frame dropped for backpressure.
func IncDrop(event string) {
	if event == "" {
		event = "unknown"
	}
	BroadcastDropsTotal.WithLabelValues(event).Inc()
}
