package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_messages_sent_total",
		Help: "Messages acknowledged by the upstream, by connection type.",
	}, []string{"connection_type"})

	failedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_messages_failed_total",
		Help: "Terminal delivery failures, by reason.",
	}, []string{"reason"})

	retriedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbound_messages_retried_total",
		Help: "Deliveries scheduled for another attempt.",
	})

	rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_rate_limited_total",
		Help: "Sends blocked by a rate ceiling, by scope.",
	}, []string{"scope"})

	sendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outbound_send_duration_seconds",
		Help:    "Upstream send latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"connection_type"})
)
