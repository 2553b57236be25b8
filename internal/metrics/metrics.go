package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PollCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replydesk_poll_cycles_total",
			Help: "Auto-reply poll cycles by outcome",
		},
		[]string{"outcome"}, // ok, error
	)

	PollCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "replydesk_poll_cycle_duration_seconds",
			Help:    "Duration of one auto-reply poll cycle",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	AutoReplies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replydesk_auto_replies_total",
			Help: "Auto-reply attempts by outcome",
		},
		[]string{"outcome"}, // sent, failed, abandoned
	)

	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "replydesk_upstream_latency_seconds",
			Help:    "Latency of calls to the mail and completion providers",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"upstream", "status"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replydesk_http_requests_total",
			Help: "HTTP API requests by route and status",
		},
		[]string{"method", "route", "status"},
	)
)

func RecordPollCycle(err error, duration time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	PollCycles.WithLabelValues(outcome).Inc()
	PollCycleDuration.Observe(duration.Seconds())
}

func RecordAutoReply(outcome string) {
	AutoReplies.WithLabelValues(outcome).Inc()
}

func RecordUpstream(upstream string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	UpstreamLatency.WithLabelValues(upstream, status).Observe(duration.Seconds())
}

func RecordHTTPRequest(method, route string, status int) {
	HTTPRequests.WithLabelValues(method, route, statusClass(status)).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
