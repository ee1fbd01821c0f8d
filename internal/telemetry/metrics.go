package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency, labeled by method,
// route pattern, and status code.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "sqew",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// MessagesEnqueuedTotal counts successful (non-deduplicated) enqueues
// per queue.
var MessagesEnqueuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sqew",
		Subsystem: "engine",
		Name:      "messages_enqueued_total",
		Help:      "Total number of messages enqueued.",
	},
	[]string{"queue"},
)

// MessagesDeduplicatedTotal counts enqueues short-circuited by an
// idempotency-key collision (spec.md P4).
var MessagesDeduplicatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sqew",
		Subsystem: "engine",
		Name:      "messages_deduplicated_total",
		Help:      "Total number of enqueues deduplicated via idempotency key.",
	},
	[]string{"queue"},
)

// MessagesLeasedTotal counts messages claimed by a lease call.
var MessagesLeasedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sqew",
		Subsystem: "engine",
		Name:      "messages_leased_total",
		Help:      "Total number of messages leased.",
	},
	[]string{"queue"},
)

// MessagesAckedTotal counts successful acks.
var MessagesAckedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sqew",
		Subsystem: "engine",
		Name:      "messages_acked_total",
		Help:      "Total number of messages acknowledged.",
	},
	[]string{"queue"},
)

// MessagesNackedTotal counts nacks, labeled by outcome: "rescheduled" or "dropped".
var MessagesNackedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sqew",
		Subsystem: "engine",
		Name:      "messages_nacked_total",
		Help:      "Total number of messages nacked, by outcome.",
	},
	[]string{"queue", "outcome"},
)

// MessagesFencedTotal counts ack/nack calls rejected by the fencing check (spec.md P3).
var MessagesFencedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sqew",
		Subsystem: "engine",
		Name:      "messages_fenced_total",
		Help:      "Total number of ack/nack calls rejected due to a stale or mismatched lease token.",
	},
	[]string{"queue"},
)

// MessagesExpiredTotal counts rows dropped by the TTL reaper.
var MessagesExpiredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sqew",
		Subsystem: "reaper",
		Name:      "messages_expired_total",
		Help:      "Total number of messages dropped by TTL expiry.",
	},
	[]string{"queue"},
)

// StorageBusyTotal counts SQLITE_BUSY / busy-timeout errors observed by the store.
var StorageBusyTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "sqew",
		Subsystem: "store",
		Name:      "busy_total",
		Help:      "Total number of storage operations that hit the busy-timeout.",
	},
)

// QueueReadyGauge is a per-queue ready-message gauge. It is registered
// by All, but no code path in sqew sets it, so it exports no series.
var QueueReadyGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "sqew",
		Subsystem: "engine",
		Name:      "queue_ready_messages",
		Help:      "Number of ready (pollable) messages, as of the last stats refresh.",
	},
	[]string{"queue"},
)

// All returns sqew's domain-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		MessagesEnqueuedTotal,
		MessagesDeduplicatedTotal,
		MessagesLeasedTotal,
		MessagesAckedTotal,
		MessagesNackedTotal,
		MessagesFencedTotal,
		MessagesExpiredTotal,
		StorageBusyTotal,
		QueueReadyGauge,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors, the shared HTTPRequestDuration metric, and any
// additional collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
