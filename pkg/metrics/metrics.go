package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gotow"

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "request_transitions_total", Help: "Lifecycle operations by outcome"},
		[]string{"operation", "outcome"},
	)
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lifecycle_operation_duration_seconds",
			Help:      "Lifecycle operation latency including store round trips",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	FanoutTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "fanout_events_total", Help: "Real-time events by delivery outcome"},
		[]string{"event", "outcome"},
	)
	ConnectedParticipants = promauto.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "connected_participants", Help: "Participants holding a live connection"},
	)

	SweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "sweeper_runs_total", Help: "Expiration sweeper runs by outcome"},
		[]string{"outcome"},
	)
	SweptRequestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "sweeper_expired_requests_total", Help: "Requests cancelled as expired"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
