package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fleetxchange"

var (
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "workflow_transitions_total", Help: "Committed entity status transitions"},
		[]string{"entity", "from", "to"},
	)
	OperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "workflow_operation_errors_total", Help: "Workflow operations that failed, by error code"},
		[]string{"op", "code"},
	)
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Notifications handed to event sinks"},
		[]string{"sink", "outcome"},
	)
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Notification batches dropped because the dispatch queue was full"})
	WSSessions    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_sessions", Help: "Connected websocket subscribers"})

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
		[]string{"method", "path", "status"},
	)
)
