package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// NodeInvocations counts node invocations by type and outcome.
	NodeInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowrunner_node_invocations_total",
			Help: "Total number of node invocations",
		},
		[]string{"node_type", "status"},
	)

	// NodeDuration tracks how long handlers take.
	NodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowrunner_node_duration_seconds",
			Help:    "Handler execution time",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node_type"},
	)

	// Sessions counts finished walks by outcome.
	Sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowrunner_sessions_total",
			Help: "Total number of finished sessions",
		},
		[]string{"status"},
	)

	// EdgeFailures counts edges that could not deliver a value, by reason.
	EdgeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowrunner_edge_failures_total",
			Help: "Total number of edges that failed to propagate",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(NodeInvocations)
	prometheus.MustRegister(NodeDuration)
	prometheus.MustRegister(Sessions)
	prometheus.MustRegister(EdgeFailures)
}

func observeNode(nodeType string, took time.Duration, err error) {
	status := StatusCompleted
	if err != nil {
		status = StatusFailed
	}
	NodeInvocations.WithLabelValues(nodeType, status).Inc()
	NodeDuration.WithLabelValues(nodeType).Observe(took.Seconds())
}
