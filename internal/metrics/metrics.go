// Package metrics provides Prometheus metrics for the RDMA engine.
//
// Exposed collectors:
//   - rdmaio_connections_total: connections accepted or opened, by role
//   - rdmaio_connections_active: currently tracked endpoints
//   - rdmaio_posts_total: send work requests posted, by opcode
//   - rdmaio_completions_total: completions reaped
//   - rdmaio_completion_errors_total: error CQEs reaped
//   - rdmaio_handshake_duration_seconds: successful Establish latency
//     (resource setup, record exchanges, and QP transitions)
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsTotal counts connections by role ("server" or "client").
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmaio_connections_total",
			Help: "Total connections accepted or opened",
		},
		[]string{"role"},
	)

	// ConnectionsActive tracks currently open endpoints.
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdmaio_connections_active",
			Help: "Number of active connections",
		},
	)

	// PostsTotal counts posted send work requests by opcode.
	PostsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmaio_posts_total",
			Help: "Total send work requests posted",
		},
		[]string{"opcode"},
	)

	// CompletionsTotal counts successfully reaped completions.
	CompletionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmaio_completions_total",
			Help: "Total completions reaped",
		},
	)

	// CompletionErrorsTotal counts error CQEs.
	CompletionErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmaio_completion_errors_total",
			Help: "Total error CQEs reaped",
		},
	)

	// HandshakeDuration observes the latency of a successful Establish:
	// resource setup, record exchanges, and QP transitions.
	HandshakeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rdmaio_handshake_duration_seconds",
			Help:    "Connection handshake latency",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		},
	)
)
