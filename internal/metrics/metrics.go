// Package metrics provides Prometheus metrics for the Substrate backend,
// exposed on the admin listener at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsTotal counts accepted connections by channel kind.
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "substrate_connections_total",
			Help: "Accepted connections by channel kind",
		},
		[]string{"kind"},
	)

	// ControlRequestsTotal counts control-plane requests by operation.
	ControlRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "substrate_control_requests_total",
			Help: "Control-plane requests by operation",
		},
		[]string{"op"},
	)

	// DataRequestsTotal counts data-plane requests by direction.
	DataRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "substrate_data_requests_total",
			Help: "Data-plane requests by direction",
		},
		[]string{"dir"},
	)

	// DataBytesTotal counts serviced data-plane bytes by direction.
	DataBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "substrate_data_bytes_total",
			Help: "Serviced data-plane bytes by direction",
		},
		[]string{"dir"},
	)

	// BatchSize observes the number of requests parsed per producer publish.
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "substrate_batch_size",
			Help:    "Requests parsed per batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	// CacheItems reports the metadata cache population loaded from the
	// preload file at startup; later inserts and deletes do not update it.
	CacheItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "substrate_cache_items",
			Help: "Items resident in the metadata cache",
		},
	)
)
