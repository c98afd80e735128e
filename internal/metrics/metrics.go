// Package metrics holds the prometheus collectors shared by the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResponseSize accumulates the payload bytes fetched from backends.
	ResponseSize = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchstate_response_size_bytes_total",
		Help: "Total bytes of backend payloads fetched",
	}, []string{"backend"})

	// ItemsImported counts states fed to the mapper per backend.
	ItemsImported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchstate_items_imported_total",
		Help: "Total items parsed and fed to the mapper",
	}, []string{"backend"})

	// QueueRequests counts HTTP requests processed by the queue.
	QueueRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchstate_queue_requests_total",
		Help: "Total queue requests by outcome",
	}, []string{"tag", "status"})

	// Webhooks counts webhook deliveries by backend and outcome.
	Webhooks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchstate_webhooks_total",
		Help: "Total webhook deliveries by result",
	}, []string{"backend", "result"})
)
