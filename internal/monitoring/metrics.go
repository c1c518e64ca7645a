// Package monitoring holds the Prometheus metrics registered by the
// message plane's processes, adapted from the teacher's root metrics.go
// and narrowed from "everything a WebSocket fan-out server touches" to
// this design's own components (Gateway, Router, Offline Worker).
package monitoring

import "github.com/prometheus/client_golang/prometheus"

var (
	GatewayConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "imcore_gateway_connections_active",
		Help: "Current number of active Gateway sessions on this process",
	})

	GatewayConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imcore_gateway_connections_total",
		Help: "Total Gateway sessions established since process start",
	})

	GatewayConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imcore_gateway_connections_rejected_total",
		Help: "Gateway connections rejected by admission control, by reason",
	}, []string{"reason"})

	GatewayDeliverRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imcore_gateway_deliver_retries_total",
		Help: "DELIVER frames retried after an ack timeout",
	})

	GatewayDeliverUndelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imcore_gateway_deliver_undelivered_total",
		Help: "DELIVER frames never acked after all retries were exhausted",
	})

	RouterRouteDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "imcore_router_route_duration_seconds",
		Help:    "route_private/route_group latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})

	RouterDuplicatesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imcore_router_duplicates_dropped_total",
		Help: "Messages dropped by the Router as duplicates of an already-routed msg_id",
	})

	OfflineWorkerBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "imcore_offlineworker_batch_size",
		Help:    "Number of records in each offline_msg batch processed",
		Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
	})

	OfflineWorkerDLQTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imcore_offlineworker_dlq_total",
		Help: "Records published to the dead-letter topic, after exhausted insert retries or for an undecodable payload",
	})

	CPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "imcore_process_cpu_percent",
		Help: "CPU usage percent relative to the container's allocation (or host, outside a container)",
	})

	CPUThrottleEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imcore_process_cpu_throttle_events_total",
		Help: "cgroup CPU throttling events observed",
	})
)

// Registry collects every metric above into one prometheus.Registerer,
// mirroring the teacher's single-package registration in root metrics.go
// rather than relying on promauto's global default registry, so cmd/*
// binaries can each build their own isolated registry in tests.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		GatewayConnectionsActive,
		GatewayConnectionsTotal,
		GatewayConnectionsRejected,
		GatewayDeliverRetries,
		GatewayDeliverUndelivered,
		RouterRouteDuration,
		RouterDuplicatesDropped,
		OfflineWorkerBatchSize,
		OfflineWorkerDLQTotal,
		CPUPercent,
		CPUThrottleEventsTotal,
	)
}
