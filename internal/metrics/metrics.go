// Package metrics declares the canonical Prometheus collectors.
// Metric and label names here are part of the operational contract;
// dashboards and alerts key on them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_operations_total",
		Help: "Sync operations by operation and terminal status.",
	}, []string{"operation", "status"})

	RecordsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "records_processed_total",
		Help: "Records processed per sync type.",
	}, []string{"sync_type"})

	Changes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changes_total",
		Help: "Entity changes by type, operation, and status.",
	}, []string{"entity_type", "operation", "status"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Errors by taxonomy code, entity type, and source component.",
	}, []string{"error_type", "entity_type", "source"})

	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_duration_seconds",
		Help:    "Duration of sync operations.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"operation"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Outbound HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"host", "method", "status"})

	CacheLastUpdated = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cache_last_updated_timestamp_seconds",
		Help: "Unix time of the last successful refresh per cache key.",
	}, []string{"cache"})

	CacheItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cache_items_total",
		Help: "Item count per cache key.",
	}, []string{"cache"})

	CacheTTL = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cache_ttl_seconds",
		Help: "Configured TTL per cache key.",
	}, []string{"cache"})

	CacheStale = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_stale_served_total",
		Help: "Stale fallback reads served per cache key.",
	}, []string{"cache"})

	SyncInProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_in_progress",
		Help: "1 while a sync session is running.",
	})

	LastSyncTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "last_sync_timestamp_seconds",
		Help: "Unix time the last sync session ended.",
	})
)
