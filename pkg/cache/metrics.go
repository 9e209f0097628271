package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by type
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordgw_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"type"},
	)

	// CacheMisses tracks cache misses by reason
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordgw_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"reason"}, // "disabled", "absent", "expired", "corrupt", "error"
	)

	// CacheCorruptions tracks payloads that failed to decode for their type
	CacheCorruptions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recordgw_cache_corruptions_total",
			Help: "Total number of corrupt cache payloads",
		},
	)

	// CacheTombstones tracks records flipped to tombstoned
	CacheTombstones = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordgw_cache_tombstones_total",
			Help: "Total number of cache records tombstoned",
		},
		[]string{"reason"}, // "expired", "corrupt", "invalidated"
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordgw_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "invalidate", "cleanup"
	)

	// CacheCleanupDeleted tracks records physically removed by cleanup
	CacheCleanupDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recordgw_cache_cleanup_deleted_total",
			Help: "Total number of cache records deleted by cleanup",
		},
	)

	// CacheDisabled reports the disable switch (1 = disabled)
	CacheDisabled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "recordgw_cache_disabled",
			Help: "Whether the cache is disabled (1) or enabled (0)",
		},
	)
)
