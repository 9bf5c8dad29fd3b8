// -------------------------------------------------------------------------------
// Metrics - Prometheus Instrumentation
//
// Author: Alex Freidah
//
// Prometheus metric definitions for the landing delivery service. Tracks HTTP
// requests, lookup outcomes per cache tier, cache tier health, scan batching,
// and prewarm cycles. All metrics are prefixed with 'qrlanding_' for easy
// identification in dashboards and alerting rules.
// -------------------------------------------------------------------------------

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// -------------------------------------------------------------------------
// METRIC DEFINITIONS
// -------------------------------------------------------------------------

var (
	// --- HTTP metrics ---

	// RequestsTotal counts all HTTP requests by route and status code.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qrlanding_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"route", "status_code"},
	)

	// RequestDuration tracks request latency distribution by route.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qrlanding_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"route"},
	)

	// InflightRequests tracks currently processing requests.
	InflightRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qrlanding_inflight_requests",
			Help: "Number of requests currently being processed",
		},
	)

	// ResponseBytes tracks encoded landing payload sizes by content encoding.
	ResponseBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qrlanding_response_bytes",
			Help:    "Landing payload size on the wire in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 2, 10), // 256B to 128KB
		},
		[]string{"encoding"},
	)

	// RateLimitRejectionsTotal counts requests rejected by the per-IP limiter.
	RateLimitRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qrlanding_rate_limit_rejections_total",
			Help: "Requests rejected by per-IP rate limiting",
		},
	)

	// --- Lookup metrics ---

	// LookupsTotal counts lookups by the tier that answered and the outcome.
	LookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qrlanding_lookups_total",
			Help: "Landing lookups by serving tier and outcome",
		},
		[]string{"tier", "outcome"},
	)

	// LookupDuration tracks lookup latency by serving tier.
	LookupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qrlanding_lookup_duration_seconds",
			Help:    "Landing lookup latency in seconds",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1, .5, 1, 3},
		},
		[]string{"tier"},
	)

	// LookupErrorsTotal counts lookups that failed with a server error.
	LookupErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qrlanding_lookup_errors_total",
			Help: "Landing lookups that failed because the store of record failed",
		},
	)

	// --- Cache tier metrics ---

	// RecentCacheEntries reports the current size of the in-process cache.
	RecentCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qrlanding_recent_cache_entries",
			Help: "Entries currently held in the in-process recency cache",
		},
	)

	// RecentCacheEvictionsTotal counts LRU evictions from the in-process cache.
	RecentCacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qrlanding_recent_cache_evictions_total",
			Help: "Least-recently-used evictions from the in-process cache",
		},
	)

	// RecentCacheResetsTotal counts periodic full clears of the in-process cache.
	RecentCacheResetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qrlanding_recent_cache_resets_total",
			Help: "Periodic full clears of the in-process cache",
		},
	)

	// SharedCacheErrorsTotal counts absorbed shared cache failures by operation.
	SharedCacheErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qrlanding_shared_cache_errors_total",
			Help: "Shared cache failures absorbed as misses or no-ops",
		},
		[]string{"operation"},
	)

	// SharedCacheBreakerState reports the shared cache breaker (0=closed, 1=half-open, 2=open).
	SharedCacheBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qrlanding_shared_cache_breaker_state",
			Help: "Shared cache circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// --- Scan batching metrics ---

	// ScanEventsEnqueuedTotal counts scan events accepted by the batcher.
	ScanEventsEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qrlanding_scan_events_enqueued_total",
			Help: "Scan events accepted into the pending batch",
		},
	)

	// ScanEventsDroppedTotal counts scan events lost to failed flushes.
	ScanEventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qrlanding_scan_events_dropped_total",
			Help: "Scan events dropped because a bulk flush failed",
		},
	)

	// ScanFlushesTotal counts flush cycles by status (success, error, empty).
	ScanFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qrlanding_scan_flushes_total",
			Help: "Scan stats flush cycles by status",
		},
		[]string{"status"},
	)

	// ScanFlushDuration tracks bulk write latency.
	ScanFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qrlanding_scan_flush_duration_seconds",
			Help:    "Scan stats bulk write latency in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// PendingScanIDs reports the number of ids waiting for the next flush.
	PendingScanIDs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qrlanding_pending_scan_ids",
			Help: "Distinct QR code ids with unflushed scans",
		},
	)

	// --- Prewarm metrics ---

	// PrewarmCyclesTotal counts prewarm cycles by status.
	PrewarmCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qrlanding_prewarm_cycles_total",
			Help: "Prewarm cycles by status",
		},
		[]string{"status"},
	)

	// StaleFillsDiscardedTotal counts cache writes dropped because the id was
	// invalidated while the fill was in flight.
	StaleFillsDiscardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qrlanding_stale_fills_discarded_total",
			Help: "Cache fills discarded because the landing page was invalidated mid-flight",
		},
		[]string{"tier"},
	)

	// PrewarmedRecordsTotal counts records pushed into caches by prewarming.
	PrewarmedRecordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qrlanding_prewarmed_records_total",
			Help: "Landing records loaded into caches ahead of demand",
		},
	)

	// TrackedIDs reports the number of ids held by the access tracker.
	TrackedIDs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qrlanding_tracked_ids",
			Help: "QR code ids currently ranked by the access tracker",
		},
	)

	// --- Store metrics ---

	// StoreRequestsTotal counts store-of-record calls by operation and status.
	StoreRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qrlanding_store_requests_total",
			Help: "Store of record calls by operation and status",
		},
		[]string{"operation", "status"},
	)

	// StoreDuration tracks store-of-record latency by operation.
	StoreDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qrlanding_store_duration_seconds",
			Help:    "Store of record latency in seconds",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 3},
		},
		[]string{"operation"},
	)

	// CircuitBreakerState reports the database breaker (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qrlanding_circuit_breaker_state",
			Help: "Database circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)

	// CircuitBreakerTransitionsTotal counts database breaker transitions.
	CircuitBreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qrlanding_circuit_breaker_transitions_total",
			Help: "Database circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)

	// DBPoolConnections reports PostgreSQL pool connections by state.
	DBPoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qrlanding_db_pool_connections",
			Help: "PostgreSQL pool connections by state (total, acquired, idle, max)",
		},
		[]string{"state"},
	)

	// DBPoolEmptyAcquires reports how many acquires had to wait for a connection.
	DBPoolEmptyAcquires = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qrlanding_db_pool_empty_acquires",
			Help: "Cumulative pool acquires that found no idle connection",
		},
	)

	// --- Audit / info ---

	// AuditEventsTotal counts emitted audit events by type.
	AuditEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qrlanding_audit_events_total",
			Help: "Audit log events by type",
		},
		[]string{"event"},
	)

	// BuildInfo exposes version information.
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qrlanding_build_info",
			Help: "Build information for the landing delivery service",
		},
		[]string{"version", "go_version"},
	)
)
