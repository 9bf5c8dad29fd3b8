// -------------------------------------------------------------------------------
// MetricsCollector - Periodic Gauge Refresh
//
// Author: Alex Freidah
//
// Refreshes gauges that are not updated inline by request handling: the
// PostgreSQL connection pool counters and the database breaker state. Runs on
// a short interval under the lifecycle manager.
// -------------------------------------------------------------------------------

package storage

import (
	"github.com/afreidah/qr-landing/internal/telemetry"
)

// PoolStats is a snapshot of connection pool counters.
type PoolStats struct {
	Total         int32
	Acquired      int32
	Idle          int32
	Max           int32
	EmptyAcquires int64
}

// PoolStatter reports connection pool counters.
type PoolStatter interface {
	PoolStats() PoolStats
}

// PoolStats returns the current pgx pool counters.
func (s *Store) PoolStats() PoolStats {
	st := s.pool.Stat()
	return PoolStats{
		Total:         st.TotalConns(),
		Acquired:      st.AcquiredConns(),
		Idle:          st.IdleConns(),
		Max:           st.MaxConns(),
		EmptyAcquires: st.EmptyAcquireCount(),
	}
}

// MetricsCollector copies pool and breaker state into Prometheus gauges.
type MetricsCollector struct {
	pool    PoolStatter
	breaker *CircuitBreakerStore
}

// NewMetricsCollector creates a collector. Either source may be nil.
func NewMetricsCollector(pool PoolStatter, breaker *CircuitBreakerStore) *MetricsCollector {
	return &MetricsCollector{pool: pool, breaker: breaker}
}

// Refresh updates every gauge from its source.
func (mc *MetricsCollector) Refresh() {
	if mc.pool != nil {
		st := mc.pool.PoolStats()
		telemetry.DBPoolConnections.WithLabelValues("total").Set(float64(st.Total))
		telemetry.DBPoolConnections.WithLabelValues("acquired").Set(float64(st.Acquired))
		telemetry.DBPoolConnections.WithLabelValues("idle").Set(float64(st.Idle))
		telemetry.DBPoolConnections.WithLabelValues("max").Set(float64(st.Max))
		telemetry.DBPoolEmptyAcquires.Set(float64(st.EmptyAcquires))
	}
	if mc.breaker != nil {
		mc.breaker.publishState()
	}
}
