// -------------------------------------------------------------------------------
// CircuitBreakerStore - Fail-Fast Wrapper for the Store of Record
//
// Author: Alex Freidah
//
// Wraps a RecordStore with a gobreaker circuit breaker. After a run of
// consecutive database failures the circuit opens and every call returns
// ErrDBUnavailable without touching the pool, so cold lookups fail in
// microseconds instead of stacking up behind the store timeout. After the open
// timeout one probe call is let through; its outcome closes or reopens the
// circuit.
//
// States: closed (healthy) → open (DB down) → half-open (probing) → closed.
// -------------------------------------------------------------------------------

package storage

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/afreidah/qr-landing/internal/config"
	"github.com/afreidah/qr-landing/internal/telemetry"
)

// -------------------------------------------------------------------------
// CIRCUIT BREAKER STORE
// -------------------------------------------------------------------------

// CircuitBreakerStore implements RecordStore on top of another RecordStore.
type CircuitBreakerStore struct {
	real          RecordStore
	breaker       *gobreaker.CircuitBreaker[any]
	failThreshold int
	openedAt      atomic.Int64 // unix nanos of the last closed → open transition
}

// Compile-time check.
var _ RecordStore = (*CircuitBreakerStore)(nil)

// NewCircuitBreakerStore wraps real with circuit breaker logic.
func NewCircuitBreakerStore(real RecordStore, cfg config.CircuitBreakerConfig) *CircuitBreakerStore {
	cb := &CircuitBreakerStore{
		real:          real,
		failThreshold: cfg.FailureThreshold,
	}

	threshold := uint32(max(cfg.FailureThreshold, 1))
	cb.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "store",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return !isDBError(err)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			cb.transition(from, to)
		},
	})
	return cb
}

// IsHealthy reports whether the circuit is closed.
func (cb *CircuitBreakerStore) IsHealthy() bool {
	return cb.breaker.State() == gobreaker.StateClosed
}

// State returns the current circuit state name.
func (cb *CircuitBreakerStore) State() string {
	return cb.breaker.State().String()
}

// publishState copies the current state into the breaker gauge.
func (cb *CircuitBreakerStore) publishState() {
	telemetry.CircuitBreakerState.Set(stateGauge(cb.breaker.State()))
}

// stateGauge maps a breaker state onto the gauge encoding
// (0=closed, 1=open, 2=half-open).
func stateGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// transition emits metrics and logs for a state change. Runs under the
// breaker's lock, so it must not call back into the breaker.
func (cb *CircuitBreakerStore) transition(from, to gobreaker.State) {
	telemetry.CircuitBreakerState.Set(stateGauge(to))
	telemetry.CircuitBreakerTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()

	now := time.Now()
	since := func() string {
		return now.Sub(time.Unix(0, cb.openedAt.Load())).Round(time.Millisecond).String()
	}

	switch {
	case to == gobreaker.StateOpen && from == gobreaker.StateClosed:
		cb.openedAt.Store(now.UnixNano())
		slog.Warn("Store circuit opened", "threshold", cb.failThreshold)

	case to == gobreaker.StateOpen && from == gobreaker.StateHalfOpen:
		slog.Warn("Store circuit reopened: probe failed")

	case to == gobreaker.StateHalfOpen:
		slog.Info("Store circuit half-open: probing database", "open_duration", since())

	case to == gobreaker.StateClosed:
		slog.Info("Store circuit closed: database recovered", "degraded_duration", since())
	}
}

// isDBError reports whether err indicates a database failure. A missing
// record or a caller that went away says nothing about database health.
func isDBError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRecordNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// mapError converts breaker rejections to ErrDBUnavailable. A database
// failure that leaves the circuit open is reported the same way.
func (cb *CircuitBreakerStore) mapError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrDBUnavailable
	}
	if isDBError(err) && !cb.IsHealthy() {
		return ErrDBUnavailable
	}
	return err
}

// -------------------------------------------------------------------------
// FORWARDING
// -------------------------------------------------------------------------

func cbCall[T any](cb *CircuitBreakerStore, fn func() (T, error)) (T, error) {
	v, err := cb.breaker.Execute(func() (any, error) {
		result, err := fn()
		return result, err
	})
	result, _ := v.(T)
	return result, cb.mapError(err)
}

func cbCallNoResult(cb *CircuitBreakerStore, fn func() error) error {
	_, err := cb.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	return cb.mapError(err)
}

// FindLandingRecord delegates to the real store with circuit breaker protection.
func (cb *CircuitBreakerStore) FindLandingRecord(ctx context.Context, id string) (*LandingRecord, error) {
	return cbCall(cb, func() (*LandingRecord, error) { return cb.real.FindLandingRecord(ctx, id) })
}

// FindLandingRecords delegates to the real store with circuit breaker protection.
func (cb *CircuitBreakerStore) FindLandingRecords(ctx context.Context, ids []string) ([]LandingRecord, error) {
	return cbCall(cb, func() ([]LandingRecord, error) { return cb.real.FindLandingRecords(ctx, ids) })
}

// BulkIncrementScanStats delegates to the real store with circuit breaker protection.
func (cb *CircuitBreakerStore) BulkIncrementScanStats(ctx context.Context, updates []ScanStatsUpdate) error {
	return cbCallNoResult(cb, func() error { return cb.real.BulkIncrementScanStats(ctx, updates) })
}

// ScanCount delegates to the real store with circuit breaker protection.
func (cb *CircuitBreakerStore) ScanCount(ctx context.Context, id string) (int64, error) {
	return cbCall(cb, func() (int64, error) { return cb.real.ScanCount(ctx, id) })
}
