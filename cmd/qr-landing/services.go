// -------------------------------------------------------------------------------
// Background Service Definitions
//
// Author: Alex Freidah
//
// Periodic services for the lifecycle manager: the scan stats flush (with a
// final flush on shutdown), the top-K prewarm, the scheduled reset of the
// in-process cache, and the gauge refresh. Each tick carries its own request id so log lines and
// audit events from one run can be correlated.
// -------------------------------------------------------------------------------

package main

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/afreidah/qr-landing/internal/audit"
	"github.com/afreidah/qr-landing/internal/config"
	"github.com/afreidah/qr-landing/internal/delivery"
	"github.com/afreidah/qr-landing/internal/lifecycle"
	"github.com/afreidah/qr-landing/internal/storage"
)

// -------------------------------------------------------------------------
// SCAN FLUSH
// -------------------------------------------------------------------------

// scanFlushService periodically writes pending scan stats in one bulk call.
type scanFlushService struct {
	*lifecycle.Periodic
	scans   *delivery.ScanBatcher
	timeout atomic.Int64 // bound on one bulk write
}

func newScanFlushService(scans *delivery.ScanBatcher, cfg config.ScanFlushConfig) *scanFlushService {
	s := &scanFlushService{scans: scans}
	s.SetTimeout(cfg.Timeout)
	s.Periodic = lifecycle.NewPeriodic("scan-flush", cfg.Interval, s.flush, s.finalFlush)
	return s
}

// SetTimeout changes the bound applied to each periodic flush.
func (s *scanFlushService) SetTimeout(d time.Duration) {
	s.timeout.Store(int64(d))
}

func (s *scanFlushService) flush(ctx context.Context) error {
	timeout := time.Duration(s.timeout.Load())
	tickCtx, cancel := context.WithTimeout(audit.WithRequestID(ctx, audit.NewID()), timeout)
	defer cancel()

	err := s.scans.Flush(tickCtx)
	if errors.Is(err, storage.ErrDBUnavailable) {
		// The circuit breaker already logged the outage
		return nil
	}
	return err
}

// finalFlush runs from Stop after the HTTP server has drained.
func (s *scanFlushService) finalFlush(ctx context.Context) error {
	pending := s.scans.Len()
	if pending == 0 {
		return nil
	}
	slog.Info("Flushing pending scans before exit", "ids", pending)
	return s.scans.Flush(audit.WithRequestID(ctx, audit.NewID()))
}

// -------------------------------------------------------------------------
// PREWARM
// -------------------------------------------------------------------------

// newPrewarmService reloads the most requested pages into both cache tiers.
// A disabled prewarm runs with a zero interval so a reload can enable it.
func newPrewarmService(orch *delivery.Orchestrator, cfg config.PrewarmConfig) *lifecycle.Periodic {
	return lifecycle.NewPeriodic("prewarm", prewarmInterval(cfg), func(ctx context.Context) error {
		n, err := orch.Prewarm(audit.WithRequestID(ctx, audit.NewID()))
		if errors.Is(err, storage.ErrDBUnavailable) {
			return nil
		}
		if err != nil {
			return err
		}
		slog.Debug("Prewarm complete", "records", n)
		return nil
	}, nil)
}

func prewarmInterval(cfg config.PrewarmConfig) time.Duration {
	if !cfg.IsEnabled() {
		return 0
	}
	return cfg.Interval
}

// -------------------------------------------------------------------------
// CACHE RESET
// -------------------------------------------------------------------------

// newCacheResetService clears the in-process cache on a schedule so records
// changed without an editor invalidation cannot stay hot indefinitely. A zero
// interval disables it.
func newCacheResetService(orch *delivery.Orchestrator, interval time.Duration) *lifecycle.Periodic {
	return lifecycle.NewPeriodic("cache-reset", interval, func(context.Context) error {
		orch.ClearRecent()
		slog.Debug("In-process cache reset")
		return nil
	}, nil)
}

// -------------------------------------------------------------------------
// METRICS REFRESH
// -------------------------------------------------------------------------

// metricsRefreshInterval is how often pool and breaker gauges are refreshed.
const metricsRefreshInterval = 15 * time.Second

func newMetricsRefreshService(mc *storage.MetricsCollector) *lifecycle.Periodic {
	return lifecycle.NewPeriodic("metrics-refresh", metricsRefreshInterval, func(context.Context) error {
		mc.Refresh()
		return nil
	}, nil)
}
