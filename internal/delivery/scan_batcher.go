// -------------------------------------------------------------------------------
// ScanBatcher - Deferred Scan Statistics Writes
//
// Author: Alex Freidah
//
// Accumulates per-id scan counts and scan history in memory and writes them to
// the store of record as one bulk update per flush. Flush swaps the pending map
// for an empty one under the lock and performs the write outside it, so scans
// arriving during a flush land in the next batch and never wait on I/O.
//
// A failed flush drops its batch by default. With requeue enabled the batch is
// merged back into the pending map and retried on the next flush.
// -------------------------------------------------------------------------------

package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/afreidah/qr-landing/internal/audit"
	"github.com/afreidah/qr-landing/internal/storage"
	"github.com/afreidah/qr-landing/internal/telemetry"
)

// ScanWriter applies accumulated scan statistics to the store of record.
type ScanWriter interface {
	BulkIncrementScanStats(ctx context.Context, updates []storage.ScanStatsUpdate) error
}

type pendingScans struct {
	count   int64
	history []storage.ScanEvent
}

// ScanBatcher buffers scan events between flushes.
type ScanBatcher struct {
	mu      sync.Mutex
	pending map[string]*pendingScans
	events  int64

	flushMu sync.Mutex
	writer  ScanWriter
	requeue atomic.Bool
}

// NewScanBatcher creates a batcher that flushes into writer.
func NewScanBatcher(writer ScanWriter, requeueOnFailure bool) *ScanBatcher {
	b := &ScanBatcher{
		pending: make(map[string]*pendingScans),
		writer:  writer,
	}
	b.requeue.Store(requeueOnFailure)
	return b
}

// SetRequeueOnFailure switches between dropping and requeueing failed batches.
func (b *ScanBatcher) SetRequeueOnFailure(v bool) {
	b.requeue.Store(v)
}

// Enqueue records one scan of id.
func (b *ScanBatcher) Enqueue(id string, event storage.ScanEvent) {
	b.mu.Lock()
	p, ok := b.pending[id]
	if !ok {
		p = &pendingScans{}
		b.pending[id] = p
	}
	p.count++
	p.history = append(p.history, event)
	b.events++
	n := len(b.pending)
	b.mu.Unlock()

	telemetry.ScanEventsEnqueuedTotal.Inc()
	telemetry.PendingScanIDs.Set(float64(n))
}

// Pending returns the unflushed scan count for id.
func (b *ScanBatcher) Pending(id string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pending[id]; ok {
		return p.count
	}
	return 0
}

// Len returns the number of ids with unflushed scans.
func (b *ScanBatcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush drains the pending batch and writes it with a single bulk call. An
// empty batch performs no write.
func (b *ScanBatcher) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		telemetry.ScanFlushesTotal.WithLabelValues("empty").Inc()
		return nil
	}
	batch := b.pending
	events := b.events
	b.pending = make(map[string]*pendingScans, len(batch))
	b.events = 0
	b.mu.Unlock()
	telemetry.PendingScanIDs.Set(0)

	updates := make([]storage.ScanStatsUpdate, 0, len(batch))
	for id, p := range batch {
		updates = append(updates, storage.ScanStatsUpdate{
			ID:         id,
			CountDelta: p.count,
			History:    p.history,
		})
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].ID < updates[j].ID })

	ctx, span := telemetry.StartSpan(ctx, "ScanBatcher.Flush",
		telemetry.AttrBatchIDs.Int(len(updates)),
		telemetry.AttrBatchEvents.Int64(events),
	)
	defer span.End()

	start := time.Now()
	err := b.writer.BulkIncrementScanStats(ctx, updates)
	telemetry.ScanFlushDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		telemetry.ScanFlushesTotal.WithLabelValues("error").Inc()

		if b.requeue.Load() {
			b.merge(batch, events)
			slog.Warn("Scan flush failed, batch requeued",
				"ids", len(updates), "events", events, "error", err)
		} else {
			telemetry.ScanEventsDroppedTotal.Add(float64(events))
			slog.Error("Scan flush failed, batch dropped",
				"ids", len(updates), "events", events, "error", err)
			audit.Log(ctx, "scan.batch_dropped",
				slog.Int("ids", len(updates)),
				slog.Int64("events", events),
			)
		}
		return fmt.Errorf("failed to flush scan stats: %w", err)
	}

	telemetry.ScanFlushesTotal.WithLabelValues("success").Inc()
	slog.Debug("Scan stats flushed", "ids", len(updates), "events", events,
		"duration", time.Since(start).Round(time.Millisecond).String())
	return nil
}

// merge folds a failed batch back in front of anything enqueued since the
// swap, keeping history in arrival order.
func (b *ScanBatcher) merge(batch map[string]*pendingScans, events int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, failed := range batch {
		cur, ok := b.pending[id]
		if !ok {
			b.pending[id] = failed
			continue
		}
		cur.count += failed.count
		cur.history = append(failed.history, cur.history...)
	}
	b.events += events
	telemetry.PendingScanIDs.Set(float64(len(b.pending)))
}
