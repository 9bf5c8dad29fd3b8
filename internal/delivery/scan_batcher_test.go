// -------------------------------------------------------------------------------
// ScanBatcher Tests
//
// Author: Alex Freidah
//
// Covers accumulation under concurrency, single bulk write per flush, empty
// flushes, drop and requeue on failure, and scans arriving mid-flush.
// -------------------------------------------------------------------------------

package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/afreidah/qr-landing/internal/storage"
	"github.com/afreidah/qr-landing/internal/testutil"
)

func scan(ua string) storage.ScanEvent {
	return storage.ScanEvent{
		Timestamp:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		UserAgent:     ua,
		SourceAddress: "203.0.113.7",
	}
}

func TestScanBatcher_ConcurrentEnqueue(t *testing.T) {
	store := testutil.NewMockStore()
	b := NewScanBatcher(store, false)

	const n = 500
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Enqueue("abc", scan(fmt.Sprintf("ua-%d", i)))
		}(i)
	}
	wg.Wait()

	if got := b.Pending("abc"); got != n {
		t.Fatalf("Pending = %d, want %d", got, n)
	}

	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if store.BulkCount() != 1 {
		t.Fatalf("bulk calls = %d, want 1", store.BulkCount())
	}
	u := store.BulkCalls[0][0]
	if u.ID != "abc" || u.CountDelta != n || len(u.History) != n {
		t.Errorf("update = {%s, %d, %d events}, want {abc, %d, %d events}", u.ID, u.CountDelta, len(u.History), n, n)
	}
}

func TestScanBatcher_FlushThenEmpty(t *testing.T) {
	store := testutil.NewMockStore()
	b := NewScanBatcher(store, false)
	b.Enqueue("a", scan("x"))

	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if b.Len() != 0 || b.Pending("a") != 0 {
		t.Fatal("pending batch should be empty after flush")
	}

	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if store.BulkCount() != 1 {
		t.Errorf("bulk calls = %d, want 1 (empty flush must not write)", store.BulkCount())
	}
}

func TestScanBatcher_EmptyFlushNoWrite(t *testing.T) {
	store := testutil.NewMockStore()
	b := NewScanBatcher(store, false)

	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if store.BulkCount() != 0 {
		t.Errorf("bulk calls = %d, want 0", store.BulkCount())
	}
}

func TestScanBatcher_OneCallSortedByID(t *testing.T) {
	store := testutil.NewMockStore()
	b := NewScanBatcher(store, false)
	for _, id := range []string{"zeta", "alpha", "mid", "alpha"} {
		b.Enqueue(id, scan("x"))
	}

	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if store.BulkCount() != 1 {
		t.Fatalf("bulk calls = %d, want 1", store.BulkCount())
	}
	got := store.BulkCalls[0]
	want := []struct {
		id    string
		delta int64
	}{{"alpha", 2}, {"mid", 1}, {"zeta", 1}}
	if len(got) != len(want) {
		t.Fatalf("updates = %d, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].ID != w.id || got[i].CountDelta != w.delta {
			t.Errorf("update[%d] = {%s, %d}, want {%s, %d}", i, got[i].ID, got[i].CountDelta, w.id, w.delta)
		}
	}
}

func TestScanBatcher_FailureDropsBatch(t *testing.T) {
	store := testutil.NewMockStore()
	store.BulkErr = errors.New("connection reset")
	b := NewScanBatcher(store, false)
	b.Enqueue("a", scan("x"))

	if err := b.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}
	if b.Len() != 0 {
		t.Errorf("Len = %d, want 0 after dropped batch", b.Len())
	}

	store.Mu.Lock()
	store.BulkErr = nil
	store.Mu.Unlock()

	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if store.BulkCount() != 1 {
		t.Errorf("bulk calls = %d, want 1 (dropped batch must not be retried)", store.BulkCount())
	}
}

func TestScanBatcher_FailureRequeuesWhenEnabled(t *testing.T) {
	store := testutil.NewMockStore()
	store.BulkErr = errors.New("connection reset")
	b := NewScanBatcher(store, true)
	b.Enqueue("a", scan("first"))
	b.Enqueue("a", scan("second"))

	if err := b.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}
	if got := b.Pending("a"); got != 2 {
		t.Fatalf("Pending after requeue = %d, want 2", got)
	}

	b.Enqueue("a", scan("third"))

	store.Mu.Lock()
	store.BulkErr = nil
	store.Mu.Unlock()

	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("retry Flush: %v", err)
	}
	u := store.BulkCalls[1][0]
	if u.CountDelta != 3 {
		t.Errorf("delta = %d, want 3", u.CountDelta)
	}
	var uas []string
	for _, e := range u.History {
		uas = append(uas, e.UserAgent)
	}
	if fmt.Sprint(uas) != "[first second third]" {
		t.Errorf("history order = %v, want [first second third]", uas)
	}
}

// gatedWriter blocks inside the bulk write until released.
type gatedWriter struct {
	started chan struct{}
	release chan struct{}
	calls   [][]storage.ScanStatsUpdate
	mu      sync.Mutex
}

func (g *gatedWriter) BulkIncrementScanStats(_ context.Context, updates []storage.ScanStatsUpdate) error {
	g.mu.Lock()
	g.calls = append(g.calls, updates)
	g.mu.Unlock()
	g.started <- struct{}{}
	<-g.release
	return nil
}

func TestScanBatcher_EnqueueDuringFlushLandsInNextBatch(t *testing.T) {
	w := &gatedWriter{started: make(chan struct{}, 1), release: make(chan struct{})}
	b := NewScanBatcher(w, false)
	b.Enqueue("a", scan("before"))

	done := make(chan error, 1)
	go func() { done <- b.Flush(context.Background()) }()

	<-w.started
	b.Enqueue("a", scan("during")) // must not block on the in-flight write
	if got := b.Pending("a"); got != 1 {
		t.Errorf("Pending during flush = %d, want 1", got)
	}
	close(w.release)

	if err := <-done; err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := b.Pending("a"); got != 1 {
		t.Errorf("Pending after flush = %d, want 1", got)
	}
	if n := w.calls[0][0].CountDelta; n != 1 {
		t.Errorf("flushed delta = %d, want 1", n)
	}
}
