// -------------------------------------------------------------------------------
// AccessTracker - Approximate Top-K of Requested Ids
//
// Author: Alex Freidah
//
// Counts lookups per id since the last reset and keeps at most K ids. When a
// new id pushes the map past K, ids are ranked by count (ties go to the most
// recently incremented) and only the top K survive with their counts intact.
// The ranking feeds the prewarmer.
// -------------------------------------------------------------------------------

package cache

import (
	"sort"
	"sync"

	"github.com/afreidah/qr-landing/internal/telemetry"
)

type accessCounter struct {
	count     uint64
	lastTouch uint64 // sequence number of the most recent increment
}

// AccessTracker is a bounded, mutex-guarded access counter.
type AccessTracker struct {
	mu     sync.Mutex
	k      int
	counts map[string]*accessCounter
	seq    uint64
}

// NewAccessTracker creates a tracker that retains at most k ids.
func NewAccessTracker(k int) *AccessTracker {
	if k < 1 {
		k = 1
	}
	return &AccessTracker{
		k:      k,
		counts: make(map[string]*accessCounter, k+1),
	}
}

// RecordAccess increments the counter for id.
func (t *AccessTracker) RecordAccess(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	c, ok := t.counts[id]
	if !ok {
		c = &accessCounter{}
		t.counts[id] = c
	}
	c.count++
	c.lastTouch = t.seq

	if len(t.counts) > t.k {
		t.truncate()
	}
	telemetry.TrackedIDs.Set(float64(len(t.counts)))
}

// TopK returns up to K ids ordered by count descending, ties broken by most
// recent increment.
func (t *AccessTracker) TopK() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ranked := t.ranked()
	if len(ranked) > t.k {
		ranked = ranked[:t.k]
	}
	return ranked
}

// Count returns the current counter for id.
func (t *AccessTracker) Count(id string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.counts[id]; ok {
		return c.count
	}
	return 0
}

// Reset discards every counter.
func (t *AccessTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts = make(map[string]*accessCounter, t.k+1)
	telemetry.TrackedIDs.Set(0)
}

// Len returns the number of tracked ids.
func (t *AccessTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts)
}

// truncate drops every id ranked below K. Caller must hold t.mu.
func (t *AccessTracker) truncate() {
	ranked := t.ranked()
	for _, id := range ranked[t.k:] {
		delete(t.counts, id)
	}
}

// ranked returns every tracked id in rank order. Caller must hold t.mu.
func (t *AccessTracker) ranked() []string {
	ids := make([]string, 0, len(t.counts))
	for id := range t.counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := t.counts[ids[i]], t.counts[ids[j]]
		if a.count != b.count {
			return a.count > b.count
		}
		return a.lastTouch > b.lastTouch
	})
	return ids
}
