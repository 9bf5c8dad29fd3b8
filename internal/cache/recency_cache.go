// -------------------------------------------------------------------------------
// RecencyCache - Capacity-Bounded In-Process LRU
//
// Author: Alex Freidah
//
// Holds time-stamped values keyed by QR code id. Every Get and Set marks the
// id most-recently-used; inserting into a full cache evicts the least-recently
// used id. Entries carry the time they were cached so callers can apply a
// freshness window. Staleness never evicts: a stale entry stays until it is
// overwritten, pushed out by capacity pressure, deleted, or cleared.
// -------------------------------------------------------------------------------

package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/afreidah/qr-landing/internal/telemetry"
)

// Entry is a cached value and the time it was stored.
type Entry[V any] struct {
	Value    V
	CachedAt time.Time
}

// FreshAt reports whether the entry is younger than window at time now.
func (e Entry[V]) FreshAt(now time.Time, window time.Duration) bool {
	return now.Sub(e.CachedAt) < window
}

// RecencyStats is a snapshot of cache counters.
type RecencyStats struct {
	Entries   int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

type recencyItem[V any] struct {
	id    string
	entry Entry[V]
}

// RecencyCache is a mutex-guarded LRU. The list front is the most recently
// used id.
type RecencyCache[V any] struct {
	mu        sync.Mutex
	capacity  int
	order     *list.List
	items     map[string]*list.Element
	now       func() time.Time
	hits      uint64
	misses    uint64
	evictions uint64
}

// NewRecencyCache creates a cache holding at most capacity ids. A nil clock
// defaults to time.Now.
func NewRecencyCache[V any](capacity int, now func() time.Time) *RecencyCache[V] {
	if capacity < 1 {
		capacity = 1
	}
	if now == nil {
		now = time.Now
	}
	return &RecencyCache[V]{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
		now:      now,
	}
}

// Get returns the entry for id and marks it most recently used.
func (c *RecencyCache[V]) Get(id string) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[id]
	if !ok {
		c.misses++
		var zero Entry[V]
		return zero, false
	}
	c.hits++
	c.order.MoveToFront(el)
	return el.Value.(*recencyItem[V]).entry, true
}

// Set stores value under id stamped with the current time and marks it most
// recently used, evicting the least recently used id when full.
func (c *RecencyCache[V]) Set(id string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := Entry[V]{Value: value, CachedAt: c.now()}

	if el, ok := c.items[id]; ok {
		el.Value.(*recencyItem[V]).entry = entry
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*recencyItem[V]).id)
		c.evictions++
		telemetry.RecentCacheEvictionsTotal.Inc()
	}

	c.items[id] = c.order.PushFront(&recencyItem[V]{id: id, entry: entry})
	telemetry.RecentCacheEntries.Set(float64(c.order.Len()))
}

// Delete removes id. Returns true if it was present.
func (c *RecencyCache[V]) Delete(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[id]
	if !ok {
		return false
	}
	c.order.Remove(el)
	delete(c.items, id)
	telemetry.RecentCacheEntries.Set(float64(c.order.Len()))
	return true
}

// Clear removes every entry.
func (c *RecencyCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.items = make(map[string]*list.Element, c.capacity)
	telemetry.RecentCacheResetsTotal.Inc()
	telemetry.RecentCacheEntries.Set(0)
}

// Len returns the number of cached ids.
func (c *RecencyCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Keys returns the cached ids from most to least recently used.
func (c *RecencyCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*recencyItem[V]).id)
	}
	return keys
}

// Stats returns a snapshot of the cache counters.
func (c *RecencyCache[V]) Stats() RecencyStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return RecencyStats{
		Entries:   c.order.Len(),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
