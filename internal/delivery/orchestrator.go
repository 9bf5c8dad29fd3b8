// -------------------------------------------------------------------------------
// Orchestrator - Tiered Landing Page Lookup
//
// Author: Alex Freidah
//
// Answers a landing page lookup from the fastest tier that holds a fresh copy:
// the in-process recency cache, then the shared Redis cache, then the store of
// record. Store loads populate the recency cache synchronously and the shared
// cache from a detached goroutine so the response never waits on Redis.
// Concurrent misses for one id share a single store query.
//
// Every successful lookup feeds the access tracker (prewarm ranking) and the
// scan batcher (deferred analytics writes).
// -------------------------------------------------------------------------------

package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/afreidah/qr-landing/internal/cache"
	"github.com/afreidah/qr-landing/internal/storage"
	"github.com/afreidah/qr-landing/internal/telemetry"
)

// -------------------------------------------------------------------------
// RESULT TYPES
// -------------------------------------------------------------------------

// Outcome classifies a lookup.
type Outcome int

const (
	OutcomeFound Outcome = iota
	OutcomeNotFound
	OutcomeOwnerInactive
)

// String returns the metric label for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeFound:
		return "found"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeOwnerInactive:
		return "owner_inactive"
	default:
		return "unknown"
	}
}

// Tier names the layer that satisfied a lookup.
type Tier string

const (
	TierRecent Tier = "recent"
	TierShared Tier = "shared"
	TierStore  Tier = "store"
)

// RequestContext carries the request details a lookup needs.
type RequestContext struct {
	UserAgent     string
	SourceAddress string
	IfNoneMatch   string
}

// Result is the outcome of a lookup plus the response metadata derived from it.
type Result struct {
	Outcome     Outcome
	Payload     *cache.Payload
	Tier        Tier
	MaxAge      time.Duration
	ETag        string
	NotModified bool
}

// ScanStats is the persisted plus pending scan count for one id.
type ScanStats struct {
	ID        string `json:"id"`
	Persisted int64  `json:"persisted"`
	Pending   int64  `json:"pending"`
	Total     int64  `json:"total"`
}

// -------------------------------------------------------------------------
// ORCHESTRATOR
// -------------------------------------------------------------------------

// Options tunes lookup behavior.
type Options struct {
	FreshnessWindow time.Duration    // recency cache entries older than this are re-fetched
	SharedTTL       time.Duration    // expiry applied to shared cache writes
	StoreTimeout    time.Duration    // bound on one store query
	Now             func() time.Time // defaults to time.Now
}

// Orchestrator coordinates the cache tiers, the store, and scan recording.
type Orchestrator struct {
	recent  *cache.RecencyCache[*cache.Payload]
	tracker *cache.AccessTracker
	shared  cache.SharedCache
	store   storage.RecordStore
	scans   *ScanBatcher

	window       time.Duration
	sharedTTL    time.Duration
	storeTimeout time.Duration
	now          func() time.Time

	loads singleflight.Group

	genMu sync.Mutex
	gens  map[string]uint64 // bumped by Invalidate; fills from an older generation are discarded

	popMu      sync.Mutex
	popClosed  bool
	populating sync.WaitGroup
}

// NewOrchestrator wires the tiers together.
func NewOrchestrator(
	recent *cache.RecencyCache[*cache.Payload],
	tracker *cache.AccessTracker,
	shared cache.SharedCache,
	store storage.RecordStore,
	scans *ScanBatcher,
	opts Options,
) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SharedTTL <= 0 {
		opts.SharedTTL = opts.FreshnessWindow
	}
	return &Orchestrator{
		recent:       recent,
		tracker:      tracker,
		shared:       shared,
		store:        store,
		scans:        scans,
		window:       opts.FreshnessWindow,
		sharedTTL:    opts.SharedTTL,
		storeTimeout: opts.StoreTimeout,
		now:          opts.Now,
		gens:         make(map[string]uint64),
	}
}

// Lookup resolves id to a landing payload. Only store failures are returned as
// errors; cache tier failures degrade to misses.
func (o *Orchestrator) Lookup(ctx context.Context, id string, rc RequestContext) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "Orchestrator.Lookup", telemetry.AttrQRCodeID.String(id))
	defer span.End()
	start := time.Now()

	p, tier, err := o.resolve(ctx, id)
	if err != nil {
		span.RecordError(err)
		telemetry.LookupErrorsTotal.Inc()
		telemetry.LookupsTotal.WithLabelValues(string(TierStore), "error").Inc()
		return Result{}, err
	}

	res := Result{Tier: tier, MaxAge: o.window}
	switch {
	case p == nil:
		res.Outcome = OutcomeNotFound
	case !p.Record.OwnerActive:
		res.Outcome = OutcomeOwnerInactive
	default:
		res.Outcome = OutcomeFound
		res.Payload = p
		res.ETag = p.ETag
		res.NotModified = ETagMatches(rc.IfNoneMatch, p.ETag)
		o.recordAccess(id, rc)
	}

	span.SetAttributes(
		telemetry.AttrCacheTier.String(string(tier)),
		telemetry.AttrOutcome.String(res.Outcome.String()),
	)
	telemetry.LookupsTotal.WithLabelValues(string(tier), res.Outcome.String()).Inc()
	telemetry.LookupDuration.WithLabelValues(string(tier)).Observe(time.Since(start).Seconds())
	return res, nil
}

// resolve walks the tiers. A nil payload with a nil error means the id does
// not exist.
func (o *Orchestrator) resolve(ctx context.Context, id string) (*cache.Payload, Tier, error) {
	if e, ok := o.recent.Get(id); ok && e.FreshAt(o.now(), o.window) {
		return e.Value, TierRecent, nil
	}

	gen := o.generation(id)
	if p, ok := o.shared.Get(ctx, id); ok {
		o.setRecent(id, p, gen)
		return p, TierShared, nil
	}

	p, err := o.load(ctx, id)
	return p, TierStore, err
}

// load queries the store once per id no matter how many callers miss at the
// same time, and populates both cache tiers on success.
func (o *Orchestrator) load(ctx context.Context, id string) (*cache.Payload, error) {
	v, err, _ := o.loads.Do(id, func() (any, error) {
		gen := o.generation(id)

		// Shared by every waiter, so it must not die with the first caller.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.storeTimeout)
		defer cancel()

		rec, err := o.store.FindLandingRecord(sctx, id)
		if errors.Is(err, storage.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load landing record %s: %w", id, err)
		}

		p, err := cache.NewPayload(rec)
		if err != nil {
			return nil, err
		}
		o.populate(id, p, gen)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	p, _ := v.(*cache.Payload)
	return p, nil
}

// populate stores p in the recency cache now and in the shared cache in the
// background. Both writes are dropped once id has been invalidated past gen.
func (o *Orchestrator) populate(id string, p *cache.Payload, gen uint64) {
	if !o.setRecent(id, p, gen) {
		return
	}

	o.popMu.Lock()
	if o.popClosed {
		o.popMu.Unlock()
		return
	}
	o.populating.Add(1)
	o.popMu.Unlock()

	go func() {
		defer o.populating.Done()
		o.setShared(context.Background(), id, p, gen)
	}()
}

// -------------------------------------------------------------------------
// INVALIDATION GENERATIONS
// -------------------------------------------------------------------------

// generation returns the current invalidation generation for id. Callers
// capture it before reading a tier or the store.
func (o *Orchestrator) generation(id string) uint64 {
	o.genMu.Lock()
	defer o.genMu.Unlock()
	return o.gens[id]
}

// setRecent writes p to the recency cache unless id was invalidated after gen
// was captured. The check and the write hold genMu, so a write either lands
// before Invalidate's bump and is deleted by it, or not at all.
func (o *Orchestrator) setRecent(id string, p *cache.Payload, gen uint64) bool {
	o.genMu.Lock()
	defer o.genMu.Unlock()
	if o.gens[id] != gen {
		telemetry.StaleFillsDiscardedTotal.WithLabelValues(string(TierRecent)).Inc()
		return false
	}
	o.recent.Set(id, p)
	return true
}

// setShared writes p to the shared cache, then re-checks the generation. A
// write that raced an invalidation is deleted again.
func (o *Orchestrator) setShared(ctx context.Context, id string, p *cache.Payload, gen uint64) {
	if o.generation(id) != gen {
		telemetry.StaleFillsDiscardedTotal.WithLabelValues(string(TierShared)).Inc()
		return
	}
	o.shared.Set(ctx, id, p, o.sharedTTL)
	if o.generation(id) != gen {
		telemetry.StaleFillsDiscardedTotal.WithLabelValues(string(TierShared)).Inc()
		o.shared.Delete(ctx, id)
	}
}

func (o *Orchestrator) recordAccess(id string, rc RequestContext) {
	o.tracker.RecordAccess(id)
	o.scans.Enqueue(id, storage.ScanEvent{
		Timestamp:     o.now().UTC(),
		UserAgent:     rc.UserAgent,
		SourceAddress: rc.SourceAddress,
	})
}

// Invalidate removes id from both cache tiers so the next lookup reloads it.
// Fills already in flight for id are discarded instead of landing afterwards.
func (o *Orchestrator) Invalidate(ctx context.Context, id string) {
	o.genMu.Lock()
	o.gens[id]++
	o.genMu.Unlock()

	o.loads.Forget(id)
	o.recent.Delete(id)
	o.shared.Delete(ctx, id)
}

// ClearRecent empties the in-process cache.
func (o *Orchestrator) ClearRecent() {
	o.recent.Clear()
}

// ScanStats returns the persisted scan count for id plus scans still waiting
// for the next flush.
func (o *Orchestrator) ScanStats(ctx context.Context, id string) (ScanStats, error) {
	sctx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	defer cancel()

	persisted, err := o.store.ScanCount(sctx, id)
	if err != nil {
		return ScanStats{}, fmt.Errorf("failed to read scan count for %s: %w", id, err)
	}
	pending := o.scans.Pending(id)
	return ScanStats{
		ID:        id,
		Persisted: persisted,
		Pending:   pending,
		Total:     persisted + pending,
	}, nil
}

// Close waits for detached shared cache writes to finish. Lookups after Close
// still work but no longer write to the shared cache.
func (o *Orchestrator) Close() {
	o.popMu.Lock()
	o.popClosed = true
	o.popMu.Unlock()
	o.populating.Wait()
}

// -------------------------------------------------------------------------
// CONDITIONAL REQUESTS
// -------------------------------------------------------------------------

// ETagMatches reports whether an If-None-Match header value matches etag.
// Weak validators and the "*" wildcard are accepted.
func ETagMatches(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" || etag == "" {
		return false
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}
