// -------------------------------------------------------------------------------
// Orchestrator Tests
//
// Author: Alex Freidah
//
// Exercises the tiered lookup against a mock store and an in-memory shared
// cache. Call counts on the mocks prove which tier answered each lookup.
// -------------------------------------------------------------------------------

package delivery

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/afreidah/qr-landing/internal/cache"
	"github.com/afreidah/qr-landing/internal/storage"
	"github.com/afreidah/qr-landing/internal/testutil"
)

const testWindow = 15 * time.Minute

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	o      *Orchestrator
	store  *testutil.MockStore
	shared *testutil.MockShared
	scans  *ScanBatcher
	clock  *manualClock
}

func newHarness(t *testing.T, records ...storage.LandingRecord) *harness {
	t.Helper()
	clock := &manualClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := testutil.NewMockStore(records...)
	shared := testutil.NewMockShared()
	scans := NewScanBatcher(store, false)

	o := NewOrchestrator(
		cache.NewRecencyCache[*cache.Payload](100, clock.Now),
		cache.NewAccessTracker(10),
		shared,
		store,
		scans,
		Options{
			FreshnessWindow: testWindow,
			StoreTimeout:    time.Second,
			Now:             clock.Now,
		},
	)
	t.Cleanup(o.Close)
	return &harness{o: o, store: store, shared: shared, scans: scans, clock: clock}
}

// settle waits for detached shared cache writes.
func (h *harness) settle() {
	h.o.populating.Wait()
}

func activeRecord(id string) storage.LandingRecord {
	return storage.LandingRecord{
		ID:          id,
		Name:        "Landing " + id,
		Links:       []storage.Link{{Label: "Menu", URL: "https://example.com/" + id}},
		OwnerActive: true,
	}
}

var browser = RequestContext{UserAgent: "Mozilla/5.0", SourceAddress: "198.51.100.4"}

// -------------------------------------------------------------------------
// TIER SELECTION
// -------------------------------------------------------------------------

func TestLookup_SecondRequestServedFromRecentCache(t *testing.T) {
	h := newHarness(t, activeRecord("abc"))
	ctx := context.Background()

	first, err := h.o.Lookup(ctx, "abc", browser)
	if err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	if first.Outcome != OutcomeFound || first.Tier != TierStore {
		t.Fatalf("first = %s/%s, want found/store", first.Outcome, first.Tier)
	}

	second, err := h.o.Lookup(ctx, "abc", browser)
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if second.Tier != TierRecent {
		t.Errorf("second tier = %s, want recent", second.Tier)
	}
	if h.store.FindCount() != 1 {
		t.Errorf("store calls = %d, want 1", h.store.FindCount())
	}
	if gets, _, _ := h.shared.Counts(); gets != 1 {
		t.Errorf("shared gets = %d, want 1 (second lookup must not reach the shared tier)", gets)
	}
	if string(second.Payload.Body) != string(first.Payload.Body) {
		t.Error("both lookups should return the same body")
	}
}

func TestLookup_StaleRecentFallsThroughToShared(t *testing.T) {
	h := newHarness(t, activeRecord("abc"))
	ctx := context.Background()

	if _, err := h.o.Lookup(ctx, "abc", browser); err != nil {
		t.Fatalf("warm lookup: %v", err)
	}
	h.settle()

	h.clock.Advance(testWindow - time.Millisecond)
	res, _ := h.o.Lookup(ctx, "abc", browser)
	if res.Tier != TierRecent {
		t.Fatalf("tier just inside window = %s, want recent", res.Tier)
	}

	h.clock.Advance(2 * time.Millisecond)
	res, _ = h.o.Lookup(ctx, "abc", browser)
	if res.Tier != TierShared {
		t.Errorf("tier past window = %s, want shared", res.Tier)
	}
	if h.store.FindCount() != 1 {
		t.Errorf("store calls = %d, want 1", h.store.FindCount())
	}
}

func TestLookup_SharedHitPopulatesRecent(t *testing.T) {
	h := newHarness(t)
	rec := activeRecord("shared-only")
	p, err := cache.NewPayload(&rec)
	if err != nil {
		t.Fatalf("NewPayload: %v", err)
	}
	h.shared.Set(context.Background(), "shared-only", p, time.Minute)

	res, err := h.o.Lookup(context.Background(), "shared-only", browser)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if res.Tier != TierShared || res.Outcome != OutcomeFound {
		t.Fatalf("result = %s/%s, want found/shared", res.Outcome, res.Tier)
	}

	res, _ = h.o.Lookup(context.Background(), "shared-only", browser)
	if res.Tier != TierRecent {
		t.Errorf("tier = %s, want recent", res.Tier)
	}
	if h.store.FindCount() != 0 {
		t.Errorf("store calls = %d, want 0", h.store.FindCount())
	}
}

func TestLookup_SharedDownFallsBackToStore(t *testing.T) {
	h := newHarness(t, activeRecord("abc"))
	h.shared.Down = true

	res, err := h.o.Lookup(context.Background(), "abc", browser)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if res.Outcome != OutcomeFound || res.Tier != TierStore {
		t.Errorf("result = %s/%s, want found/store", res.Outcome, res.Tier)
	}
}

func TestLookup_StorePopulatesSharedWithTTL(t *testing.T) {
	h := newHarness(t, activeRecord("abc"))
	if _, err := h.o.Lookup(context.Background(), "abc", browser); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	h.settle()

	if !h.shared.Has("abc") {
		t.Fatal("store load should populate the shared cache")
	}
	h.shared.Mu.Lock()
	ttl := h.shared.TTLs["abc"]
	h.shared.Mu.Unlock()
	if ttl != testWindow {
		t.Errorf("shared TTL = %v, want %v", ttl, testWindow)
	}
}

// -------------------------------------------------------------------------
// OUTCOMES
// -------------------------------------------------------------------------

func TestLookup_OwnerInactiveEveryTime(t *testing.T) {
	rec := activeRecord("off")
	rec.OwnerActive = false
	h := newHarness(t, rec)
	ctx := context.Background()

	for i, wantTier := range []Tier{TierStore, TierRecent, TierRecent} {
		res, err := h.o.Lookup(ctx, "off", browser)
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		if res.Outcome != OutcomeOwnerInactive {
			t.Fatalf("lookup %d outcome = %s, want owner_inactive", i, res.Outcome)
		}
		if res.Tier != wantTier {
			t.Errorf("lookup %d tier = %s, want %s", i, res.Tier, wantTier)
		}
		if res.Payload != nil {
			t.Errorf("lookup %d should not expose the payload", i)
		}
	}
	if h.store.FindCount() != 1 {
		t.Errorf("store calls = %d, want 1 (inactive records are cached)", h.store.FindCount())
	}
	if h.scans.Len() != 0 || h.o.tracker.Len() != 0 {
		t.Error("inactive lookups must not record access")
	}
}

func TestLookup_NotFoundIsNotCached(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := h.o.Lookup(ctx, "ghost", browser)
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		if res.Outcome != OutcomeNotFound {
			t.Fatalf("outcome = %s, want not_found", res.Outcome)
		}
	}
	if h.store.FindCount() != 2 {
		t.Errorf("store calls = %d, want 2", h.store.FindCount())
	}
	if h.scans.Len() != 0 {
		t.Error("not-found lookups must not enqueue scans")
	}
}

func TestLookup_StoreErrorPropagates(t *testing.T) {
	h := newHarness(t, activeRecord("abc"))
	h.store.SetFindErr(storage.ErrDBUnavailable)

	_, err := h.o.Lookup(context.Background(), "abc", browser)
	if !errors.Is(err, storage.ErrDBUnavailable) {
		t.Fatalf("err = %v, want ErrDBUnavailable", err)
	}
	if h.scans.Len() != 0 {
		t.Error("failed lookups must not enqueue scans")
	}
}

func TestLookup_StoreTimeoutBounded(t *testing.T) {
	h := newHarness(t, activeRecord("slow"))
	h.o.storeTimeout = 20 * time.Millisecond
	h.store.FindDelay = time.Second

	start := time.Now()
	_, err := h.o.Lookup(context.Background(), "slow", browser)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("lookup took %v, want about the store timeout", elapsed)
	}
}

func TestLookup_ConcurrentMissesShareOneQuery(t *testing.T) {
	h := newHarness(t, activeRecord("hot"))
	h.store.FindDelay = 100 * time.Millisecond

	const n = 20
	var wg sync.WaitGroup
	results := make([]Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.o.Lookup(context.Background(), "hot", browser)
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil || results[i].Outcome != OutcomeFound {
			t.Fatalf("lookup %d: %v / %s", i, errs[i], results[i].Outcome)
		}
	}
	if h.store.FindCount() != 1 {
		t.Errorf("store calls = %d, want 1", h.store.FindCount())
	}
	if got := h.scans.Pending("hot"); got != n {
		t.Errorf("pending scans = %d, want %d (one per lookup)", got, n)
	}
}

// -------------------------------------------------------------------------
// CONDITIONAL REQUESTS
// -------------------------------------------------------------------------

func TestLookup_NotModifiedStillRecordsAccess(t *testing.T) {
	h := newHarness(t, activeRecord("abc"))
	ctx := context.Background()

	first, _ := h.o.Lookup(ctx, "abc", browser)
	if first.ETag == "" || first.MaxAge != testWindow {
		t.Fatalf("metadata = etag %q max-age %v", first.ETag, first.MaxAge)
	}

	rc := browser
	rc.IfNoneMatch = first.ETag
	res, _ := h.o.Lookup(ctx, "abc", rc)
	if !res.NotModified {
		t.Error("matching If-None-Match should yield not-modified")
	}
	if h.o.tracker.Count("abc") != 2 || h.scans.Pending("abc") != 2 {
		t.Errorf("access count = %d, pending = %d, want 2 and 2",
			h.o.tracker.Count("abc"), h.scans.Pending("abc"))
	}
}

func TestETagMatches(t *testing.T) {
	const etag = `"0123456789abcdef0123456789abcdef"`
	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"empty", "", false},
		{"exact", etag, true},
		{"weak", "W/" + etag, true},
		{"wildcard", "*", true},
		{"list", `"other", ` + etag, true},
		{"other", `"other"`, false},
		{"unquoted", "0123456789abcdef0123456789abcdef", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ETagMatches(tt.header, etag); got != tt.want {
				t.Errorf("ETagMatches(%q) = %v, want %v", tt.header, got, tt.want)
			}
		})
	}
}

// -------------------------------------------------------------------------
// SCANS, INVALIDATION, PREWARM
// -------------------------------------------------------------------------

func TestLookup_ThousandScansOneBulkUpdate(t *testing.T) {
	h := newHarness(t, activeRecord("abc"))
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		if _, err := h.o.Lookup(ctx, "abc", browser); err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
	}
	if err := h.scans.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if h.store.BulkCount() != 1 {
		t.Fatalf("bulk calls = %d, want 1", h.store.BulkCount())
	}
	updates := h.store.BulkCalls[0]
	if len(updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(updates))
	}
	if updates[0].CountDelta != 1000 || len(updates[0].History) != 1000 {
		t.Errorf("delta = %d, history = %d, want 1000 and 1000", updates[0].CountDelta, len(updates[0].History))
	}
	if ev := updates[0].History[0]; ev.UserAgent != browser.UserAgent || ev.SourceAddress != browser.SourceAddress {
		t.Errorf("event = %+v", ev)
	}
}

func TestInvalidate_RemovesBothTiers(t *testing.T) {
	h := newHarness(t, activeRecord("abc"))
	ctx := context.Background()

	if _, err := h.o.Lookup(ctx, "abc", browser); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	h.settle()

	h.o.Invalidate(ctx, "abc")
	if h.shared.Has("abc") {
		t.Error("shared entry should be deleted")
	}

	updated := activeRecord("abc")
	updated.Name = "Renamed"
	h.store.Put(updated)

	res, _ := h.o.Lookup(ctx, "abc", browser)
	if res.Tier != TierStore || res.Payload.Record.Name != "Renamed" {
		t.Errorf("after invalidate: tier %s name %q, want store/Renamed", res.Tier, res.Payload.Record.Name)
	}
}

func TestPrewarm_LoadsTopKInOneQuery(t *testing.T) {
	h := newHarness(t, activeRecord("a"), activeRecord("b"))
	ctx := context.Background()

	for _, id := range []string{"a", "a", "b"} {
		if _, err := h.o.Lookup(ctx, id, browser); err != nil {
			t.Fatalf("lookup: %v", err)
		}
	}
	h.o.tracker.RecordAccess("deleted-since")
	h.settle()
	h.o.ClearRecent()

	n, err := h.o.Prewarm(ctx)
	if err != nil {
		t.Fatalf("Prewarm: %v", err)
	}
	if n != 2 {
		t.Errorf("warmed = %d, want 2 (missing ids skipped)", n)
	}
	if len(h.store.FindManyCalls) != 1 {
		t.Fatalf("batch queries = %d, want 1", len(h.store.FindManyCalls))
	}
	if got := h.store.FindManyCalls[0]; !slices.Equal(got, []string{"a", "deleted-since", "b"}) {
		t.Errorf("queried ids = %v, want top-K order", got)
	}

	before := h.store.FindCount()
	res, _ := h.o.Lookup(ctx, "b", browser)
	if res.Tier != TierRecent {
		t.Errorf("prewarmed id tier = %s, want recent", res.Tier)
	}
	if h.store.FindCount() != before {
		t.Error("prewarmed lookup should not hit the store")
	}
}

func TestPrewarm_EmptyTrackerNoQuery(t *testing.T) {
	h := newHarness(t)
	n, err := h.o.Prewarm(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("Prewarm = %d, %v, want 0, nil", n, err)
	}
	if len(h.store.FindManyCalls) != 0 {
		t.Error("empty tracker must not query the store")
	}
}

func TestPrewarm_StoreErrorReturned(t *testing.T) {
	h := newHarness(t)
	h.o.tracker.RecordAccess("a")
	h.store.FindManyErr = errors.New("too many connections")

	if _, err := h.o.Prewarm(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestScanStats_PersistedPlusPending(t *testing.T) {
	h := newHarness(t, activeRecord("abc"))
	ctx := context.Background()
	h.store.ScanCounts["abc"] = 40

	for i := 0; i < 2; i++ {
		if _, err := h.o.Lookup(ctx, "abc", browser); err != nil {
			t.Fatalf("lookup: %v", err)
		}
	}

	st, err := h.o.ScanStats(ctx, "abc")
	if err != nil {
		t.Fatalf("ScanStats: %v", err)
	}
	if st.Persisted != 40 || st.Pending != 2 || st.Total != 42 {
		t.Errorf("stats = %+v, want 40 + 2 = 42", st)
	}

	if _, err := h.o.ScanStats(ctx, "ghost"); !errors.Is(err, storage.ErrRecordNotFound) {
		t.Errorf("unknown id err = %v, want ErrRecordNotFound", err)
	}
}

func TestClose_StopsSharedWrites(t *testing.T) {
	h := newHarness(t, activeRecord("abc"))
	h.o.Close()

	if _, err := h.o.Lookup(context.Background(), "abc", browser); err != nil {
		t.Fatalf("lookup after Close: %v", err)
	}
	if _, sets, _ := h.shared.Counts(); sets != 0 {
		t.Errorf("shared sets after Close = %d, want 0", sets)
	}
}

// -------------------------------------------------------------------------
// INVALIDATION AGAINST IN-FLIGHT FILLS
// -------------------------------------------------------------------------

func newOrchestrator(t *testing.T, store storage.RecordStore, shared cache.SharedCache) *Orchestrator {
	t.Helper()
	clock := &manualClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	o := NewOrchestrator(
		cache.NewRecencyCache[*cache.Payload](100, clock.Now),
		cache.NewAccessTracker(10),
		shared,
		store,
		NewScanBatcher(testutil.NewMockStore(), false),
		Options{FreshnessWindow: testWindow, StoreTimeout: time.Second, Now: clock.Now},
	)
	t.Cleanup(o.Close)
	return o
}

// slowShared delays every Set so detached writes land after later calls.
type slowShared struct {
	*testutil.MockShared
	delay time.Duration
}

func (s *slowShared) Set(ctx context.Context, id string, p *cache.Payload, ttl time.Duration) {
	time.Sleep(s.delay)
	s.MockShared.Set(ctx, id, p, ttl)
}

// readThenBlockStore reads the row on the first lookup, then waits for
// release before returning it.
type readThenBlockStore struct {
	*testutil.MockStore
	read    chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *readThenBlockStore) FindLandingRecord(ctx context.Context, id string) (*storage.LandingRecord, error) {
	rec, err := s.MockStore.FindLandingRecord(ctx, id)
	first := false
	s.once.Do(func() { first = true })
	if first {
		s.read <- struct{}{}
		<-s.release
	}
	return rec, err
}

// blockingBatchStore holds the prewarm batch read until release.
type blockingBatchStore struct {
	*testutil.MockStore
	read    chan struct{}
	release chan struct{}
}

func (s *blockingBatchStore) FindLandingRecords(ctx context.Context, ids []string) ([]storage.LandingRecord, error) {
	recs, err := s.MockStore.FindLandingRecords(ctx, ids)
	s.read <- struct{}{}
	<-s.release
	return recs, err
}

func TestInvalidate_PendingSharedWriteDoesNotResurrect(t *testing.T) {
	store := testutil.NewMockStore(activeRecord("abc"))
	shared := &slowShared{MockShared: testutil.NewMockShared(), delay: 50 * time.Millisecond}
	o := newOrchestrator(t, store, shared)
	ctx := context.Background()

	if _, err := o.Lookup(ctx, "abc", browser); err != nil {
		t.Fatalf("lookup: %v", err)
	}

	updated := activeRecord("abc")
	updated.Name = "Renamed"
	store.Put(updated)
	o.Invalidate(ctx, "abc")

	res, err := o.Lookup(ctx, "abc", browser)
	if err != nil {
		t.Fatalf("lookup after invalidate: %v", err)
	}
	if res.Payload.Record.Name != "Renamed" {
		t.Fatalf("tier %s name %q, want Renamed", res.Tier, res.Payload.Record.Name)
	}

	o.populating.Wait()
	o.recent.Clear()

	res, err = o.Lookup(ctx, "abc", browser)
	if err != nil {
		t.Fatalf("lookup after settle: %v", err)
	}
	if res.Payload.Record.Name != "Renamed" {
		t.Errorf("tier %s name %q, want Renamed once detached writes finish", res.Tier, res.Payload.Record.Name)
	}
}

func TestInvalidate_DuringStoreLoadDiscardsFill(t *testing.T) {
	store := &readThenBlockStore{
		MockStore: testutil.NewMockStore(activeRecord("abc")),
		read:      make(chan struct{}),
		release:   make(chan struct{}),
	}
	shared := testutil.NewMockShared()
	o := newOrchestrator(t, store, shared)
	ctx := context.Background()

	done := make(chan Result, 1)
	go func() {
		res, _ := o.Lookup(ctx, "abc", browser)
		done <- res
	}()

	<-store.read
	updated := activeRecord("abc")
	updated.Name = "Renamed"
	store.Put(updated)
	o.Invalidate(ctx, "abc")
	close(store.release)

	if first := <-done; first.Outcome != OutcomeFound {
		t.Fatalf("in-flight lookup outcome = %s, want found", first.Outcome)
	}
	o.populating.Wait()

	if _, ok := o.recent.Get("abc"); ok {
		t.Error("recency cache should not hold the pre-invalidation record")
	}
	if shared.Has("abc") {
		t.Error("shared cache should not hold the pre-invalidation record")
	}

	res, err := o.Lookup(ctx, "abc", browser)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if res.Tier != TierStore || res.Payload.Record.Name != "Renamed" {
		t.Errorf("tier %s name %q, want store/Renamed", res.Tier, res.Payload.Record.Name)
	}
}

func TestPrewarm_InvalidateDuringBatchSkipsID(t *testing.T) {
	store := &blockingBatchStore{
		MockStore: testutil.NewMockStore(activeRecord("a"), activeRecord("b")),
		read:      make(chan struct{}),
		release:   make(chan struct{}),
	}
	shared := testutil.NewMockShared()
	o := newOrchestrator(t, store, shared)
	ctx := context.Background()
	o.tracker.RecordAccess("a")
	o.tracker.RecordAccess("b")

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := o.Prewarm(ctx)
		done <- result{n, err}
	}()

	<-store.read
	o.Invalidate(ctx, "a")
	close(store.release)

	r := <-done
	if r.err != nil {
		t.Fatalf("Prewarm: %v", r.err)
	}
	if r.n != 1 {
		t.Errorf("warmed = %d, want 1", r.n)
	}
	if _, ok := o.recent.Get("a"); ok {
		t.Error("invalidated id should not be prewarmed into the recency cache")
	}
	if shared.Has("a") {
		t.Error("invalidated id should not be prewarmed into the shared cache")
	}
	if !shared.Has("b") {
		t.Error("untouched id should still be prewarmed")
	}
}
