// Package testutil provides shared test helpers and mocks.
package testutil

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/afreidah/qr-landing/internal/cache"
	"github.com/afreidah/qr-landing/internal/storage"
)

// -------------------------------------------------------------------------
// RECORD STORE
// -------------------------------------------------------------------------

// MockStore is a configurable RecordStore for unit testing. Records are served
// from the Records map; the error fields override that. Call tracking fields
// allow assertions on what the caller invoked.
type MockStore struct {
	Mu sync.Mutex

	// --- Configurable responses ---
	Records     map[string]storage.LandingRecord
	ScanCounts  map[string]int64
	FindErr     error
	FindManyErr error
	BulkErr     error
	ScanErr     error
	FindDelay   time.Duration // simulated query latency, honors ctx

	// --- Call tracking ---
	FindCalls     int
	FindManyCalls [][]string
	BulkCalls     [][]storage.ScanStatsUpdate
}

// Compile-time check.
var _ storage.RecordStore = (*MockStore)(nil)

// NewMockStore returns a store seeded with records.
func NewMockStore(records ...storage.LandingRecord) *MockStore {
	m := &MockStore{
		Records:    make(map[string]storage.LandingRecord, len(records)),
		ScanCounts: make(map[string]int64),
	}
	for _, r := range records {
		m.Records[r.ID] = r
	}
	return m
}

// Put adds or replaces a record.
func (m *MockStore) Put(rec storage.LandingRecord) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Records[rec.ID] = rec
}

// SetFindErr changes the error returned by FindLandingRecord.
func (m *MockStore) SetFindErr(err error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.FindErr = err
}

// FindLandingRecord returns the seeded record, FindErr, or ErrRecordNotFound.
func (m *MockStore) FindLandingRecord(ctx context.Context, id string) (*storage.LandingRecord, error) {
	m.Mu.Lock()
	m.FindCalls++
	delay := m.FindDelay
	m.Mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.FindErr != nil {
		return nil, m.FindErr
	}
	rec, ok := m.Records[id]
	if !ok {
		return nil, storage.ErrRecordNotFound
	}
	return &rec, nil
}

// FindLandingRecords returns every seeded record among ids.
func (m *MockStore) FindLandingRecords(_ context.Context, ids []string) ([]storage.LandingRecord, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.FindManyCalls = append(m.FindManyCalls, slices.Clone(ids))
	if m.FindManyErr != nil {
		return nil, m.FindManyErr
	}
	out := make([]storage.LandingRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := m.Records[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// BulkIncrementScanStats records the call and applies the deltas to ScanCounts.
func (m *MockStore) BulkIncrementScanStats(_ context.Context, updates []storage.ScanStatsUpdate) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.BulkCalls = append(m.BulkCalls, slices.Clone(updates))
	if m.BulkErr != nil {
		return m.BulkErr
	}
	for _, u := range updates {
		m.ScanCounts[u.ID] += u.CountDelta
	}
	return nil
}

// ScanCount returns the applied count for a seeded id.
func (m *MockStore) ScanCount(_ context.Context, id string) (int64, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.ScanErr != nil {
		return 0, m.ScanErr
	}
	if _, ok := m.Records[id]; !ok {
		return 0, storage.ErrRecordNotFound
	}
	return m.ScanCounts[id], nil
}

// FindCount returns the number of FindLandingRecord calls so far.
func (m *MockStore) FindCount() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.FindCalls
}

// BulkCount returns the number of BulkIncrementScanStats calls so far.
func (m *MockStore) BulkCount() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return len(m.BulkCalls)
}

// -------------------------------------------------------------------------
// SHARED CACHE
// -------------------------------------------------------------------------

// MockShared is an in-memory SharedCache with call tracking. Setting Down makes
// every call behave like an unreachable Redis.
type MockShared struct {
	Mu      sync.Mutex
	Entries map[string]*cache.Payload
	TTLs    map[string]time.Duration
	Down    bool

	GetCalls    int
	SetCalls    int
	DeleteCalls int
}

// Compile-time check.
var _ cache.SharedCache = (*MockShared)(nil)

// NewMockShared returns an empty shared cache.
func NewMockShared() *MockShared {
	return &MockShared{
		Entries: make(map[string]*cache.Payload),
		TTLs:    make(map[string]time.Duration),
	}
}

// Get returns the stored payload unless Down.
func (m *MockShared) Get(_ context.Context, id string) (*cache.Payload, bool) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.GetCalls++
	if m.Down {
		return nil, false
	}
	p, ok := m.Entries[id]
	return p, ok
}

// Set stores p unless Down.
func (m *MockShared) Set(_ context.Context, id string, p *cache.Payload, ttl time.Duration) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.SetCalls++
	if m.Down {
		return
	}
	m.Entries[id] = p
	m.TTLs[id] = ttl
}

// Delete removes id unless Down.
func (m *MockShared) Delete(_ context.Context, id string) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.DeleteCalls++
	if m.Down {
		return
	}
	delete(m.Entries, id)
}

// Close is a no-op.
func (m *MockShared) Close() error { return nil }

// Has reports whether id is stored.
func (m *MockShared) Has(id string) bool {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	_, ok := m.Entries[id]
	return ok
}

// Counts returns the Get, Set, and Delete call counts.
func (m *MockShared) Counts() (gets, sets, deletes int) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.GetCalls, m.SetCalls, m.DeleteCalls
}
