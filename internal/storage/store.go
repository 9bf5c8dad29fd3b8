// -------------------------------------------------------------------------------
// Store - PostgreSQL Store of Record
//
// Author: Alex Freidah
//
// pgx-backed store for landing records and scan statistics. Reads join the
// owning account's active flag inline so a single query answers a lookup. Scan
// statistics are applied as one UPDATE ... FROM unnest(...) statement per flush
// regardless of how many ids it touches. Schema is managed by embedded goose
// migrations and queries are traced through otelpgx.
// -------------------------------------------------------------------------------

package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/afreidah/qr-landing/internal/config"
	"github.com/afreidah/qr-landing/internal/telemetry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RecordStore is the store-of-record contract consumed by the delivery layer.
type RecordStore interface {
	FindLandingRecord(ctx context.Context, id string) (*LandingRecord, error)
	FindLandingRecords(ctx context.Context, ids []string) ([]LandingRecord, error)
	BulkIncrementScanStats(ctx context.Context, updates []ScanStatsUpdate) error
	ScanCount(ctx context.Context, id string) (int64, error)
}

// Store implements RecordStore on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Compile-time check.
var _ RecordStore = (*Store)(nil)

// NewStore opens a connection pool and verifies connectivity.
func NewStore(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunMigrations applies any pending embedded schema migrations.
func (s *Store) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	db := stdlib.OpenDBFromPool(s.pool)
	defer func() { _ = db.Close() }()

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// READS
// -------------------------------------------------------------------------

const selectLanding = `
SELECT lp.qr_code_id, lp.payload, o.active
FROM landing_pages lp
JOIN owners o ON o.id = lp.owner_id`

// FindLandingRecord loads one landing record with its owner's active flag.
// Returns ErrRecordNotFound when the id does not exist.
func (s *Store) FindLandingRecord(ctx context.Context, id string) (*LandingRecord, error) {
	start := time.Now()

	var (
		qrID    string
		payload []byte
		active  bool
	)
	err := s.pool.QueryRow(ctx, selectLanding+` WHERE lp.qr_code_id = $1`, id).Scan(&qrID, &payload, &active)
	if errors.Is(err, pgx.ErrNoRows) {
		recordStoreOp("find_record", start, ErrRecordNotFound)
		return nil, ErrRecordNotFound
	}
	if err != nil {
		recordStoreOp("find_record", start, err)
		return nil, fmt.Errorf("failed to query landing record %s: %w", id, err)
	}

	rec, err := decodeRecord(qrID, payload, active)
	recordStoreOp("find_record", start, err)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// FindLandingRecords loads every existing record among ids in one query.
// Missing ids are absent from the result.
func (s *Store) FindLandingRecords(ctx context.Context, ids []string) ([]LandingRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	start := time.Now()

	rows, err := s.pool.Query(ctx, selectLanding+` WHERE lp.qr_code_id = ANY($1)`, ids)
	if err != nil {
		recordStoreOp("find_records", start, err)
		return nil, fmt.Errorf("failed to query landing records: %w", err)
	}
	defer rows.Close()

	records := make([]LandingRecord, 0, len(ids))
	for rows.Next() {
		var (
			qrID    string
			payload []byte
			active  bool
		)
		if err := rows.Scan(&qrID, &payload, &active); err != nil {
			recordStoreOp("find_records", start, err)
			return nil, fmt.Errorf("failed to scan landing record: %w", err)
		}
		rec, err := decodeRecord(qrID, payload, active)
		if err != nil {
			recordStoreOp("find_records", start, err)
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		recordStoreOp("find_records", start, err)
		return nil, fmt.Errorf("failed to iterate landing records: %w", err)
	}

	recordStoreOp("find_records", start, nil)
	return records, nil
}

// ScanCount returns the persisted scan count for one id.
func (s *Store) ScanCount(ctx context.Context, id string) (int64, error) {
	start := time.Now()

	var count int64
	err := s.pool.QueryRow(ctx, `SELECT scan_count FROM landing_pages WHERE qr_code_id = $1`, id).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		recordStoreOp("scan_count", start, ErrRecordNotFound)
		return 0, ErrRecordNotFound
	}
	recordStoreOp("scan_count", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to query scan count for %s: %w", id, err)
	}
	return count, nil
}

// -------------------------------------------------------------------------
// WRITES
// -------------------------------------------------------------------------

const bulkIncrementScans = `
UPDATE landing_pages AS lp
SET scan_count = lp.scan_count + u.delta,
    scan_history = lp.scan_history || u.history::jsonb
FROM unnest($1::text[], $2::bigint[], $3::text[]) AS u(id, delta, history)
WHERE lp.qr_code_id = u.id`

// BulkIncrementScanStats applies every update in a single statement. Updates
// for ids that no longer exist are ignored.
func (s *Store) BulkIncrementScanStats(ctx context.Context, updates []ScanStatsUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	start := time.Now()

	ids := make([]string, len(updates))
	deltas := make([]int64, len(updates))
	histories := make([]string, len(updates))
	for i, u := range updates {
		history := u.History
		if history == nil {
			history = []ScanEvent{}
		}
		encoded, err := json.Marshal(history)
		if err != nil {
			return fmt.Errorf("failed to encode scan history for %s: %w", u.ID, err)
		}
		ids[i] = u.ID
		deltas[i] = u.CountDelta
		histories[i] = string(encoded)
	}

	_, err := s.pool.Exec(ctx, bulkIncrementScans, ids, deltas, histories)
	recordStoreOp("bulk_increment_scans", start, err)
	if err != nil {
		return fmt.Errorf("failed to apply scan stats for %d ids: %w", len(updates), err)
	}
	return nil
}

// -------------------------------------------------------------------------
// HELPERS
// -------------------------------------------------------------------------

// decodeRecord builds a LandingRecord from the stored JSONB payload. The
// primary key and owner flag from the row take precedence over the payload.
func decodeRecord(id string, payload []byte, active bool) (*LandingRecord, error) {
	var rec LandingRecord
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode payload for %s: %w", id, err)
		}
	}
	rec.ID = id
	rec.OwnerActive = active
	if rec.Links == nil {
		rec.Links = []Link{}
	}
	return &rec, nil
}

// recordStoreOp updates store request metrics for one operation.
func recordStoreOp(operation string, start time.Time, err error) {
	status := "success"
	switch {
	case errors.Is(err, ErrRecordNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	telemetry.StoreRequestsTotal.WithLabelValues(operation, status).Inc()
	telemetry.StoreDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
