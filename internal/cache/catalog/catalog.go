// Package catalog provides the durable index of cached segments.
//
// Each row maps an (instrument, period, date range) to the Parquet segment
// holding that range, together with the bookkeeping the eviction policy
// needs (size, last access). It uses DuckDB as the backing database.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/openquant/barcache/internal/cache/types"
	"github.com/openquant/barcache/internal/errors"
)

// Entry is one catalog row. Entries are immutable in range once created;
// only last_access changes, and only through Touch.
type Entry struct {
	ID          int64
	Instrument  string
	Period      types.Period
	Range       types.DateRange
	SegmentPath string
	SizeBytes   int64

	// Empty marks a confirmed-empty range: the provider returned zero rows
	// for it, so it counts toward coverage but has no segment file.
	Empty bool

	LastAccess time.Time
	CreatedAt  time.Time
}

// Catalog provides catalog row operations.
//
// Catalog is safe for concurrent use: reads go straight to the database,
// writes are serialized by a mutex and run in transactions so two racing
// backfills cannot both register the same range.
type Catalog struct {
	db *sql.DB

	mu     sync.Mutex
	closed bool

	now func() time.Time
}

const schema = `
CREATE SEQUENCE IF NOT EXISTS cache_entries_id_seq;

CREATE TABLE IF NOT EXISTS cache_entries (
	id           BIGINT PRIMARY KEY DEFAULT nextval('cache_entries_id_seq'),
	instrument   VARCHAR NOT NULL,
	period       VARCHAR NOT NULL,
	range_start  DATE NOT NULL,
	range_end    DATE NOT NULL,
	segment_path VARCHAR NOT NULL,
	size_bytes   BIGINT NOT NULL,
	empty        BOOLEAN NOT NULL DEFAULT FALSE,
	last_access  TIMESTAMP NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	UNIQUE (instrument, period, range_start, range_end)
);
`

// Open opens (creating if needed) a catalog database at path.
// An empty path opens an in-memory catalog, useful for tests.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping catalog database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create catalog schema: %w", err)
	}

	return &Catalog{db: db, now: time.Now}, nil
}

// Close closes the catalog.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	return c.db.Close()
}

const entryColumns = `id, instrument, period, range_start, range_end,
	segment_path, size_bytes, empty, last_access, created_at`

// FindCovering returns all entries for (instrument, period) overlapping the
// requested range, ordered by range_start ascending.
func (c *Catalog) FindCovering(ctx context.Context, instrument string, period types.Period, r types.DateRange) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM cache_entries
		WHERE instrument = ? AND period = ?
		  AND range_start <= ? AND range_end >= ?
		ORDER BY range_start, range_end
	`, instrument, period.String(), r.End, r.Start)
	if err != nil {
		return nil, fmt.Errorf("query covering entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Register inserts a new catalog row for a freshly written segment.
// An identical (instrument, period, range) row already existing means a
// concurrent backfill won the race; the caller gets ErrDuplicateRange and
// must discard its segment file.
func (c *Catalog) Register(ctx context.Context, instrument string, period types.Period, r types.DateRange, segmentPath string, sizeBytes int64, empty bool) (*Entry, error) {
	if instrument == "" {
		return nil, errors.ErrInvalidInstrument
	}
	if !period.Valid() {
		return nil, errors.ErrInvalidPeriod
	}
	if !r.Valid() {
		return nil, errors.Wrapf(errors.ErrInvalidRange, "register %s %s", instrument, period)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.ErrCatalogClosed
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM cache_entries
		WHERE instrument = ? AND period = ? AND range_start = ? AND range_end = ?
	`, instrument, period.String(), r.Start, r.End).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("check duplicate range: %w", err)
	}
	if count > 0 {
		return nil, errors.Wrapf(errors.ErrDuplicateRange, "%s %s %s", instrument, period, r)
	}

	now := c.now().UTC()
	entry := &Entry{
		Instrument:  instrument,
		Period:      period,
		Range:       r,
		SegmentPath: segmentPath,
		SizeBytes:   sizeBytes,
		Empty:       empty,
		LastAccess:  now,
		CreatedAt:   now,
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO cache_entries
			(instrument, period, range_start, range_end, segment_path, size_bytes, empty, last_access, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, instrument, period.String(), r.Start, r.End, segmentPath, sizeBytes, empty, now, now).Scan(&entry.ID)
	if err != nil {
		return nil, fmt.Errorf("insert entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit register: %w", err)
	}

	return entry, nil
}

// Touch updates last_access to now. Touch is side-effect only: callers on
// the read path log failures and carry on.
func (c *Catalog) Touch(ctx context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.ErrCatalogClosed
	}

	_, err := c.db.ExecContext(ctx, `
		UPDATE cache_entries SET last_access = ? WHERE id = ?
	`, c.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch entry %d: %w", id, err)
	}
	return nil
}

// TotalSize returns the summed size of all entries in bytes.
func (c *Catalog) TotalSize(ctx context.Context) (int64, error) {
	var total int64
	err := c.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(size_bytes), 0) FROM cache_entries
	`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total size: %w", err)
	}
	return total, nil
}

// OldestByAccess returns the entry with the smallest last_access, ties
// broken by smallest created_at then id, or nil if the catalog is empty.
func (c *Catalog) OldestByAccess(ctx context.Context) (*Entry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM cache_entries
		ORDER BY last_access, created_at, id
		LIMIT 1
	`)
	if err != nil {
		return nil, fmt.Errorf("query oldest entry: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// Remove deletes a catalog row. It does not touch the physical segment;
// deletion order (file first, row second) is the eviction policy's job.
func (c *Catalog) Remove(ctx context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.ErrCatalogClosed
	}

	res, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove entry %d: %w", id, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(errors.ErrEntryNotFound, "entry %d", id)
	}
	return nil
}

// Entry returns a single entry by id.
func (c *Catalog) Entry(ctx context.Context, id int64) (*Entry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM cache_entries WHERE id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query entry %d: %w", id, err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.Wrapf(errors.ErrEntryNotFound, "entry %d", id)
	}
	return &entries[0], nil
}

// All returns every entry, ordered by instrument, period and range_start.
// Used by the maintenance tooling; not on the request path.
func (c *Catalog) All(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM cache_entries
		ORDER BY instrument, period, range_start
	`)
	if err != nil {
		return nil, fmt.Errorf("query all entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Count returns the number of catalog rows.
func (c *Catalog) Count(ctx context.Context) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// scanEntries scans rows into an Entry slice.
func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry

	for rows.Next() {
		var (
			e          Entry
			period     string
			rangeStart time.Time
			rangeEnd   time.Time
		)

		err := rows.Scan(
			&e.ID, &e.Instrument, &period, &rangeStart, &rangeEnd,
			&e.SegmentPath, &e.SizeBytes, &e.Empty, &e.LastAccess, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}

		p, err := types.ParsePeriod(period)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", e.ID, err)
		}
		e.Period = p
		e.Range = types.NewDateRange(rangeStart, rangeEnd)

		entries = append(entries, e)
	}

	return entries, rows.Err()
}
