// Package segment persists and reads columnar bar segments.
//
// Segments are immutable Parquet files: each one is written exactly once by
// the backfill task that registers it, and never rewritten. Writes go
// through parquet-go; range-filtered reads go through DuckDB's read_parquet
// so only the requested time window is materialized.
package segment

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/openquant/barcache/internal/cache/types"
	"github.com/openquant/barcache/internal/errors"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
)

// Options configures segment writing.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// CompressionLevel for algorithms that support it (zstd: 1-22)
	CompressionLevel int

	// MemoryLimit is the DuckDB memory limit for reads (e.g. "512MB").
	MemoryLimit string
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default segment options.
func DefaultOptions() Options {
	return Options{
		Compression:      CompressionZstd,
		CompressionLevel: 3,
		MemoryLimit:      "512MB",
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// BarRow represents a bar in Parquet format.
type BarRow struct {
	TimestampMs int64   `parquet:"timestamp_ms"`
	Open        float64 `parquet:"open"`
	High        float64 `parquet:"high"`
	Low         float64 `parquet:"low"`
	Close       float64 `parquet:"close"`
	Volume      int64   `parquet:"volume"`
	Amount      float64 `parquet:"amount"`
}

// BarToRow converts a Bar to a BarRow.
func BarToRow(b *types.Bar) BarRow {
	return BarRow{
		TimestampMs: b.TimestampMs,
		Open:        b.Open,
		High:        b.High,
		Low:         b.Low,
		Close:       b.Close,
		Volume:      b.Volume,
		Amount:      b.Amount,
	}
}

// RowToBar converts a BarRow to a Bar.
func RowToBar(r *BarRow) types.Bar {
	return types.Bar{
		TimestampMs: r.TimestampMs,
		Open:        r.Open,
		High:        r.High,
		Low:         r.Low,
		Close:       r.Close,
		Volume:      r.Volume,
		Amount:      r.Amount,
	}
}

// Store writes and reads bar segments.
//
// Store is safe for concurrent use. The write path assumes each segment
// path has exactly one writer (the registering backfill task); readers need
// no locking once a catalog row references a path.
type Store struct {
	opts Options

	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// NewStore creates a segment store. Reads run through an in-memory DuckDB
// connection shared by all callers.
func NewStore(opts Options) (*Store, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if opts.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", opts.MemoryLimit)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	return &Store{opts: opts, db: db}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.db.Close()
}

// Write writes bars to a new Parquet segment at path and returns the
// on-disk size in bytes. Input must be sorted ascending by timestamp.
func (s *Store) Write(path string, bars []types.Bar) (int64, error) {
	if !types.SortedByTime(bars) {
		return 0, errors.Wrap(errors.ErrSegmentIO, "bars not sorted by time")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, errors.Wrapf(errors.ErrSegmentIO, "create directory %s: %v", dir, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrSegmentIO, "create %s: %v", path, err)
	}

	writer := parquet.NewGenericWriter[BarRow](f,
		parquet.Compression(getCompression(s.opts.Compression)),
	)

	rows := make([]BarRow, len(bars))
	for i := range bars {
		rows[i] = BarToRow(&bars[i])
	}

	if _, err := writer.Write(rows); err != nil {
		writer.Close()
		f.Close()
		os.Remove(path)
		return 0, errors.Wrapf(errors.ErrSegmentIO, "write rows to %s: %v", path, err)
	}

	if err := writer.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return 0, errors.Wrapf(errors.ErrSegmentIO, "close writer for %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return 0, errors.Wrapf(errors.ErrSegmentIO, "close %s: %v", path, err)
	}

	stat, err := os.Stat(path)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrSegmentIO, "stat %s: %v", path, err)
	}

	return stat.Size(), nil
}

// ReadRange reads all bars from the segment at path whose timestamp falls
// within [startMs, endMs], ordered ascending by time.
//
// A missing file maps to ErrCacheInconsistency so the caller can tell a
// stale catalog row from a broken disk.
func (s *Store) ReadRange(ctx context.Context, path string, startMs, endMs int64) ([]types.Bar, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(errors.ErrCacheInconsistency, "segment %s", path)
		}
		return nil, errors.Wrapf(errors.ErrSegmentIO, "stat %s: %v", path, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp_ms, open, high, low, close, volume, amount
		FROM read_parquet(?)
		WHERE timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms
	`, path, startMs, endMs)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrSegmentIO, "read %s: %v", path, err)
	}
	defer rows.Close()

	var bars []types.Bar
	for rows.Next() {
		var b types.Bar
		if err := rows.Scan(&b.TimestampMs, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Amount); err != nil {
			return nil, errors.Wrapf(errors.ErrSegmentIO, "scan row from %s: %v", path, err)
		}
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(errors.ErrSegmentIO, "read %s: %v", path, err)
	}

	return bars, nil
}

// ReadAll reads every bar in the segment using the parquet-go reader.
// Used by verification tooling and tests; the request path uses ReadRange.
func (s *Store) ReadAll(path string) ([]types.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(errors.ErrCacheInconsistency, "segment %s", path)
		}
		return nil, errors.Wrapf(errors.ErrSegmentIO, "open %s: %v", path, err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[BarRow](f)
	defer reader.Close()

	numRows := reader.NumRows()
	rows := make([]BarRow, numRows)

	n, err := reader.Read(rows)
	if err != nil && int64(n) != numRows {
		return nil, errors.Wrapf(errors.ErrSegmentIO, "read %s: %v", path, err)
	}

	bars := make([]types.Bar, n)
	for i := 0; i < n; i++ {
		bars[i] = RowToBar(&rows[i])
	}

	return bars, nil
}

// Remove deletes the segment artifact at path. An already-absent file is
// not an error: eviction may race a self-healing read.
func (s *Store) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(errors.ErrSegmentIO, "remove %s: %v", path, err)
	}
	return nil
}
