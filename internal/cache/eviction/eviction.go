// Package eviction enforces the cache size budget.
//
// The policy is least-recently-used at segment granularity: whenever the
// summed size of all catalog entries exceeds the budget, the entry with
// the oldest last_access is deleted, file first and catalog row second,
// until the total fits. Deleting the file before the row means a crash
// mid-eviction leaves a stale row, which the read path self-heals, never
// an orphaned file the catalog cannot see.
package eviction

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/openquant/barcache/internal/cache/catalog"
	"github.com/openquant/barcache/internal/cache/segment"
	"github.com/openquant/barcache/internal/errors"
	"github.com/openquant/barcache/internal/logging"
)

// Stats tracks eviction activity.
type Stats struct {
	EntriesEvicted int64
	BytesFreed     int64
	Failures       int64
}

// Policy evicts least-recently-used entries until the catalog fits the
// budget.
type Policy struct {
	catalog *catalog.Catalog
	store   *segment.Store
	logger  *slog.Logger

	entriesEvicted atomic.Int64
	bytesFreed     atomic.Int64
	failures       atomic.Int64
}

// NewPolicy creates an eviction policy over the given catalog and store.
func NewPolicy(cat *catalog.Catalog, store *segment.Store) *Policy {
	return &Policy{
		catalog: cat,
		store:   store,
		logger:  logging.Component("eviction"),
	}
}

// Enforce evicts entries until total size is at or below budgetBytes.
// It returns the number of entries evicted and the bytes freed.
func (p *Policy) Enforce(ctx context.Context, budgetBytes int64) (int, int64, error) {
	total, err := p.catalog.TotalSize(ctx)
	if err != nil {
		return 0, 0, err
	}

	var (
		evicted int
		freed   int64
	)

	for total > budgetBytes {
		if err := ctx.Err(); err != nil {
			return evicted, freed, err
		}

		entry, err := p.catalog.OldestByAccess(ctx)
		if err != nil {
			p.failures.Add(1)
			return evicted, freed, err
		}
		if entry == nil {
			p.logger.Warn("cannot evict further, catalog empty but still over budget",
				"total_bytes", total, "budget_bytes", budgetBytes)
			break
		}

		if err := p.evictEntry(ctx, entry); err != nil {
			p.failures.Add(1)
			return evicted, freed, err
		}

		evicted++
		freed += entry.SizeBytes
		total -= entry.SizeBytes

		p.logger.Info("evicted entry",
			"instrument", entry.Instrument,
			"period", entry.Period.String(),
			"range", entry.Range.String(),
			"size_bytes", entry.SizeBytes)
	}

	p.entriesEvicted.Add(int64(evicted))
	p.bytesFreed.Add(freed)

	return evicted, freed, nil
}

// evictEntry deletes one entry, segment file first.
func (p *Policy) evictEntry(ctx context.Context, entry *catalog.Entry) error {
	if !entry.Empty {
		if err := p.store.Remove(entry.SegmentPath); err != nil {
			return errors.Wrapf(errors.ErrSegmentIO, "evict %s: %v", entry.SegmentPath, err)
		}
	}

	if err := p.catalog.Remove(ctx, entry.ID); err != nil {
		// Row already gone means a concurrent sweep got here first.
		if errors.Is(err, errors.ErrEntryNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// Stats returns cumulative eviction counters.
func (p *Policy) Stats() Stats {
	return Stats{
		EntriesEvicted: p.entriesEvicted.Load(),
		BytesFreed:     p.bytesFreed.Load(),
		Failures:       p.failures.Load(),
	}
}
