// Package assembler builds series responses from cached segments.
//
// A request never blocks on the network: the assembler returns whatever
// the cache holds for the requested window, schedules the gaps for
// asynchronous backfill, and overlays the live quote on the tail.
package assembler

import (
	"context"
	"log/slog"
	"sort"

	"github.com/openquant/barcache/internal/cache/catalog"
	"github.com/openquant/barcache/internal/cache/gap"
	"github.com/openquant/barcache/internal/cache/live"
	"github.com/openquant/barcache/internal/cache/segment"
	"github.com/openquant/barcache/internal/cache/types"
	"github.com/openquant/barcache/internal/errors"
	"github.com/openquant/barcache/internal/logging"
)

// Scheduler hands missing ranges to the backfill pool.
type Scheduler interface {
	Schedule(instrument string, period types.Period, missing []types.DateRange) bool
}

// Result is one assembled series.
type Result struct {
	Bars []types.Bar

	// Complete reports whether the cache fully covered the request.
	// When false, the missing ranges have been scheduled for backfill.
	Complete bool

	// Missing lists the scheduled gaps, ascending.
	Missing []types.DateRange
}

// Assembler reads and merges cached bars for one request.
type Assembler struct {
	catalog   *catalog.Catalog
	store     *segment.Store
	overlay   *live.Overlay
	scheduler Scheduler
	logger    *slog.Logger
}

// New creates an assembler.
func New(cat *catalog.Catalog, store *segment.Store, overlay *live.Overlay, scheduler Scheduler) *Assembler {
	return &Assembler{
		catalog:   cat,
		store:     store,
		overlay:   overlay,
		scheduler: scheduler,
		logger:    logging.Component("assembler"),
	}
}

// Assemble returns the cached bars for (instrument, period) within the
// requested range, merged across segments and topped with the live quote.
//
// Catalog rows whose segment file has vanished are removed on the spot
// and their range treated as missing again.
func (a *Assembler) Assemble(ctx context.Context, instrument string, period types.Period, requested types.DateRange) (*Result, error) {
	entries, err := a.catalog.FindCovering(ctx, instrument, period, requested)
	if err != nil {
		return nil, err
	}

	startMs, endMs := requested.StartMs(), requested.EndMs()

	var (
		bars    []types.Bar
		covered []types.DateRange
		alive   []catalog.Entry
	)

	for _, e := range entries {
		if e.Empty {
			covered = append(covered, e.Range)
			alive = append(alive, e)
			continue
		}

		segBars, err := a.store.ReadRange(ctx, e.SegmentPath, startMs, endMs)
		if err != nil {
			if errors.Is(err, errors.ErrCacheInconsistency) {
				a.healStaleEntry(ctx, e)
				continue
			}
			// Any other read failure degrades to a miss for this entry:
			// the range resolves as missing and gets rescheduled, and the
			// rest of the response is still served.
			a.logger.Error("segment read failed, skipping entry",
				"instrument", e.Instrument,
				"period", e.Period.String(),
				"range", e.Range.String(),
				"path", e.SegmentPath,
				"error", err)
			continue
		}

		bars = append(bars, segBars...)
		covered = append(covered, e.Range)
		alive = append(alive, e)
	}

	complete, missing := gap.Resolve(requested, covered)
	if !complete {
		a.scheduler.Schedule(instrument, period, missing)
	}

	bars = mergeBars(bars)
	bars = a.appendLiveTail(instrument, period, requested, bars)

	a.touchAll(ctx, alive)

	return &Result{Bars: bars, Complete: complete, Missing: missing}, nil
}

// healStaleEntry drops a catalog row whose segment file is gone.
func (a *Assembler) healStaleEntry(ctx context.Context, e catalog.Entry) {
	a.logger.Warn("segment file missing, removing stale catalog entry",
		"instrument", e.Instrument,
		"period", e.Period.String(),
		"range", e.Range.String(),
		"path", e.SegmentPath)

	if err := a.catalog.Remove(ctx, e.ID); err != nil && !errors.Is(err, errors.ErrEntryNotFound) {
		a.logger.Error("failed to remove stale entry", "id", e.ID, "error", err)
	}
}

// mergeBars sorts bars ascending by timestamp and drops duplicates from
// overlapping segments. The first occurrence wins; overlapping segments
// hold identical data for shared days, so which copy survives is moot.
func mergeBars(bars []types.Bar) []types.Bar {
	if len(bars) < 2 {
		return bars
	}

	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].TimestampMs < bars[j].TimestampMs
	})

	out := bars[:1]
	for _, b := range bars[1:] {
		if b.TimestampMs != out[len(out)-1].TimestampMs {
			out = append(out, b)
		}
	}
	return out
}

// appendLiveTail appends the live quote when it is strictly newer than the
// last cached bar and falls inside the requested window.
func (a *Assembler) appendLiveTail(instrument string, period types.Period, requested types.DateRange, bars []types.Bar) []types.Bar {
	quote, ok := a.overlay.Latest(instrument, period)
	if !ok {
		return bars
	}
	if quote.TimestampMs < requested.StartMs() || quote.TimestampMs > requested.EndMs() {
		return bars
	}
	if len(bars) > 0 && quote.TimestampMs <= bars[len(bars)-1].TimestampMs {
		return bars
	}
	return append(bars, quote)
}

// touchAll bumps last_access on every entry that served the request.
// Failures only cost eviction accuracy, so they are logged and ignored.
func (a *Assembler) touchAll(ctx context.Context, entries []catalog.Entry) {
	for _, e := range entries {
		if err := a.catalog.Touch(ctx, e.ID); err != nil {
			a.logger.Warn("failed to touch entry", "id", e.ID, "error", err)
		}
	}
}
