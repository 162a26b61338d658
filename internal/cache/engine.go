package cache

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"golang.org/x/sync/errgroup"

	"github.com/openquant/barcache/internal/cache/assembler"
	"github.com/openquant/barcache/internal/cache/backfill"
	"github.com/openquant/barcache/internal/cache/catalog"
	"github.com/openquant/barcache/internal/cache/config"
	"github.com/openquant/barcache/internal/cache/eviction"
	"github.com/openquant/barcache/internal/cache/live"
	"github.com/openquant/barcache/internal/cache/provider"
	"github.com/openquant/barcache/internal/cache/segment"
	"github.com/openquant/barcache/internal/cache/types"
	"github.com/openquant/barcache/internal/errors"
	"github.com/openquant/barcache/internal/logging"
)

// Series is one assembled response for a single instrument.
type Series struct {
	Bars     []types.Bar
	Complete bool
	Missing  []types.DateRange
}

// Stats is a point-in-time snapshot of engine state and counters.
type Stats struct {
	Entries     int64
	TotalBytes  int64
	BudgetBytes int64
	LiveQuotes  int

	Backfill backfill.Stats
	Eviction eviction.Stats

	Reads          int64
	ReadLatencyP50 float64
	ReadLatencyP95 float64
	ReadLatencyP99 float64
}

// VerifyReport summarizes a cache consistency check.
type VerifyReport struct {
	Checked      int
	StaleRemoved int
	SizeMismatch int
}

// Engine owns the cache: catalog, segment store, backfill pool, live
// overlay and eviction. All methods are safe for concurrent use.
type Engine struct {
	cfg *config.Config

	catalog *catalog.Catalog
	store   *segment.Store
	overlay *live.Overlay
	policy  *eviction.Policy
	pool    *backfill.Pool
	asm     *assembler.Assembler
	logger  *slog.Logger

	budget atomic.Int64
	reads  atomic.Int64

	latencyMu sync.Mutex
	latency   *ddsketch.DDSketch

	mu      sync.Mutex
	started bool
	stopped bool
	sweepWg sync.WaitGroup
	quitCh  chan struct{}
}

// New builds an engine from configuration. The provider is the upstream
// source backfill fetches from.
func New(cfg *config.Config, source provider.Provider) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidConfig, err.Error())
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	cat, err := catalog.Open(cfg.CatalogPath())
	if err != nil {
		return nil, err
	}

	store, err := segment.NewStore(segment.Options{
		Compression:      segment.ParseCompressionType(cfg.Compression.Algorithm),
		CompressionLevel: cfg.Compression.Level,
		MemoryLimit:      cfg.Query.MemoryLimit,
	})
	if err != nil {
		cat.Close()
		return nil, err
	}

	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		cat.Close()
		store.Close()
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		catalog: cat,
		store:   store,
		overlay: live.NewOverlay(),
		logger:  logging.Component("engine"),
		latency: sketch,
		quitCh:  make(chan struct{}),
	}
	e.budget.Store(cfg.MaxCacheBytes)

	e.policy = eviction.NewPolicy(cat, store)
	e.pool = backfill.NewPool(cfg, cat, store, source, e.policy, e.budget.Load)
	e.asm = assembler.New(cat, store, e.overlay, e.pool)

	return e, nil
}

// Start launches the backfill workers and the periodic eviction sweep.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return errors.ErrEngineStopped
	}
	if e.started {
		return errors.ErrEngineRunning
	}
	e.started = true

	if err := e.pool.Start(ctx); err != nil {
		return err
	}

	e.sweepWg.Add(1)
	go e.sweepLoop(ctx)

	e.logger.Info("engine started",
		"data_dir", e.cfg.DataDir,
		"budget_bytes", e.budget.Load())
	return nil
}

// Stop drains the backfill pool, stops the sweep and closes storage.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	started := e.started
	e.stopped = true
	e.mu.Unlock()

	if started {
		close(e.quitCh)
		e.sweepWg.Wait()
		e.pool.Stop()
	}

	storeErr := e.store.Close()
	catErr := e.catalog.Close()

	e.logger.Info("engine stopped")

	if catErr != nil {
		return catErr
	}
	return storeErr
}

// sweepLoop enforces the budget on a timer, independent of backfill
// activity, so budget shrinks take effect without new writes.
func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.sweepWg.Done()

	ticker := time.NewTicker(e.cfg.Eviction.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.quitCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := e.policy.Enforce(ctx, e.budget.Load()); err != nil {
				e.logger.Warn("eviction sweep failed", "error", err)
			}
		}
	}
}

// GetSeries returns cached bars per instrument for [start, end] calendar
// days at the given period. It never waits on the upstream: gaps are
// scheduled for backfill and the available data returned immediately.
func (e *Engine) GetSeries(ctx context.Context, instruments []string, period types.Period, start, end time.Time) (map[string]Series, error) {
	if !period.Valid() {
		return nil, errors.ErrInvalidPeriod
	}

	requested := types.NewDateRange(start, end)
	if !requested.Valid() {
		return nil, errors.Wrapf(errors.ErrInvalidRange, "%s", requested)
	}
	for _, inst := range instruments {
		if inst == "" {
			return nil, errors.ErrInvalidInstrument
		}
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, errors.ErrEngineStopped
	}
	e.mu.Unlock()

	began := time.Now()

	results := make(map[string]Series, len(instruments))
	var resultsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range instruments {
		inst := inst
		g.Go(func() error {
			res, err := e.asm.Assemble(gctx, inst, period, requested)
			if err != nil {
				return err
			}

			resultsMu.Lock()
			results[inst] = Series{Bars: res.Bars, Complete: res.Complete, Missing: res.Missing}
			resultsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	e.reads.Add(1)
	e.recordLatency(time.Since(began))

	return results, nil
}

// UpdateLiveQuote stores the latest quote for (instrument, period). The
// quote is served as the series tail until a persisted bar overtakes it.
func (e *Engine) UpdateLiveQuote(instrument string, period types.Period, bar types.Bar) error {
	if instrument == "" {
		return errors.ErrInvalidInstrument
	}
	if !period.Valid() {
		return errors.ErrInvalidPeriod
	}

	e.overlay.Update(instrument, period, bar)
	return nil
}

// SetBudget replaces the cache size budget at runtime. The next eviction
// pass, whether sweep- or backfill-triggered, enforces the new value.
func (e *Engine) SetBudget(bytes int64) error {
	if bytes <= 0 {
		return errors.Wrapf(errors.ErrInvalidConfig, "budget must be positive, got %d", bytes)
	}
	e.budget.Store(bytes)
	e.logger.Info("budget updated", "budget_bytes", bytes)
	return nil
}

// RunEviction forces a budget enforcement pass immediately.
func (e *Engine) RunEviction(ctx context.Context) (int, int64, error) {
	return e.policy.Enforce(ctx, e.budget.Load())
}

// Verify cross-checks every catalog row against the filesystem. Rows
// whose segment file is gone are removed; size drift is only reported.
func (e *Engine) Verify(ctx context.Context) (*VerifyReport, error) {
	entries, err := e.catalog.All(ctx)
	if err != nil {
		return nil, err
	}

	report := &VerifyReport{}
	for _, entry := range entries {
		report.Checked++
		if entry.Empty {
			continue
		}

		stat, err := os.Stat(entry.SegmentPath)
		if err != nil {
			if os.IsNotExist(err) {
				e.logger.Warn("verify: segment missing, removing entry",
					"instrument", entry.Instrument,
					"range", entry.Range.String(),
					"path", entry.SegmentPath)
				if rmErr := e.catalog.Remove(ctx, entry.ID); rmErr != nil && !errors.Is(rmErr, errors.ErrEntryNotFound) {
					return nil, rmErr
				}
				report.StaleRemoved++
				continue
			}
			return nil, errors.Wrapf(errors.ErrSegmentIO, "stat %s: %v", entry.SegmentPath, err)
		}

		if stat.Size() != entry.SizeBytes {
			e.logger.Warn("verify: size mismatch",
				"instrument", entry.Instrument,
				"range", entry.Range.String(),
				"catalog_bytes", entry.SizeBytes,
				"disk_bytes", stat.Size())
			report.SizeMismatch++
		}
	}

	return report, nil
}

// Stats returns a snapshot of engine counters and cache occupancy.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	entries, err := e.catalog.Count(ctx)
	if err != nil {
		return nil, err
	}
	total, err := e.catalog.TotalSize(ctx)
	if err != nil {
		return nil, err
	}

	s := &Stats{
		Entries:     entries,
		TotalBytes:  total,
		BudgetBytes: e.budget.Load(),
		LiveQuotes:  e.overlay.Len(),
		Backfill:    e.pool.Stats(),
		Eviction:    e.policy.Stats(),
		Reads:       e.reads.Load(),
	}

	e.latencyMu.Lock()
	if e.latency.GetCount() > 0 {
		if v, err := e.latency.GetValueAtQuantile(0.5); err == nil {
			s.ReadLatencyP50 = v
		}
		if v, err := e.latency.GetValueAtQuantile(0.95); err == nil {
			s.ReadLatencyP95 = v
		}
		if v, err := e.latency.GetValueAtQuantile(0.99); err == nil {
			s.ReadLatencyP99 = v
		}
	}
	e.latencyMu.Unlock()

	return s, nil
}

// Catalog exposes the catalog for maintenance tooling.
func (e *Engine) Catalog() *catalog.Catalog {
	return e.catalog
}

// PendingBackfills returns the number of gaps scheduled but not filled.
func (e *Engine) PendingBackfills() int {
	return e.pool.Pending()
}

func (e *Engine) recordLatency(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0
	if ms <= 0 {
		ms = 0.001
	}

	e.latencyMu.Lock()
	if err := e.latency.Add(ms); err != nil {
		e.logger.Debug("latency sketch add failed", "error", err)
	}
	e.latencyMu.Unlock()
}
