// Package backfill fills cache gaps from the upstream provider.
//
// Requests never wait for a fetch: a request that finds gaps schedules
// them here and returns what the cache has. A fixed pool of workers
// drains the task queue, fetches each missing range, writes it as a
// segment and registers it. The next request for the same range then
// hits the cache.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/openquant/barcache/internal/cache/catalog"
	"github.com/openquant/barcache/internal/cache/config"
	"github.com/openquant/barcache/internal/cache/eviction"
	"github.com/openquant/barcache/internal/cache/provider"
	"github.com/openquant/barcache/internal/cache/segment"
	"github.com/openquant/barcache/internal/cache/types"
	"github.com/openquant/barcache/internal/errors"
	"github.com/openquant/barcache/internal/logging"
)

// Task is one missing range to fetch.
type Task struct {
	Instrument string
	Period     types.Period
	Range      types.DateRange
}

func (t Task) key() string {
	return fmt.Sprintf("%s|%s|%s", t.Instrument, t.Period, t.Range)
}

// Stats tracks backfill activity.
type Stats struct {
	TasksScheduled int64
	TasksDropped   int64
	TasksCompleted int64
	FetchErrors    int64
	EmptyRanges    int64
	DuplicateLoss  int64
	BarsFetched    int64
}

// Pool runs backfill tasks on a fixed set of workers.
type Pool struct {
	cfg      *config.Config
	catalog  *catalog.Catalog
	store    *segment.Store
	source   provider.Provider
	eviction *eviction.Policy
	budget   func() int64
	logger   *slog.Logger

	taskCh chan Task
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]struct{}
	running bool

	tasksScheduled atomic.Int64
	tasksDropped   atomic.Int64
	tasksCompleted atomic.Int64
	fetchErrors    atomic.Int64
	emptyRanges    atomic.Int64
	duplicateLoss  atomic.Int64
	barsFetched    atomic.Int64
}

// NewPool creates a backfill pool. budget is read each time a task
// finishes so the eviction pass always sees the current limit.
func NewPool(cfg *config.Config, cat *catalog.Catalog, store *segment.Store, source provider.Provider, ev *eviction.Policy, budget func() int64) *Pool {
	return &Pool{
		cfg:      cfg,
		catalog:  cat,
		store:    store,
		source:   source,
		eviction: ev,
		budget:   budget,
		logger:   logging.Component("backfill"),
		taskCh:   make(chan Task, cfg.Backfill.QueueSize),
		pending:  make(map[string]struct{}),
	}
}

// Start launches the worker pool.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return errors.ErrEngineRunning
	}
	p.running = true

	for i := 0; i < p.cfg.Backfill.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	p.logger.Info("backfill pool started", "workers", p.cfg.Backfill.Workers, "queue_size", p.cfg.Backfill.QueueSize)
	return nil
}

// Stop drains the queue and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("backfill pool stopped", "completed", p.tasksCompleted.Load())
}

// Schedule enqueues one task per missing range, skipping ranges already
// pending or in flight. It returns true if at least one task was queued.
// A full queue drops the task; the range stays missing and the next
// request reschedules it.
func (p *Pool) Schedule(instrument string, period types.Period, missing []types.DateRange) bool {
	scheduled := false

	for _, r := range missing {
		task := Task{Instrument: instrument, Period: period, Range: r}
		k := task.key()

		p.mu.Lock()
		if !p.running {
			p.mu.Unlock()
			return scheduled
		}
		if _, dup := p.pending[k]; dup {
			p.mu.Unlock()
			continue
		}

		select {
		case p.taskCh <- task:
			p.pending[k] = struct{}{}
			p.mu.Unlock()
			p.tasksScheduled.Add(1)
			scheduled = true
		default:
			p.mu.Unlock()
			p.tasksDropped.Add(1)
			p.logger.Warn("task queue full, dropping",
				"instrument", instrument, "period", period.String(), "range", r.String())
		}
	}

	return scheduled
}

// Pending returns the number of ranges scheduled but not yet finished.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With("worker", id)
	for task := range p.taskCh {
		if ctx.Err() != nil {
			p.finish(task)
			continue
		}

		if err := p.process(ctx, task); err != nil {
			logger.Error("backfill task failed",
				"instrument", task.Instrument,
				"period", task.Period.String(),
				"range", task.Range.String(),
				"error", err)
		} else {
			p.tasksCompleted.Add(1)
		}
		p.finish(task)
	}
}

func (p *Pool) finish(task Task) {
	p.mu.Lock()
	delete(p.pending, task.key())
	p.mu.Unlock()
}

// process fetches one missing range and installs it in the cache.
func (p *Pool) process(ctx context.Context, task Task) error {
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.Backfill.FetchTimeout)
	bars, err := p.source.Fetch(fetchCtx, task.Instrument, task.Period, task.Range)
	cancel()
	if err != nil {
		p.fetchErrors.Add(1)
		return errors.Wrapf(errors.ErrProviderUnavailable, "fetch %s %s %s: %v",
			task.Instrument, task.Period, task.Range, err)
	}

	if len(bars) == 0 {
		return p.registerEmpty(ctx, task)
	}

	p.barsFetched.Add(int64(len(bars)))

	path := p.cfg.SegmentPath(task.Instrument, task.Period.String(),
		types.FormatDay(task.Range.Start), types.FormatDay(task.Range.End))

	size, err := p.store.Write(path, bars)
	if err != nil {
		return err
	}

	if _, err := p.catalog.Register(ctx, task.Instrument, task.Period, task.Range, path, size, false); err != nil {
		if errors.Is(err, errors.ErrDuplicateRange) {
			// A concurrent fill won the race. Our file loses.
			p.duplicateLoss.Add(1)
			if rmErr := p.store.Remove(path); rmErr != nil {
				p.logger.Warn("failed to remove losing segment", "path", path, "error", rmErr)
			}
			return nil
		}
		// Registration failed; do not leave an orphaned file behind.
		if rmErr := p.store.Remove(path); rmErr != nil {
			p.logger.Warn("failed to remove unregistered segment", "path", path, "error", rmErr)
		}
		return err
	}

	p.logger.Info("range backfilled",
		"instrument", task.Instrument,
		"period", task.Period.String(),
		"range", task.Range.String(),
		"bars", len(bars),
		"size_bytes", size)

	if _, _, err := p.eviction.Enforce(ctx, p.budget()); err != nil {
		p.logger.Warn("post-backfill eviction failed", "error", err)
	}
	return nil
}

// registerEmpty records a confirmed-empty range so it is not re-fetched.
func (p *Pool) registerEmpty(ctx context.Context, task Task) error {
	p.emptyRanges.Add(1)

	if _, err := p.catalog.Register(ctx, task.Instrument, task.Period, task.Range, "", 0, true); err != nil {
		if errors.Is(err, errors.ErrDuplicateRange) {
			return nil
		}
		return err
	}

	p.logger.Info("range confirmed empty",
		"instrument", task.Instrument,
		"period", task.Period.String(),
		"range", task.Range.String())
	return nil
}

// Stats returns cumulative backfill counters.
func (p *Pool) Stats() Stats {
	return Stats{
		TasksScheduled: p.tasksScheduled.Load(),
		TasksDropped:   p.tasksDropped.Load(),
		TasksCompleted: p.tasksCompleted.Load(),
		FetchErrors:    p.fetchErrors.Load(),
		EmptyRanges:    p.emptyRanges.Load(),
		DuplicateLoss:  p.duplicateLoss.Load(),
		BarsFetched:    p.barsFetched.Load(),
	}
}
