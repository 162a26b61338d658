package backfill

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openquant/barcache/internal/cache/catalog"
	"github.com/openquant/barcache/internal/cache/config"
	"github.com/openquant/barcache/internal/cache/eviction"
	"github.com/openquant/barcache/internal/cache/provider"
	"github.com/openquant/barcache/internal/cache/segment"
	"github.com/openquant/barcache/internal/cache/types"
)

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := types.ParseDay(s)
	if err != nil {
		t.Fatalf("parse day %s: %v", s, err)
	}
	return d
}

func dr(t *testing.T, start, end string) types.DateRange {
	return types.DateRange{Start: day(t, start), End: day(t, end)}
}

func newTestPool(t *testing.T, source provider.Provider) (*Pool, *catalog.Catalog, *config.Config) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Backfill.Workers = 2
	cfg.Backfill.QueueSize = 8
	cfg.Backfill.FetchTimeout = 5 * time.Second

	cat, err := catalog.Open("")
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	store, err := segment.NewStore(segment.DefaultOptions())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ev := eviction.NewPolicy(cat, store)
	pool := NewPool(cfg, cat, store, source, ev, func() int64 { return cfg.MaxCacheBytes })

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	t.Cleanup(pool.Stop)

	return pool, cat, cfg
}

// waitIdle polls until no tasks are pending.
func waitIdle(t *testing.T, pool *Pool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if pool.Pending() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("pool did not go idle")
}

func barsFor(r types.DateRange) []types.Bar {
	return []types.Bar{
		{TimestampMs: r.StartMs(), Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 100, Amount: 1050},
		{TimestampMs: r.StartMs() + 60_000, Open: 10.5, High: 12, Low: 10, Close: 11, Volume: 200, Amount: 2200},
	}
}

func TestPool_BackfillsRange(t *testing.T) {
	source := provider.Func(func(ctx context.Context, instrument string, period types.Period, r types.DateRange) ([]types.Bar, error) {
		return barsFor(r), nil
	})

	pool, cat, _ := newTestPool(t, source)
	r := dr(t, "2024-01-01", "2024-01-31")

	if !pool.Schedule("600519.SH", types.Period1d, []types.DateRange{r}) {
		t.Fatal("expected task to be scheduled")
	}
	waitIdle(t, pool)

	entries, err := cat.FindCovering(context.Background(), "600519.SH", types.Period1d, r)
	if err != nil {
		t.Fatalf("find covering: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	e := entries[0]
	if e.Empty {
		t.Error("entry should not be empty")
	}
	if e.SizeBytes <= 0 {
		t.Errorf("expected positive size, got %d", e.SizeBytes)
	}
	if _, err := os.Stat(e.SegmentPath); err != nil {
		t.Errorf("segment file missing: %v", err)
	}

	stats := pool.Stats()
	if stats.TasksCompleted != 1 || stats.BarsFetched != 2 {
		t.Errorf("stats mismatch: %+v", stats)
	}
}

func TestPool_EmptyRange(t *testing.T) {
	source := provider.Func(func(ctx context.Context, instrument string, period types.Period, r types.DateRange) ([]types.Bar, error) {
		return nil, nil
	})

	pool, cat, _ := newTestPool(t, source)
	r := dr(t, "2024-01-06", "2024-01-07")

	pool.Schedule("600519.SH", types.Period1d, []types.DateRange{r})
	waitIdle(t, pool)

	entries, _ := cat.FindCovering(context.Background(), "600519.SH", types.Period1d, r)
	if len(entries) != 1 {
		t.Fatalf("expected 1 empty entry, got %d", len(entries))
	}
	if !entries[0].Empty || entries[0].SizeBytes != 0 || entries[0].SegmentPath != "" {
		t.Errorf("expected zero-byte empty entry, got %+v", entries[0])
	}

	if pool.Stats().EmptyRanges != 1 {
		t.Errorf("stats mismatch: %+v", pool.Stats())
	}
}

func TestPool_FetchError(t *testing.T) {
	source := provider.Func(func(ctx context.Context, instrument string, period types.Period, r types.DateRange) ([]types.Bar, error) {
		return nil, context.DeadlineExceeded
	})

	pool, cat, _ := newTestPool(t, source)
	r := dr(t, "2024-01-01", "2024-01-31")

	pool.Schedule("600519.SH", types.Period1d, []types.DateRange{r})
	waitIdle(t, pool)

	// A failed fetch leaves nothing behind; the range stays missing.
	entries, _ := cat.FindCovering(context.Background(), "600519.SH", types.Period1d, r)
	if len(entries) != 0 {
		t.Errorf("expected no entries after failed fetch, got %d", len(entries))
	}
	if pool.Stats().FetchErrors != 1 {
		t.Errorf("stats mismatch: %+v", pool.Stats())
	}

	// The same range can be rescheduled.
	if !pool.Schedule("600519.SH", types.Period1d, []types.DateRange{r}) {
		t.Error("range should be schedulable again after failure")
	}
	waitIdle(t, pool)
}

func TestPool_DuplicateRegisterDiscardsSegment(t *testing.T) {
	source := provider.Func(func(ctx context.Context, instrument string, period types.Period, r types.DateRange) ([]types.Bar, error) {
		return barsFor(r), nil
	})

	pool, cat, cfg := newTestPool(t, source)
	ctx := context.Background()
	r := dr(t, "2024-01-01", "2024-01-31")

	// Another fill already owns the identical range.
	if _, err := cat.Register(ctx, "600519.SH", types.Period1d, r, "/winner.parquet", 77, false); err != nil {
		t.Fatalf("pre-register: %v", err)
	}

	pool.Schedule("600519.SH", types.Period1d, []types.DateRange{r})
	waitIdle(t, pool)

	// The loser's freshly written segment must not linger on disk.
	loserPath := cfg.SegmentPath("600519.SH", types.Period1d.String(),
		types.FormatDay(r.Start), types.FormatDay(r.End))
	if _, err := os.Stat(loserPath); !os.IsNotExist(err) {
		t.Errorf("losing segment should be removed, stat err=%v", err)
	}

	// The winner's row is untouched and losing is not an error.
	entries, _ := cat.FindCovering(ctx, "600519.SH", types.Period1d, r)
	if len(entries) != 1 || entries[0].SegmentPath != "/winner.parquet" || entries[0].SizeBytes != 77 {
		t.Errorf("winner row changed: %+v", entries)
	}

	stats := pool.Stats()
	if stats.DuplicateLoss != 1 {
		t.Errorf("expected DuplicateLoss=1, got %+v", stats)
	}
	if stats.TasksCompleted != 1 {
		t.Errorf("losing the race is not a failure: %+v", stats)
	}
}

func TestPool_DeduplicatesPending(t *testing.T) {
	var fetches atomic.Int64
	release := make(chan struct{})

	source := provider.Func(func(ctx context.Context, instrument string, period types.Period, r types.DateRange) ([]types.Bar, error) {
		fetches.Add(1)
		<-release
		return barsFor(r), nil
	})

	pool, _, _ := newTestPool(t, source)
	r := dr(t, "2024-01-01", "2024-01-31")

	if !pool.Schedule("600519.SH", types.Period1d, []types.DateRange{r}) {
		t.Fatal("first schedule should succeed")
	}
	// Same range again while the first fetch is blocked: no new task.
	if pool.Schedule("600519.SH", types.Period1d, []types.DateRange{r}) {
		t.Error("duplicate range should not be rescheduled while pending")
	}

	close(release)
	waitIdle(t, pool)

	if n := fetches.Load(); n != 1 {
		t.Errorf("expected 1 fetch, got %d", n)
	}
}

func TestPool_QueueFullDrops(t *testing.T) {
	release := make(chan struct{})
	source := provider.Func(func(ctx context.Context, instrument string, period types.Period, r types.DateRange) ([]types.Bar, error) {
		<-release
		return nil, nil
	})

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Backfill.Workers = 1
	cfg.Backfill.QueueSize = 1

	cat, err := catalog.Open("")
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	store, err := segment.NewStore(segment.DefaultOptions())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	pool := NewPool(cfg, cat, store, source, eviction.NewPolicy(cat, store), func() int64 { return cfg.MaxCacheBytes })
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer pool.Stop()

	// Fill the single worker and the single queue slot, then overflow.
	ranges := []types.DateRange{
		dr(t, "2024-01-01", "2024-01-01"),
		dr(t, "2024-01-02", "2024-01-02"),
		dr(t, "2024-01-03", "2024-01-03"),
		dr(t, "2024-01-04", "2024-01-04"),
	}
	pool.Schedule("600519.SH", types.Period1d, ranges)

	if pool.Stats().TasksDropped == 0 {
		t.Error("expected overflow tasks to be dropped")
	}

	close(release)
	waitIdle(t, pool)
}

func TestPool_ScheduleAfterStop(t *testing.T) {
	source := provider.Func(func(ctx context.Context, instrument string, period types.Period, r types.DateRange) ([]types.Bar, error) {
		return nil, nil
	})

	pool, _, _ := newTestPool(t, source)
	pool.Stop()

	if pool.Schedule("600519.SH", types.Period1d, []types.DateRange{dr(t, "2024-01-01", "2024-01-01")}) {
		t.Error("schedule after stop should be a no-op")
	}
}
