// Command barcachectl inspects and maintains a bar cache data directory.
//
// It opens the same catalog and segment tree the engine uses, so run it
// against a stopped engine or accept slightly stale counters. Without
// arguments it starts an interactive shell; with arguments it runs a
// single command and exits.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"golang.org/x/term"

	"github.com/openquant/barcache/internal/cache"
	"github.com/openquant/barcache/internal/cache/config"
	"github.com/openquant/barcache/internal/cache/gap"
	"github.com/openquant/barcache/internal/cache/provider"
	"github.com/openquant/barcache/internal/cache/types"
	"github.com/openquant/barcache/internal/logging"
)

var (
	configPath = flag.String("config", "", "path to config file (default: built-in defaults)")
	dataDir    = flag.String("data-dir", "", "override data directory")
	jsonLog    = flag.Bool("json-log", false, "log in JSON format")
	verbose    = flag.Bool("v", false, "verbose logging")
)

func main() {
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logging.Init(level, *jsonLog)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "barcachectl: %v\n", err)
		os.Exit(1)
	}

	// Maintenance never fetches; a gap reported here is filled by the
	// serving engine, not by this tool.
	noFetch := provider.Func(func(ctx context.Context, instrument string, period types.Period, r types.DateRange) ([]types.Bar, error) {
		return nil, fmt.Errorf("barcachectl does not fetch")
	})

	engine, err := cache.New(cfg, noFetch)
	if err != nil {
		fmt.Fprintf(os.Stderr, "barcachectl: open cache: %v\n", err)
		os.Exit(1)
	}
	defer engine.Stop()

	sh := &shell{engine: engine}

	if args := flag.Args(); len(args) > 0 {
		if err := sh.run(args); err != nil {
			fmt.Fprintf(os.Stderr, "barcachectl: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		sh.interactive()
	} else {
		sh.piped()
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	return cfg, nil
}

type shell struct {
	engine *cache.Engine
	done   bool
}

// interactive runs the prompt loop with completion.
func (s *shell) interactive() {
	fmt.Println("barcachectl shell. Type 'help' for commands, 'exit' to quit.")

	p := prompt.New(
		s.execute,
		s.complete,
		prompt.OptionPrefix("barcache> "),
		prompt.OptionTitle("barcachectl"),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return s.done
		}),
	)
	p.Run()
}

// piped reads commands line by line when stdin is not a terminal.
func (s *shell) piped() {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() && !s.done {
		s.execute(scanner.Text())
	}
}

func (s *shell) execute(line string) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return
	}
	if err := s.run(args); err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

func (s *shell) complete(d prompt.Document) []prompt.Suggest {
	suggestions := []prompt.Suggest{
		{Text: "stats", Description: "show cache occupancy and counters"},
		{Text: "entries", Description: "list catalog entries, optionally for one instrument"},
		{Text: "gaps", Description: "gaps INSTRUMENT PERIOD START END: show uncovered ranges"},
		{Text: "evict", Description: "evict [BUDGET_BYTES]: enforce the size budget now"},
		{Text: "verify", Description: "cross-check catalog rows against segment files"},
		{Text: "help", Description: "list commands"},
		{Text: "exit", Description: "quit the shell"},
	}
	return prompt.FilterHasPrefix(suggestions, d.GetWordBeforeCursor(), true)
}

func (s *shell) run(args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "stats":
		return s.stats(ctx)
	case "entries":
		instrument := ""
		if len(args) > 1 {
			instrument = args[1]
		}
		return s.entries(ctx, instrument)
	case "gaps":
		if len(args) != 5 {
			return fmt.Errorf("usage: gaps INSTRUMENT PERIOD START END")
		}
		return s.gaps(ctx, args[1], args[2], args[3], args[4])
	case "evict":
		if len(args) > 1 {
			budget, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("bad budget %q: %w", args[1], err)
			}
			if err := s.engine.SetBudget(budget); err != nil {
				return err
			}
		}
		return s.evict(ctx)
	case "verify":
		return s.verify(ctx)
	case "help":
		s.help()
		return nil
	case "exit", "quit":
		s.done = true
		return nil
	default:
		return fmt.Errorf("unknown command %q, try 'help'", args[0])
	}
}

func (s *shell) stats(ctx context.Context) error {
	st, err := s.engine.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("entries:        %d\n", st.Entries)
	fmt.Printf("total bytes:    %d\n", st.TotalBytes)
	fmt.Printf("budget bytes:   %d\n", st.BudgetBytes)
	fmt.Printf("live quotes:    %d\n", st.LiveQuotes)
	fmt.Printf("reads:          %d\n", st.Reads)
	if st.Reads > 0 {
		fmt.Printf("read latency:   p50=%.2fms p95=%.2fms p99=%.2fms\n",
			st.ReadLatencyP50, st.ReadLatencyP95, st.ReadLatencyP99)
	}
	fmt.Printf("backfill:       scheduled=%d completed=%d dropped=%d errors=%d empty=%d\n",
		st.Backfill.TasksScheduled, st.Backfill.TasksCompleted,
		st.Backfill.TasksDropped, st.Backfill.FetchErrors, st.Backfill.EmptyRanges)
	fmt.Printf("eviction:       evicted=%d freed=%d failures=%d\n",
		st.Eviction.EntriesEvicted, st.Eviction.BytesFreed, st.Eviction.Failures)
	return nil
}

func (s *shell) entries(ctx context.Context, instrument string) error {
	all, err := s.engine.Catalog().All(ctx)
	if err != nil {
		return err
	}

	n := 0
	for _, e := range all {
		if instrument != "" && e.Instrument != instrument {
			continue
		}
		n++

		kind := "segment"
		if e.Empty {
			kind = "empty"
		}
		fmt.Printf("%-6d %-12s %-4s %-24s %-8s %10d  last_access=%s\n",
			e.ID, e.Instrument, e.Period, e.Range, kind, e.SizeBytes,
			e.LastAccess.UTC().Format(time.RFC3339))
	}
	fmt.Printf("%d entries\n", n)
	return nil
}

func (s *shell) gaps(ctx context.Context, instrument, periodStr, startStr, endStr string) error {
	period, err := types.ParsePeriod(periodStr)
	if err != nil {
		return err
	}
	start, err := types.ParseDay(startStr)
	if err != nil {
		return err
	}
	end, err := types.ParseDay(endStr)
	if err != nil {
		return err
	}

	requested := types.NewDateRange(start, end)
	if !requested.Valid() {
		return fmt.Errorf("invalid range %s", requested)
	}

	entries, err := s.engine.Catalog().FindCovering(ctx, instrument, period, requested)
	if err != nil {
		return err
	}

	covered := make([]types.DateRange, 0, len(entries))
	for _, e := range entries {
		covered = append(covered, e.Range)
	}

	complete, missing := gap.Resolve(requested, covered)
	if complete {
		fmt.Printf("%s %s %s: fully covered by %d entries\n", instrument, period, requested, len(entries))
		return nil
	}

	fmt.Printf("%s %s %s: %d gaps\n", instrument, period, requested, len(missing))
	for _, m := range missing {
		fmt.Printf("  %s (%d days)\n", m, m.Days())
	}
	return nil
}

func (s *shell) evict(ctx context.Context) error {
	evicted, freed, err := s.engine.RunEviction(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("evicted %d entries, freed %d bytes\n", evicted, freed)
	return nil
}

func (s *shell) verify(ctx context.Context) error {
	report, err := s.engine.Verify(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("checked %d entries: %d stale rows removed, %d size mismatches\n",
		report.Checked, report.StaleRemoved, report.SizeMismatch)
	return nil
}

func (s *shell) help() {
	fmt.Println(`commands:
  stats                                show cache occupancy and counters
  entries [INSTRUMENT]                 list catalog entries
  gaps INSTRUMENT PERIOD START END     show uncovered ranges (dates as 2024-01-31)
  evict [BUDGET_BYTES]                 enforce the size budget now
  verify                               cross-check catalog against segment files
  help                                 this text
  exit                                 quit`)
}
