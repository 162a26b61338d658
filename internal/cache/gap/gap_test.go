package gap

import (
	"testing"
	"time"

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

func TestResolve(t *testing.T) {
	tests := []struct {
		name        string
		requested   types.DateRange
		covering    []types.DateRange
		wantFull    bool
		wantMissing []types.DateRange
	}{
		{
			name:        "no coverage",
			requested:   dr(t, "2024-01-01", "2024-01-31"),
			covering:    nil,
			wantFull:    false,
			wantMissing: []types.DateRange{dr(t, "2024-01-01", "2024-01-31")},
		},
		{
			name:      "exact coverage",
			requested: dr(t, "2024-01-01", "2024-01-31"),
			covering:  []types.DateRange{dr(t, "2024-01-01", "2024-01-31")},
			wantFull:  true,
		},
		{
			name:      "coverage extends past both ends",
			requested: dr(t, "2024-01-10", "2024-01-20"),
			covering:  []types.DateRange{dr(t, "2024-01-01", "2024-01-31")},
			wantFull:  true,
		},
		{
			name:        "tail extension",
			requested:   dr(t, "2024-01-01", "2024-02-15"),
			covering:    []types.DateRange{dr(t, "2024-01-01", "2024-01-31")},
			wantFull:    false,
			wantMissing: []types.DateRange{dr(t, "2024-02-01", "2024-02-15")},
		},
		{
			name:        "head extension",
			requested:   dr(t, "2023-12-15", "2024-01-31"),
			covering:    []types.DateRange{dr(t, "2024-01-01", "2024-01-31")},
			wantFull:    false,
			wantMissing: []types.DateRange{dr(t, "2023-12-15", "2023-12-31")},
		},
		{
			name:      "interior hole",
			requested: dr(t, "2024-01-01", "2024-03-31"),
			covering: []types.DateRange{
				dr(t, "2024-01-01", "2024-01-31"),
				dr(t, "2024-03-01", "2024-03-31"),
			},
			wantFull:    false,
			wantMissing: []types.DateRange{dr(t, "2024-02-01", "2024-02-29")},
		},
		{
			name:      "hole plus tail",
			requested: dr(t, "2024-01-01", "2024-04-15"),
			covering: []types.DateRange{
				dr(t, "2024-01-01", "2024-01-31"),
				dr(t, "2024-03-01", "2024-03-31"),
			},
			wantFull: false,
			wantMissing: []types.DateRange{
				dr(t, "2024-02-01", "2024-02-29"),
				dr(t, "2024-04-01", "2024-04-15"),
			},
		},
		{
			name:      "adjacent segments no gap",
			requested: dr(t, "2024-01-01", "2024-02-29"),
			covering: []types.DateRange{
				dr(t, "2024-01-01", "2024-01-31"),
				dr(t, "2024-02-01", "2024-02-29"),
			},
			wantFull: true,
		},
		{
			name:      "overlapping segments",
			requested: dr(t, "2024-01-01", "2024-01-31"),
			covering: []types.DateRange{
				dr(t, "2024-01-01", "2024-01-20"),
				dr(t, "2024-01-10", "2024-01-31"),
			},
			wantFull: true,
		},
		{
			name:      "unsorted covering input",
			requested: dr(t, "2024-01-01", "2024-03-31"),
			covering: []types.DateRange{
				dr(t, "2024-03-01", "2024-03-31"),
				dr(t, "2024-01-01", "2024-01-31"),
				dr(t, "2024-02-01", "2024-02-29"),
			},
			wantFull: true,
		},
		{
			name:        "coverage entirely before request",
			requested:   dr(t, "2024-02-01", "2024-02-29"),
			covering:    []types.DateRange{dr(t, "2024-01-01", "2024-01-31")},
			wantFull:    false,
			wantMissing: []types.DateRange{dr(t, "2024-02-01", "2024-02-29")},
		},
		{
			name:        "coverage entirely after request",
			requested:   dr(t, "2024-01-01", "2024-01-31"),
			covering:    []types.DateRange{dr(t, "2024-02-01", "2024-02-29")},
			wantFull:    false,
			wantMissing: []types.DateRange{dr(t, "2024-01-01", "2024-01-31")},
		},
		{
			name:        "single day gap between segments",
			requested:   dr(t, "2024-01-01", "2024-01-10"),
			covering:    []types.DateRange{dr(t, "2024-01-01", "2024-01-05"), dr(t, "2024-01-07", "2024-01-10")},
			wantFull:    false,
			wantMissing: []types.DateRange{dr(t, "2024-01-06", "2024-01-06")},
		},
		{
			name:      "single day request covered",
			requested: dr(t, "2024-01-05", "2024-01-05"),
			covering:  []types.DateRange{dr(t, "2024-01-01", "2024-01-31")},
			wantFull:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			full, missing := Resolve(tt.requested, tt.covering)
			if full != tt.wantFull {
				t.Errorf("full = %v, want %v (missing: %v)", full, tt.wantFull, missing)
			}
			if len(missing) != len(tt.wantMissing) {
				t.Fatalf("missing = %v, want %v", missing, tt.wantMissing)
			}
			for i := range missing {
				if !missing[i].Start.Equal(tt.wantMissing[i].Start) || !missing[i].End.Equal(tt.wantMissing[i].End) {
					t.Errorf("missing[%d] = %s, want %s", i, missing[i], tt.wantMissing[i])
				}
			}
		})
	}
}

// Missing ranges plus covering ranges must reconstruct the request: every
// day in the request falls in exactly one of the two sets.
func TestResolve_Reconstruction(t *testing.T) {
	requested := dr(t, "2024-01-01", "2024-03-31")
	covering := []types.DateRange{
		dr(t, "2024-01-05", "2024-01-20"),
		dr(t, "2024-02-10", "2024-02-15"),
		dr(t, "2024-03-25", "2024-04-10"),
	}

	_, missing := Resolve(requested, covering)

	inAny := func(d time.Time, ranges []types.DateRange) bool {
		for _, r := range ranges {
			if !d.Before(r.Start) && !d.After(r.End) {
				return true
			}
		}
		return false
	}

	for d := requested.Start; !d.After(requested.End); d = types.AddDays(d, 1) {
		covered := inAny(d, covering)
		gapped := inAny(d, missing)
		if covered == gapped {
			t.Errorf("day %s: covered=%v missing=%v, want exactly one", types.FormatDay(d), covered, gapped)
		}
	}

	for _, m := range missing {
		if !m.Valid() {
			t.Errorf("invalid missing range %s", m)
		}
	}
}
