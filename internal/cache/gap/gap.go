// Package gap computes which parts of a requested date range are missing
// from a set of covering ranges.
package gap

import (
	"sort"

	"github.com/openquant/barcache/internal/cache/types"
)

// Resolve compares a requested range against the ranges already covered
// and returns whether the request is fully covered, plus the missing
// sub-ranges in ascending order.
//
// Covering ranges may overlap each other and may extend beyond the
// requested range on either side. Missing ranges are maximal: adjacent
// uncovered days collapse into one range.
func Resolve(requested types.DateRange, covering []types.DateRange) (bool, []types.DateRange) {
	if len(covering) == 0 {
		return false, []types.DateRange{requested}
	}

	sorted := make([]types.DateRange, len(covering))
	copy(sorted, covering)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	var missing []types.DateRange
	cursor := requested.Start

	for _, r := range sorted {
		if r.End.Before(cursor) {
			continue
		}
		if r.Start.After(requested.End) {
			break
		}

		if r.Start.After(cursor) {
			gapEnd := types.AddDays(r.Start, -1)
			if gapEnd.After(requested.End) {
				gapEnd = requested.End
			}
			missing = append(missing, types.DateRange{Start: cursor, End: gapEnd})
		}

		next := types.AddDays(r.End, 1)
		if next.After(cursor) {
			cursor = next
		}
		if cursor.After(requested.End) {
			break
		}
	}

	if !cursor.After(requested.End) {
		missing = append(missing, types.DateRange{Start: cursor, End: requested.End})
	}

	return len(missing) == 0, missing
}

// Covered reports whether the covering ranges fully contain the requested
// range, without materializing the missing list.
func Covered(requested types.DateRange, covering []types.DateRange) bool {
	full, _ := Resolve(requested, covering)
	return full
}
