package types

import (
	"fmt"
	"time"
)

// dateLayout is the canonical calendar-date format for ranges.
const dateLayout = "2006-01-02"

// Day normalizes t to midnight UTC. Catalog ranges operate on calendar
// days; row-level filtering inside segments operates on millisecond
// timestamps. Day is the boundary between the two conventions.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD calendar date.
func ParseDay(s string) (time.Time, error) {
	return time.Parse(dateLayout, s)
}

// FormatDay formats t as a YYYY-MM-DD calendar date.
func FormatDay(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// DateRange is an inclusive [Start, End] pair of calendar dates.
// Both bounds are midnight UTC; a range of a single day has Start == End.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NewDateRange builds a range from two timestamps, normalizing both to
// calendar days.
func NewDateRange(start, end time.Time) DateRange {
	return DateRange{Start: Day(start), End: Day(end)}
}

// Valid reports whether the range is well-formed: both bounds are
// normalized days and Start does not follow End.
func (r DateRange) Valid() bool {
	if r.Start.IsZero() || r.End.IsZero() {
		return false
	}
	if !r.Start.Equal(Day(r.Start)) || !r.End.Equal(Day(r.End)) {
		return false
	}
	return !r.Start.After(r.End)
}

// Days returns the number of calendar days covered, inclusive.
func (r DateRange) Days() int {
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}

// Overlaps reports whether r and other share at least one day.
func (r DateRange) Overlaps(other DateRange) bool {
	return !r.Start.After(other.End) && !r.End.Before(other.Start)
}

// Contains reports whether r fully covers other.
func (r DateRange) Contains(other DateRange) bool {
	return !r.Start.After(other.Start) && !r.End.Before(other.End)
}

// StartMs returns the inclusive millisecond lower bound for row filtering.
func (r DateRange) StartMs() int64 {
	return r.Start.UnixMilli()
}

// EndMs returns the inclusive millisecond upper bound for row filtering:
// the last millisecond of the range's final day.
func (r DateRange) EndMs() int64 {
	return r.End.Add(24*time.Hour).UnixMilli() - 1
}

// String formats the range as "start..end".
func (r DateRange) String() string {
	return fmt.Sprintf("%s..%s", FormatDay(r.Start), FormatDay(r.End))
}

// AddDays returns t shifted by n calendar days.
func AddDays(t time.Time, n int) time.Time {
	return t.AddDate(0, 0, n)
}
