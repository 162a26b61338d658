package types

import "time"

// Bar represents a single OHLCV bar of a market-data series.
// This is the primary data unit flowing through the cache engine: segment
// rows, provider fetch results, and live quotes all share this shape.
type Bar struct {
	// TimestampMs is the bar's start time as a Unix timestamp in milliseconds.
	TimestampMs int64

	// Prices
	Open  float64
	High  float64
	Low   float64
	Close float64

	// Volume is the traded quantity for the bar interval.
	Volume int64

	// Amount is the traded turnover for the bar interval.
	Amount float64
}

// Time returns the bar timestamp as a time.Time.
func (b *Bar) Time() time.Time {
	return time.UnixMilli(b.TimestampMs)
}

// Before reports whether b starts before other.
func (b *Bar) Before(other *Bar) bool {
	return b.TimestampMs < other.TimestampMs
}

// SortedByTime reports whether bars are in ascending timestamp order.
func SortedByTime(bars []Bar) bool {
	for i := 1; i < len(bars); i++ {
		if bars[i].TimestampMs < bars[i-1].TimestampMs {
			return false
		}
	}
	return true
}
