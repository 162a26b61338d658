package types

import (
	"fmt"
	"time"

	"github.com/openquant/barcache/internal/errors"
)

// Period represents the bar interval of a cached series.
type Period int

const (
	// Period1m is one-minute bars.
	Period1m Period = iota

	// Period5m is five-minute bars.
	Period5m

	// Period1h is hourly bars.
	Period1h

	// Period1d is daily bars.
	Period1d
)

// AllPeriods returns all supported periods.
func AllPeriods() []Period {
	return []Period{Period1m, Period5m, Period1h, Period1d}
}

// String returns the string representation of the period.
func (p Period) String() string {
	switch p {
	case Period1m:
		return "1m"
	case Period5m:
		return "5m"
	case Period1h:
		return "1h"
	case Period1d:
		return "1d"
	default:
		return fmt.Sprintf("unknown(%d)", p)
	}
}

// Duration returns the bar duration for this period.
func (p Period) Duration() time.Duration {
	switch p {
	case Period1m:
		return time.Minute
	case Period5m:
		return 5 * time.Minute
	case Period1h:
		return time.Hour
	case Period1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether p is a supported period.
func (p Period) Valid() bool {
	switch p {
	case Period1m, Period5m, Period1h, Period1d:
		return true
	default:
		return false
	}
}

// ParsePeriod parses a period string ("1m", "5m", "1h", "1d").
func ParsePeriod(s string) (Period, error) {
	switch s {
	case "1m":
		return Period1m, nil
	case "5m":
		return Period5m, nil
	case "1h":
		return Period1h, nil
	case "1d":
		return Period1d, nil
	default:
		return 0, errors.Wrapf(errors.ErrInvalidPeriod, "parse period %q", s)
	}
}
