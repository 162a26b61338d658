// Package provider defines the upstream data source the cache fills from.
package provider

import (
	"context"

	"github.com/openquant/barcache/internal/cache/types"
)

// Provider fetches historical bars from an upstream source.
//
// Fetch returns all bars for the instrument and period whose timestamps
// fall within the date range, sorted ascending by time. A nil or empty
// slice with a nil error means the range is confirmed empty upstream
// (e.g. the market was closed); the cache records that fact so the range
// is not re-fetched. Errors mean the range stays unknown.
type Provider interface {
	Fetch(ctx context.Context, instrument string, period types.Period, r types.DateRange) ([]types.Bar, error)
}

// Func adapts a plain function to the Provider interface.
type Func func(ctx context.Context, instrument string, period types.Period, r types.DateRange) ([]types.Bar, error)

// Fetch implements Provider.
func (f Func) Fetch(ctx context.Context, instrument string, period types.Period, r types.DateRange) ([]types.Bar, error) {
	return f(ctx, instrument, period, r)
}
