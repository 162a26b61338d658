// Package live holds the in-memory overlay of most recent quotes.
//
// The overlay exists because backfilled segments always trail real time:
// the current trading day is not yet a closed, immutable range. A quote
// pushed here is appended to series responses when it is newer than the
// last persisted bar. Quotes never reach disk through this package.
package live

import (
	"sync"

	"github.com/openquant/barcache/internal/cache/types"
)

type key struct {
	instrument string
	period     types.Period
}

// Overlay stores the latest quote per (instrument, period).
type Overlay struct {
	mu     sync.RWMutex
	quotes map[key]types.Bar
}

// NewOverlay creates an empty overlay.
func NewOverlay() *Overlay {
	return &Overlay{quotes: make(map[key]types.Bar)}
}

// Update replaces the stored quote for (instrument, period). Last write
// wins; there is no ordering check because quote feeds deliver in order
// per instrument.
func (o *Overlay) Update(instrument string, period types.Period, bar types.Bar) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.quotes[key{instrument, period}] = bar
}

// Latest returns the stored quote for (instrument, period), if any.
func (o *Overlay) Latest(instrument string, period types.Period) (types.Bar, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	bar, ok := o.quotes[key{instrument, period}]
	return bar, ok
}

// Len returns the number of stored quotes.
func (o *Overlay) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return len(o.quotes)
}
