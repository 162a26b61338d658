// Package errors consolidates error definitions for the barcache engine.
//
// It provides sentinel errors for all recoverable conditions, category
// checking helpers, and wrapping utilities. The engine's propagation policy
// is availability-first: backfill and storage errors are recovered locally
// and logged, so most of these sentinels never reach a caller of GetSeries.
package errors

import (
	"errors"
	"fmt"
)

// =============================================================================
// Sentinel errors
// =============================================================================

var (
	// Provider errors - upstream fetch failed, range stays missing.
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderTimeout     = errors.New("provider timeout")

	// Catalog errors.
	ErrDuplicateRange = errors.New("duplicate range for instrument/period")
	ErrEntryNotFound  = errors.New("catalog entry not found")

	// Storage errors.
	ErrSegmentIO          = errors.New("segment I/O error")
	ErrCacheInconsistency = errors.New("catalog entry references missing segment")

	// Validation errors - the only errors GetSeries surfaces to callers.
	ErrInvalidPeriod     = errors.New("invalid period")
	ErrInvalidRange      = errors.New("invalid range")
	ErrInvalidInstrument = errors.New("invalid instrument")
	ErrInvalidConfig     = errors.New("invalid configuration")

	// State errors.
	ErrEngineStopped = errors.New("engine is not running")
	ErrEngineRunning = errors.New("engine is already running")
	ErrQueueFull     = errors.New("backfill queue full")
	ErrWriterClosed  = errors.New("segment writer is closed")
	ErrCatalogClosed = errors.New("catalog is closed")
)

// =============================================================================
// Helper functions for error checking
// =============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsProviderError returns true if err comes from the upstream provider.
func IsProviderError(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrProviderTimeout)
}

// IsValidation returns true if err is a caller-input validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrInvalidInstrument) ||
		errors.Is(err, ErrInvalidConfig)
}

// IsStorageError returns true if err is a segment or catalog storage error.
func IsStorageError(err error) bool {
	return errors.Is(err, ErrSegmentIO) ||
		errors.Is(err, ErrCacheInconsistency)
}

// IsRetriable returns true if the error is potentially resolved by a later
// request cycle (the range remains missing and will be re-resolved).
func IsRetriable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrProviderTimeout) ||
		errors.Is(err, ErrQueueFull)
}

// =============================================================================
// Error wrapping utilities
// =============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}
