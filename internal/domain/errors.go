package domain

import "errors"

// Sentinel errors crossing the Registry/Oracle boundary.
var (
	// ErrNotAvailable means every source tier was exhausted without meeting
	// the caller's freshness/confidence requirement.
	ErrNotAvailable = errors.New("domain: price not available")
	// ErrBusy means the caller's request could not be served because the
	// subscription registry or an HTTP adapter's concurrency gate is full.
	ErrBusy = errors.New("domain: busy")
)
