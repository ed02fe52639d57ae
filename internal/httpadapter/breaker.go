package httpadapter

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by Breaker.Allow when the breaker is open and
// cb_reset_interval has not yet elapsed.
var ErrBreakerOpen = errors.New("httpadapter: circuit breaker open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Breaker is a per-adapter consecutive-failure circuit breaker: it opens
// after cb_failure_threshold consecutive failures, and after cb_reset_interval
// allows exactly one half-open probe through before deciding whether to
// close (probe succeeded) or reopen (probe failed). Generalizes the
// teacher's health.Checker (a periodic, binary up/down poll) into a
// call-driven open/half-open/closed state machine, the shape the spec's
// retry policy actually calls for.
type Breaker struct {
	failureThreshold int
	resetInterval    time.Duration

	mu           sync.Mutex
	state        breakerState
	consecutive  int
	openedAt     time.Time
	probeInFlight bool
}

func NewBreaker(failureThreshold int, resetInterval time.Duration) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &Breaker{failureThreshold: failureThreshold, resetInterval: resetInterval}
}

// Allow reports whether a call may proceed right now. When the breaker is
// open past resetInterval, exactly one caller is let through as the
// half-open probe; concurrent callers during that window are rejected.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return nil
	case breakerHalfOpen:
		return ErrBreakerOpen
	case breakerOpen:
		if time.Since(b.openedAt) < b.resetInterval {
			return ErrBreakerOpen
		}
		if b.probeInFlight {
			return ErrBreakerOpen
		}
		b.state = breakerHalfOpen
		b.probeInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess closes the breaker (or keeps it closed).
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.state = breakerClosed
	b.probeInFlight = false
}

// RecordFailure counts a failure, opening the breaker once the threshold is
// reached; a failed half-open probe reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openedAt = time.Now()
		b.probeInFlight = false
		return
	}
	b.consecutive++
	if b.consecutive >= b.failureThreshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}
