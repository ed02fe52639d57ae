// Package retry centralizes the retry/backoff logic that the teacher
// (internal/blockchain.RPCClient) and the rest of the example corpus
// (k256-xyz-k256-sdks' WebSocketClient.connectLoop) otherwise scatter across
// call sites: one combinator, parameterized by max attempts, backoff
// base/cap, and a retryable-error predicate, shared by the WebSocket
// Multiplexer's reconnect loop and every HTTP price adapter.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy parameterizes the combinator. A zero Policy is not usable; use
// DefaultPolicy or construct one explicitly.
type Policy struct {
	MaxAttempts int           // 0 means unlimited (used by the Multiplexer's indefinite reconnect loop)
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // fraction of the computed delay added as random jitter, e.g. 0.2
	// Retryable reports whether an error returned by the wrapped function
	// should be retried. A nil Retryable treats every error as retryable.
	Retryable func(error) bool
}

// DefaultPolicy matches the backoff shape of the teacher's RPCClient and the
// k256 client: exponential from 1s, capped at 60s, unlimited attempts.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 0,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Jitter:      0.2,
	}
}

// Delay returns the backoff delay before attempt n (1-indexed), with jitter.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 {
		jitter := time.Duration(rand.Float64() * p.Jitter * float64(delay))
		delay += jitter
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

func (p Policy) retryable(err error) bool {
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// ErrMaxAttempts is returned by Do only when it makes no attempt at all (a
// negative MaxAttempts); once attempts run out, Do returns the last error fn
// returned, unwrapped.
var ErrMaxAttempts = errors.New("retry: max attempts exhausted")

// Do runs fn, retrying on a retryable error with the policy's backoff until
// it succeeds, ctx is cancelled, or MaxAttempts is exhausted. Every
// suspension point (the backoff sleep) is a cancellation check, per the
// cooperative-cancellation design note.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; p.MaxAttempts == 0 || attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.retryable(err) {
			return err
		}

		delay := p.Delay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if lastErr != nil {
		return lastErr
	}
	return ErrMaxAttempts
}
