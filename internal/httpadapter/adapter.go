package httpadapter

import (
	"context"
	"net/http"
	"time"

	"github.com/berkode/priceengine/internal/retry"
)

// Config parameterizes one adapter's shared infrastructure.
type Config struct {
	PoolSize           int
	Timeout            time.Duration
	RatePerSec         float64
	MaxConcurrent      int
	MaxRetries         int
	CBFailureThreshold int
	CBResetInterval    time.Duration
	CacheTTL           time.Duration
}

// Infra bundles the client pool, gate, breaker and retry policy every
// adapter needs, so each adapter constructor takes one Config and gets a
// ready-to-use Infra rather than wiring four types by hand.
type Infra struct {
	Pool    *ClientPool
	Gate    *Gate
	Breaker *Breaker
	Policy  retry.Policy
}

func NewInfra(cfg Config) *Infra {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Infra{
		Pool:    NewClientPool(cfg.PoolSize, cfg.Timeout),
		Gate:    NewGate(cfg.RatePerSec, cfg.MaxConcurrent),
		Breaker: NewBreaker(cfg.CBFailureThreshold, cfg.CBResetInterval),
		Policy: retry.Policy{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			Jitter:      0.2,
			Retryable:   isRetryable,
		},
	}
}

// isRetryable limits retries to transient failures: idempotent GETs only,
// per the retry policy, so every adapter issues GET and never retries a
// non-network/5xx failure like a malformed response.
func isRetryable(err error) bool {
	if err == ErrBreakerOpen {
		return false
	}
	if httpErr, ok := err.(*HTTPStatusError); ok {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// HTTPStatusError wraps a non-2xx HTTP response.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return "httpadapter: unexpected status " + http.StatusText(e.StatusCode)
}

// Do executes req through the breaker, concurrency gate and rate limiter,
// retrying transient failures per Policy. req is rebuilt on every attempt
// via newReq so a body-less GET can be safely retried.
func (in *Infra) Do(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	var resp *http.Response
	err := retry.Do(ctx, in.Policy, func(ctx context.Context) error {
		if breakerErr := in.Breaker.Allow(); breakerErr != nil {
			return breakerErr
		}
		release, err := in.Gate.Acquire(ctx)
		if err != nil {
			return err
		}
		defer release()

		req, err := newReq(ctx)
		if err != nil {
			in.Breaker.RecordFailure()
			return err
		}
		r, err := in.Pool.Get().Do(req)
		if err != nil {
			in.Breaker.RecordFailure()
			return err
		}
		if r.StatusCode < 200 || r.StatusCode >= 300 {
			r.Body.Close()
			in.Breaker.RecordFailure()
			return &HTTPStatusError{StatusCode: r.StatusCode}
		}
		in.Breaker.RecordSuccess()
		resp = r
		return nil
	})
	return resp, err
}
