// Package httpadapter holds the infrastructure every pull-based price
// adapter (C5) shares: an HTTP/2-pooled client, a token-bucket rate limiter,
// a bounded-concurrency gate, a per-adapter circuit breaker, and a
// response cache whose stale entries the adapters serve at a discounted
// confidence.
package httpadapter

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"
)

// ClientPool is an HTTP/2 connection pool generalized from the teacher's
// jupiter.HTTPClientPool: round-robin over a fixed set of *http.Client,
// each with HTTP/2 forced and generous keep-alive, shared by every adapter
// that embeds a Pool rather than rolling its own transport.
type ClientPool struct {
	clients []*http.Client
	mu      sync.Mutex
	idx     uint32
}

func NewClientPool(size int, timeout time.Duration) *ClientPool {
	if size < 1 {
		size = 1
	}
	pool := &ClientPool{clients: make([]*http.Client, size)}
	for i := 0; i < size; i++ {
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		http2.ConfigureTransport(transport)
		pool.clients[i] = &http.Client{Transport: transport, Timeout: timeout}
	}
	log.Info().Int("poolSize", size).Msg("http adapter client pool initialized")
	return pool
}

func (p *ClientPool) Get() *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.clients[p.idx%uint32(len(p.clients))]
	p.idx++
	return c
}

// Gate bounds in-flight requests to its maxConcurrent slots and paces
// requests through a token-bucket rate limiter. Each adapter's Infra builds
// its own Gate, so the concurrency bound applies per adapter; it is not
// shared across adapters.
type Gate struct {
	limiter *rate.Limiter
	slots   chan struct{}
}

func NewGate(ratePerSec float64, maxConcurrent int) *Gate {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	burst := int(ratePerSec)
	if burst < 1 {
		burst = 1
	}
	return &Gate{
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		slots:   make(chan struct{}, maxConcurrent),
	}
}

// Acquire blocks until both a rate-limiter token and a concurrency slot are
// available, returning a release func to call once the request completes.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return func() { <-g.slots }, nil
}
