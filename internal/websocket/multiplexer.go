// Package websocket implements the WebSocket Multiplexer: a single logical
// subscription stream backed by a tiered pool of Solana pubsub endpoints
// (primary premium provider, public RPC fallback), grounded on the
// reconnect/backoff shape of k256-xyz-k256-sdks' WebSocketClient and the
// Client API the teacher's own cmd/wstest harness already assumed.
package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/berkode/priceengine/internal/domain"
)

// Config parameterizes one Multiplexer instance. Endpoints are tried in the
// given order: index 0 is the highest tier.
type Config struct {
	Endpoints            []string
	ConnectTimeout       time.Duration
	PingInterval         time.Duration
	PingTimeout          time.Duration
	ResubscribeTimeout   time.Duration
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay    time.Duration
	OutBufferSize        int
}

// DefaultConfig matches the teacher's wstest defaults, generalized to a
// tiered endpoint list instead of a single URL.
func DefaultConfig(endpoints ...string) Config {
	return Config{
		Endpoints:             endpoints,
		ConnectTimeout:        10 * time.Second,
		PingInterval:          30 * time.Second,
		PingTimeout:           45 * time.Second,
		ResubscribeTimeout:    10 * time.Second,
		ReconnectInitialDelay: time.Second,
		ReconnectMaxDelay:     60 * time.Second,
		OutBufferSize:         4096,
	}
}

// SubscriptionHandle identifies one caller's interest in a (pool, kind)
// stream. Multiple callers may hold a handle to the same underlying remote
// subscription; it is released only when the last one unsubscribes.
type SubscriptionHandle struct {
	Kind domain.SubscriptionKind
	Key  string
}

type subState struct {
	kind       domain.SubscriptionKind
	key        string
	refcount   int
	endpointIx int
	remoteID   uint64
	acked      bool
}

// Multiplexer presents subscribe/unsubscribe/stream over N endpointConns.
// Cross-endpoint coordination is guarded by a single short-critical-section
// mutex; nothing here blocks on socket I/O while holding it.
type Multiplexer struct {
	cfg       Config
	endpoints []*endpointConn
	out       chan RawEvent

	mu   sync.Mutex
	subs map[string]*subState // (kind,key) composite -> state

	cancel context.CancelFunc
	done   chan struct{}
}

func subKey(kind domain.SubscriptionKind, key string) string {
	return fmt.Sprintf("%d:%s", kind, key)
}

// New constructs a Multiplexer. Start must be called before subscribe/stream
// are used.
func New(cfg Config) *Multiplexer {
	out := make(chan RawEvent, cfg.OutBufferSize)
	m := &Multiplexer{
		cfg:  cfg,
		out:  out,
		subs: make(map[string]*subState),
		done: make(chan struct{}),
	}
	for i, url := range cfg.Endpoints {
		m.endpoints = append(m.endpoints, newEndpointConn(url, i, out, cfg.PingInterval, cfg.PingTimeout, cfg.ResubscribeTimeout, cfg.ReconnectInitialDelay, cfg.ReconnectMaxDelay))
	}
	return m
}

// Start launches every endpoint's connect/reconnect loop. Cancelling ctx (or
// calling Cancel) signals all endpoint tasks to drain and close.
func (m *Multiplexer) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	var wg sync.WaitGroup
	for _, ep := range m.endpoints {
		wg.Add(1)
		go func(ep *endpointConn) {
			defer wg.Done()
			ep.run(runCtx, m.cfg.ConnectTimeout)
		}(ep)
	}
	go func() {
		wg.Wait()
		close(m.out)
		close(m.done)
	}()
}

// Cancel signals every endpoint task to drain and close. In-flight events
// already buffered on the output stream are still delivered.
func (m *Multiplexer) Cancel() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Stream returns the lazy, infinite, non-restartable sequence of RawEvents.
// It closes once every endpoint task has drained after Cancel.
func (m *Multiplexer) Stream() <-chan RawEvent {
	return m.out
}

// currentEndpoint returns the highest-tier endpoint currently open, or nil
// if none is.
func (m *Multiplexer) currentEndpoint() *endpointConn {
	for _, ep := range m.endpoints {
		if ep.State() == domain.EndpointOpen {
			return ep
		}
	}
	return nil
}

// Subscribe opens (or joins) a (pool, kind) subscription. Idempotent: a
// second call for the same (pool, kind) only bumps the refcount.
func (m *Multiplexer) Subscribe(ctx context.Context, kind domain.SubscriptionKind, key string) (*SubscriptionHandle, error) {
	composite := subKey(kind, key)

	m.mu.Lock()
	st, exists := m.subs[composite]
	if exists {
		st.refcount++
		m.mu.Unlock()
		return &SubscriptionHandle{Kind: kind, Key: key}, nil
	}
	m.mu.Unlock()

	ep := m.currentEndpoint()
	if ep == nil {
		return nil, fmt.Errorf("websocket: no endpoint currently open")
	}

	remoteID, err := ep.subscribe(ctx, kind, key)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if st, exists = m.subs[composite]; exists {
		// Lost the race with a concurrent Subscribe for the same key; keep
		// the winner's remote subscription and drop ours.
		st.refcount++
		m.mu.Unlock()
		_ = ep.unsubscribe(ctx, kind, remoteID)
		return &SubscriptionHandle{Kind: kind, Key: key}, nil
	}
	m.subs[composite] = &subState{kind: kind, key: key, refcount: 1, endpointIx: ep.tier, remoteID: remoteID, acked: true}
	m.mu.Unlock()

	return &SubscriptionHandle{Kind: kind, Key: key}, nil
}

// Unsubscribe releases one caller's interest. The remote subscription is
// torn down only once the refcount reaches zero.
func (m *Multiplexer) Unsubscribe(ctx context.Context, handle *SubscriptionHandle) error {
	composite := subKey(handle.Kind, handle.Key)

	m.mu.Lock()
	st, ok := m.subs[composite]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	st.refcount--
	if st.refcount > 0 {
		m.mu.Unlock()
		return nil
	}
	delete(m.subs, composite)
	endpointIx := st.endpointIx
	remoteID := st.remoteID
	m.mu.Unlock()

	if endpointIx < 0 || endpointIx >= len(m.endpoints) {
		return nil
	}
	return m.endpoints[endpointIx].unsubscribe(ctx, handle.Kind, remoteID)
}

// Snapshot reports every (kind,key) this Multiplexer currently holds a live
// remote subscription for, for diagnostics and tests.
func (m *Multiplexer) Snapshot() []SubscriptionHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SubscriptionHandle, 0, len(m.subs))
	for _, st := range m.subs {
		out = append(out, SubscriptionHandle{Kind: st.kind, Key: st.key})
	}
	return out
}
