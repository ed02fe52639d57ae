// Package cache holds the latest parsed PoolState per pool, versioned by
// slot. One writer per pool is expected (the parser pipeline is serialized
// per pool upstream); readers take a snapshot copy to avoid tearing
// compound fields, matching the teacher's read-mostly map-plus-mutex style
// (e.g. internal/storage.DB).
package cache

import (
	"sync"
	"time"

	"github.com/berkode/priceengine/internal/domain"
)

type entry struct {
	state domain.PoolState
	subs  map[int]chan domain.PoolState
	nextSubID int
}

// Cache owns PoolStates for every pool currently in the registry.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Cache {
	return &Cache{entries: make(map[string]*entry)}
}

func isAccountDerived(tier domain.SourceTier) bool {
	return tier == domain.SourceStreamAccount
}

// ApplyDelta applies delta to pool's state if it passes the slot/tier
// acceptance rule, returning whether it was accepted. A rejected delta is
// silently dropped, per the cache's invariants — callers that want to know
// why should inspect the returned bool, not treat rejection as an error.
func (c *Cache) ApplyDelta(pool string, delta domain.PoolState) bool {
	c.mu.Lock()
	e, exists := c.entries[pool]
	if !exists {
		e = &entry{subs: make(map[int]chan domain.PoolState)}
		c.entries[pool] = e
	}

	if !isValidDelta(delta) {
		c.mu.Unlock()
		return false
	}

	accept := shouldAccept(e.state, delta, exists)
	if !accept {
		c.mu.Unlock()
		return false
	}

	e.state = delta
	subs := make([]chan domain.PoolState, 0, len(e.subs))
	for _, ch := range e.subs {
		subs = append(subs, ch)
	}
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- delta:
		default:
			// Non-blocking fan-out: a slow subscriber misses an intermediate
			// state rather than stalling the writer.
		}
	}
	return true
}

// isValidDelta enforces the positive-reserves invariant for full AMM
// states. CLMM deltas carry sqrt_price_q64 instead of reserves and skip it;
// partial (swap-direction-only) deltas carry swap leg amounts, which the
// parser has already bounds-checked.
func isValidDelta(delta domain.PoolState) bool {
	if delta.SqrtPriceQ64 != nil {
		return true
	}
	if delta.BaseReserve.IsNil() || delta.QuoteReserve.IsNil() {
		return false
	}
	return delta.BaseReserve.IsPositive() && delta.QuoteReserve.IsPositive()
}

// shouldAccept implements the slot-monotonicity rule: strictly newer slots
// always win; same-slot ties are broken by source tier (account beats log)
// then by confidence; a partial delta never overwrites a full state.
func shouldAccept(current domain.PoolState, delta domain.PoolState, currentExists bool) bool {
	if !currentExists {
		return true
	}
	switch {
	case delta.Slot > current.Slot:
		// still falls through to the partial-vs-full guard below
	case delta.Slot < current.Slot:
		return false
	default: // same slot
		switch {
		case isAccountDerived(delta.SourceTier) && !isAccountDerived(current.SourceTier):
			// account supersedes a same-slot log inference
		case isAccountDerived(delta.SourceTier) == isAccountDerived(current.SourceTier):
			if delta.Confidence < current.Confidence {
				return false
			}
		default:
			// log-derived delta can never unseat a same-slot account state
			return false
		}
	}

	if delta.Partial && current.Full() {
		return false
	}
	return true
}

// Get returns a snapshot of the pool's latest state, if any.
func (c *Cache) Get(pool string) (domain.PoolState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[pool]
	if !ok {
		return domain.PoolState{}, false
	}
	return e.state, true
}

// SubscribeChanges returns a channel that receives every accepted delta for
// pool from this point on, and an unsubscribe func to release it.
func (c *Cache) SubscribeChanges(pool string) (<-chan domain.PoolState, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[pool]
	if !ok {
		e = &entry{subs: make(map[int]chan domain.PoolState)}
		c.entries[pool] = e
	}
	id := e.nextSubID
	e.nextSubID++
	ch := make(chan domain.PoolState, 16)
	e.subs[id] = ch

	unsubscribe := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if cur, ok := c.entries[pool]; ok {
			delete(cur.subs, id)
		}
	}
	return ch, unsubscribe
}

// EvictIdle removes every pool whose latest state is older than ttl.
func (c *Cache) EvictIdle(now time.Time, ttl time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for pool, e := range c.entries {
		if now.Sub(e.state.WallTime) > ttl {
			delete(c.entries, pool)
			removed++
		}
	}
	return removed
}
