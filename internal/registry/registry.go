// Package registry implements the Subscription Registry (C7): the active
// (mint, pool, dex_kind) working set, the concrete fuser.PoolIndex and
// oracle.DecimalsLookup implementations, and the component that turns a
// caller's add/remove/promote/demote calls into Multiplexer subscriptions.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"

	"github.com/berkode/priceengine/internal/domain"
	"github.com/berkode/priceengine/internal/websocket"
)

// programID is the on-chain program a dex_kind's account/log subscriptions
// are addressed to. Each dex kind has its own program: PumpFun bonding
// curves and PumpSwap AMM pools are separate programs, as are Raydium v4 and
// CLMM.
func programID(kind domain.DexKind) string {
	switch kind {
	case domain.DexRaydiumV4:
		return "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"
	case domain.DexRaydiumCLMM:
		return "CAMMCzo5YL8w4VFF8KVHrK22GGUsp5VTaW7grrKgrWqK"
	case domain.DexPumpswapAMM:
		return "pAMMBay6oceH9fJKBRHGP5D4bD4sWpmSwMn52FMfXEA"
	case domain.DexPumpfunBonding:
		return "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"
	default:
		return ""
	}
}

// Multiplexer is the subset of websocket.Multiplexer the Registry drives.
type Multiplexer interface {
	Subscribe(ctx context.Context, kind domain.SubscriptionKind, key string) (*websocket.SubscriptionHandle, error)
	Unsubscribe(ctx context.Context, handle *websocket.SubscriptionHandle) error
}

// PoolStore is the warm-load/persist contract the Registry uses against the
// pool metadata catalog.
type PoolStore interface {
	LoadAllPools() ([]domain.Pool, error)
	InsertPoolIfAbsent(pool domain.Pool) error
}

// Config parameterizes one Registry.
type Config struct {
	// MaxHighPriority caps the number of distinct mints the Registry will
	// hold at PriorityHigh simultaneously.
	MaxHighPriority int
	// DemoteOnFull, when true, makes add(mint, high) succeed past the cap
	// by demoting the least-recently-active high-priority mint to low
	// instead of failing with domain.ErrBusy.
	DemoteOnFull bool
}

func DefaultConfig() Config {
	return Config{MaxHighPriority: 64, DemoteOnFull: true}
}

type mintEntry struct {
	mint       solana.PublicKey
	pools      map[solana.PublicKey]domain.Pool
	priority   domain.Priority
	refcount   int
	lastActive time.Time
	subHandles []*websocket.SubscriptionHandle
}

// Registry is the Subscription Registry: the active (mint, pool, dex_kind)
// working set, guarded by a short-critical-section lock.
type Registry struct {
	cfg Config
	mux Multiplexer
	db  PoolStore

	mu      sync.Mutex
	entries map[solana.PublicKey]*mintEntry
}

// New constructs a Registry and warm-loads every previously observed pool
// from db at PriorityLow (no remote subscription is opened on warm-load;
// a caller must promote a mint to high priority explicitly).
func New(cfg Config, mux Multiplexer, db PoolStore) (*Registry, error) {
	r := &Registry{
		cfg:     cfg,
		mux:     mux,
		db:      db,
		entries: make(map[solana.PublicKey]*mintEntry),
	}
	pools, err := db.LoadAllPools()
	if err != nil {
		return nil, err
	}
	for _, p := range pools {
		r.warmLoadPool(p)
	}
	log.Info().Int("pools", len(pools)).Msg("subscription registry warm-loaded pool catalog")
	return r, nil
}

func (r *Registry) warmLoadPool(p domain.Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, mint := range []solana.PublicKey{p.BaseMint, p.QuoteMint} {
		e, ok := r.entries[mint]
		if !ok {
			e = &mintEntry{mint: mint, pools: make(map[solana.PublicKey]domain.Pool), priority: domain.PriorityLow}
			r.entries[mint] = e
		}
		e.pools[p.Address] = p
	}
}

// highPriorityCount reports the number of mints currently at PriorityHigh.
// Callers must hold r.mu.
func (r *Registry) highPriorityCount() int {
	n := 0
	for _, e := range r.entries {
		if e.priority == domain.PriorityHigh && e.refcount > 0 {
			n++
		}
	}
	return n
}

// leastRecentlyActiveHighPriority returns the high-priority mint with the
// oldest lastActive timestamp, excluding except. Callers must hold r.mu.
func (r *Registry) leastRecentlyActiveHighPriority(except solana.PublicKey) (solana.PublicKey, bool) {
	var oldest solana.PublicKey
	var oldestAt time.Time
	found := false
	for mint, e := range r.entries {
		if e.priority != domain.PriorityHigh || e.refcount == 0 || mint == except {
			continue
		}
		if !found || e.lastActive.Before(oldestAt) {
			oldest, oldestAt, found = mint, e.lastActive, true
		}
	}
	return oldest, found
}

// Add implements add(mint, pool, dex_kind, priority): idempotent for a
// repeated (mint, pool) pair, refcount-aware so the same mint can be added
// by multiple independent callers. Re-entry under the same mint with a
// different pool folds the new pool into the existing logical mint entry
// rather than creating a second one.
func (r *Registry) Add(ctx context.Context, mint solana.PublicKey, pool domain.Pool, priority domain.Priority) error {
	r.mu.Lock()
	e, ok := r.entries[mint]
	if !ok {
		e = &mintEntry{mint: mint, pools: make(map[solana.PublicKey]domain.Pool)}
		r.entries[mint] = e
	}
	_, alreadyKnownPool := e.pools[pool.Address]
	e.pools[pool.Address] = pool
	e.refcount++
	e.lastActive = time.Now()
	priorPriority := e.priority
	wantHigh := priority == domain.PriorityHigh

	if wantHigh && priorPriority != domain.PriorityHigh && r.highPriorityCount() >= r.cfg.MaxHighPriority {
		if !r.cfg.DemoteOnFull {
			e.refcount--
			if !alreadyKnownPool {
				delete(e.pools, pool.Address)
			}
			if e.refcount == 0 && len(e.pools) == 0 {
				delete(r.entries, mint)
			}
			r.mu.Unlock()
			return domain.ErrBusy
		}
		if victim, found := r.leastRecentlyActiveHighPriority(mint); found {
			r.demoteLocked(ctx, victim)
		}
	}
	e.priority = priority
	r.mu.Unlock()

	if err := r.db.InsertPoolIfAbsent(pool); err != nil {
		log.Warn().Err(err).Str("pool", pool.Address.String()).Msg("failed to persist pool to catalog")
	}

	if priority == domain.PriorityHigh && priorPriority != domain.PriorityHigh {
		return r.openHighPrioritySubs(ctx, mint)
	}
	if priority == domain.PriorityHigh && !alreadyKnownPool {
		return r.openPoolSubs(ctx, pool)
	}
	return nil
}

func (r *Registry) openHighPrioritySubs(ctx context.Context, mint solana.PublicKey) error {
	r.mu.Lock()
	e, ok := r.entries[mint]
	var pools []domain.Pool
	if ok {
		for _, p := range e.pools {
			pools = append(pools, p)
		}
	}
	r.mu.Unlock()
	for _, p := range pools {
		if err := r.openPoolSubs(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// accountSubscriptionKeys returns the account_updates subscription keys for
// pool: raydium_v4 and pumpswap_amm carry their reserves in two separate SPL
// token vault accounts rather than the pool's own account (see
// parser.RaydiumV4Parser/parser.PumpswapAMMParser), so those dex kinds
// subscribe to BaseVault/QuoteVault instead of pool.Address; every other dex
// kind subscribes to the pool account directly.
func accountSubscriptionKeys(pool domain.Pool) []string {
	switch pool.DexKind {
	case domain.DexRaydiumV4, domain.DexPumpswapAMM:
		var zero solana.PublicKey
		if pool.BaseVault != zero && pool.QuoteVault != zero {
			return []string{pool.BaseVault.String(), pool.QuoteVault.String()}
		}
		// Vault addresses not yet known: fall back to the pool account so
		// traffic isn't silently dropped, even though the parser will reject
		// it (no vault leg to attribute the bytes to).
		return []string{pool.Address.String()}
	default:
		return []string{pool.Address.String()}
	}
}

func (r *Registry) openPoolSubs(ctx context.Context, pool domain.Pool) error {
	handles := make([]*websocket.SubscriptionHandle, 0, 3)

	for _, key := range accountSubscriptionKeys(pool) {
		h, err := r.mux.Subscribe(ctx, domain.KindAccountUpdates, key)
		if err != nil {
			return err
		}
		handles = append(handles, h)
	}
	if pid := programID(pool.DexKind); pid != "" {
		h, err := r.mux.Subscribe(ctx, domain.KindProgramLogs, pid)
		if err != nil {
			return err
		}
		handles = append(handles, h)
	}

	r.mu.Lock()
	for _, e := range r.entries {
		if _, has := e.pools[pool.Address]; has {
			e.subHandles = append(e.subHandles, handles...)
		}
	}
	r.mu.Unlock()
	return nil
}

// Remove implements remove(mint): refcount-aware, unsubscribing only once
// every caller that previously added mint has released it.
func (r *Registry) Remove(ctx context.Context, mint solana.PublicKey) error {
	r.mu.Lock()
	e, ok := r.entries[mint]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	e.refcount--
	if e.refcount > 0 {
		r.mu.Unlock()
		return nil
	}
	handles := e.subHandles
	delete(r.entries, mint)
	r.mu.Unlock()

	for _, h := range handles {
		if err := r.mux.Unsubscribe(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

// Promote implements promote(mint, priority): raising a low-priority mint to
// high opens its remote subscriptions; promoting an already-high mint is a
// no-op.
func (r *Registry) Promote(ctx context.Context, mint solana.PublicKey) error {
	r.mu.Lock()
	e, ok := r.entries[mint]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if e.priority == domain.PriorityHigh {
		r.mu.Unlock()
		return nil
	}
	if r.highPriorityCount() >= r.cfg.MaxHighPriority {
		if !r.cfg.DemoteOnFull {
			r.mu.Unlock()
			return domain.ErrBusy
		}
		if victim, found := r.leastRecentlyActiveHighPriority(mint); found {
			r.demoteLocked(ctx, victim)
		}
	}
	e.priority = domain.PriorityHigh
	r.mu.Unlock()
	return r.openHighPrioritySubs(ctx, mint)
}

// Demote implements demote(mint, priority): lowering a high-priority mint
// to low tears down its remote subscriptions; the mint remains tracked and
// continues to be served via the Oracle's HTTP fallback tiers.
func (r *Registry) Demote(ctx context.Context, mint solana.PublicKey) error {
	r.mu.Lock()
	r.demoteLocked(ctx, mint)
	r.mu.Unlock()
	return nil
}

// demoteLocked performs the priority flip and schedules the subscription
// teardown; callers must hold r.mu. The actual Unsubscribe calls happen
// outside the lock via a captured handle list to keep the critical section
// free of socket I/O.
func (r *Registry) demoteLocked(ctx context.Context, mint solana.PublicKey) bool {
	e, ok := r.entries[mint]
	if !ok || e.priority != domain.PriorityHigh {
		return false
	}
	handles := e.subHandles
	e.subHandles = nil
	e.priority = domain.PriorityLow
	go func() {
		for _, h := range handles {
			if err := r.mux.Unsubscribe(ctx, h); err != nil {
				log.Warn().Err(err).Str("mint", mint.String()).Msg("failed to unsubscribe on demote")
			}
		}
	}()
	return true
}

// Snapshot implements snapshot(): the set of (mint, pool, dex_kind,
// priority) entries currently tracked, one domain.Subscription per
// (mint, pool) pair.
func (r *Registry) Snapshot() []domain.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Subscription, 0, len(r.entries))
	for mint, e := range r.entries {
		for poolAddr, p := range e.pools {
			out = append(out, domain.Subscription{
				Mint:     mint,
				Pool:     poolAddr,
				DexKind:  p.DexKind,
				Priority: e.priority,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Mint != out[j].Mint {
			return out[i].Mint.String() < out[j].Mint.String()
		}
		return out[i].Pool.String() < out[j].Pool.String()
	})
	return out
}

// PoolsForMint implements fuser.PoolIndex.
func (r *Registry) PoolsForMint(mint solana.PublicKey) []domain.Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[mint]
	if !ok {
		return nil
	}
	pools := make([]domain.Pool, 0, len(e.pools))
	for _, p := range e.pools {
		pools = append(pools, p)
	}
	return pools
}

// PoolByAddress finds a tracked pool's full metadata by its address,
// scanning the mint index (a pool is recorded under both its base and quote
// mint entries, so any one hit is sufficient). Used by the composition
// root's event pipeline to resolve an account_updates notification's pool
// address to the dex_kind its parser is selected by.
func (r *Registry) PoolByAddress(addr solana.PublicKey) (domain.Pool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if p, ok := e.pools[addr]; ok {
			return p, true
		}
	}
	return domain.Pool{}, false
}

// PoolByVault finds a tracked pool by one of its two SPL token vault
// addresses (raydium_v4/pumpswap_amm only — other dex kinds leave BaseVault/
// QuoteVault at the zero PublicKey and are never found here), reporting
// which leg vaultAddr is. Used by the composition root's event pipeline when
// an account_updates notification's address doesn't match any pool's own
// account — see accountSubscriptionKeys.
func (r *Registry) PoolByVault(vaultAddr solana.PublicKey) (domain.Pool, domain.Leg, bool) {
	var zero solana.PublicKey
	if vaultAddr == zero {
		return domain.Pool{}, domain.LegNone, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		for _, p := range e.pools {
			if p.BaseVault == vaultAddr {
				return p, domain.LegBase, true
			}
			if p.QuoteVault == vaultAddr {
				return p, domain.LegQuote, true
			}
		}
	}
	return domain.Pool{}, domain.LegNone, false
}

// PoolsForProgram returns every tracked pool whose dex_kind's on-chain
// program matches programID. A program_logs notification carries traffic
// for every pool under that program, so the composition root's pipeline
// uses this to enumerate the candidates a log line might belong to before
// handing it to each candidate's parser in turn.
func (r *Registry) PoolsForProgram(programIDStr string) []domain.Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[solana.PublicKey]bool)
	var out []domain.Pool
	for _, e := range r.entries {
		for addr, p := range e.pools {
			if seen[addr] {
				continue
			}
			if programID(p.DexKind) == programIDStr {
				seen[addr] = true
				out = append(out, p)
			}
		}
	}
	return out
}

// MintDecimals implements oracle.DecimalsLookup: the declared decimals for
// mint, taken from whichever tracked pool quotes it on either leg.
func (r *Registry) MintDecimals(mint solana.PublicKey) (uint8, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[mint]
	if !ok {
		return 0, false
	}
	for _, p := range e.pools {
		if p.BaseMint == mint && p.BaseDecimals != 0 {
			return p.BaseDecimals, true
		}
		if p.QuoteMint == mint && p.QuoteDecimals != 0 {
			return p.QuoteDecimals, true
		}
	}
	return 0, false
}
