// Package engine is the composition root's runtime: it owns no novel
// algorithm of its own, only the wiring that turns the WebSocket
// Multiplexer's RawEvent stream into Cache updates and Fuser recomputations,
// and exposes the inbound Registry API (add/remove/get_current_price/
// subscribe_prices) a caller outside the price-discovery core uses.
package engine

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	cosmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"

	"github.com/berkode/priceengine/internal/cache"
	"github.com/berkode/priceengine/internal/domain"
	"github.com/berkode/priceengine/internal/fuser"
	"github.com/berkode/priceengine/internal/oracle"
	"github.com/berkode/priceengine/internal/parser"
	"github.com/berkode/priceengine/internal/registry"
	"github.com/berkode/priceengine/internal/websocket"
)

// Config parameterizes the engine's own behavior (not any one component's).
type Config struct {
	// EvictIdleEvery is how often the Pool State Cache is swept for entries
	// past their idle TTL.
	EvictIdleEvery time.Duration
	// EvictIdleTTL is how old a pool's wall_time must be before eviction.
	EvictIdleTTL time.Duration
	// LowPriorityPollInterval is the cadence the engine drives the Oracle
	// for every low-priority mint in the registry, per the spec's "served
	// via periodic HTTP polling through the Oracle" policy.
	LowPriorityPollInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		EvictIdleEvery:          time.Minute,
		EvictIdleTTL:            10 * time.Minute,
		LowPriorityPollInterval: 30 * time.Second,
	}
}

// Engine wires the Multiplexer's raw event stream through the per-DEX
// Parser dispatch into the Pool State Cache, drives the Fuser's fan-out, and
// serves every inbound call through the Oracle and Registry beneath it.
type Engine struct {
	cfg Config
	mux *websocket.Multiplexer
	cache *cache.Cache
	reg   *registry.Registry
	fuse  *fuser.Fuser
	oracle *oracle.Orchestrator

	counters parser.Counters
	mu       sync.Mutex

	// legs tracks, per pool, the most recently observed balance for each of
	// raydium_v4/pumpswap_amm's two SPL token vault accounts: each
	// account_updates notification for those dex kinds carries only one leg,
	// so a priced delta can only be emitted once both are known. Guarded by
	// mu alongside counters.
	legs map[solana.PublicKey]*legState
}

// legState is the running per-pool combination of the two vault-balance
// streams raydium_v4/pumpswap_amm split their reserves across.
type legState struct {
	baseReserve  cosmath.Int
	quoteReserve cosmath.Int
	slot         uint64
	haveBase     bool
	haveQuote    bool
}

func New(cfg Config, mux *websocket.Multiplexer, c *cache.Cache, reg *registry.Registry, f *fuser.Fuser, o *oracle.Orchestrator) *Engine {
	return &Engine{cfg: cfg, mux: mux, cache: c, reg: reg, fuse: f, oracle: o, legs: make(map[solana.PublicKey]*legState)}
}

// Run starts the Multiplexer, consumes its event stream until ctx is
// cancelled, and drives the background idle-eviction and low-priority
// polling loops. It blocks until every background task has drained.
func (e *Engine) Run(ctx context.Context) {
	e.mux.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); e.consumeEvents() }()
	go func() { defer wg.Done(); e.evictIdleLoop(ctx) }()
	go func() { defer wg.Done(); e.lowPriorityPollLoop(ctx) }()
	wg.Wait()
}

// Shutdown signals the Multiplexer to drain and close; callers still need
// to wait on Run returning to know every background task has stopped.
func (e *Engine) Shutdown() {
	e.mux.Cancel()
}

func (e *Engine) consumeEvents() {
	for ev := range e.mux.Stream() {
		e.handleRawEvent(ev)
	}
}

// handleRawEvent dispatches one notification to its parser family and, on
// an accepted delta, recomputes the affected mints' prices. Per the spec,
// account_updates notifications are already scoped to one pool; program_logs
// notifications carry traffic for every pool under that program, so the
// candidate pools are resolved downstream here rather than by the
// subscription itself.
func (e *Engine) handleRawEvent(ev websocket.RawEvent) {
	if ev.Err != nil {
		e.mu.Lock()
		e.counters.Rejected++
		e.mu.Unlock()
		log.Debug().Err(ev.Err).Str("pool", ev.Pool).Msg("dropped undecodable notification")
		return
	}

	switch ev.Kind {
	case domain.KindAccountUpdates:
		e.handleAccountUpdate(ev)
	case domain.KindProgramLogs:
		e.handleProgramLogs(ev)
	}
}

// handleAccountUpdate resolves an account_updates notification's address
// either to a pool's own account (LegNone) or, for raydium_v4/pumpswap_amm,
// to one of its two SPL token vault accounts (see
// registry.accountSubscriptionKeys) — in which case the parsed delta carries
// only one reserve leg and must be combined with its counterpart before it
// is priced.
func (e *Engine) handleAccountUpdate(ev websocket.RawEvent) {
	addr, err := solana.PublicKeyFromBase58(ev.Pool)
	if err != nil {
		return
	}

	var pool domain.Pool
	var leg domain.Leg
	var ok bool
	if pool, ok = e.reg.PoolByAddress(addr); ok {
		leg = domain.LegNone
	} else if pool, leg, ok = e.reg.PoolByVault(addr); !ok {
		return
	}

	data, err := base64.StdEncoding.DecodeString(ev.AccountB64)
	if err != nil {
		e.mu.Lock()
		e.counters.Rejected++
		e.mu.Unlock()
		return
	}
	p := parser.ForDexKind(pool.DexKind)
	if p == nil {
		return
	}
	delta, err := p.ParseAccount(data, ev.Slot, &pool, leg)
	if err != nil || delta == nil {
		e.mu.Lock()
		if err != nil {
			e.counters.Rejected++
		} else {
			e.counters.NoDelta++
		}
		e.mu.Unlock()
		return
	}
	if delta.Leg != domain.LegNone {
		delta = e.combineVaultLeg(pool.Address, delta)
		if delta == nil {
			return
		}
	}
	e.applyDelta(pool, delta)
}

// combineVaultLeg folds a single-leg vault balance update into the running
// per-pool leg state and returns a full two-leg Delta once both the base and
// quote vault balances are known; nil means only one leg has been observed
// so far and there is nothing yet to price.
func (e *Engine) combineVaultLeg(poolAddr solana.PublicKey, d *parser.Delta) *parser.Delta {
	e.mu.Lock()
	defer e.mu.Unlock()
	ls, ok := e.legs[poolAddr]
	if !ok {
		ls = &legState{}
		e.legs[poolAddr] = ls
	}
	switch d.Leg {
	case domain.LegBase:
		ls.baseReserve, ls.haveBase = d.BaseReserve, true
	case domain.LegQuote:
		ls.quoteReserve, ls.haveQuote = d.QuoteReserve, true
	}
	if d.Slot > ls.slot {
		ls.slot = d.Slot
	}
	if !ls.haveBase || !ls.haveQuote {
		return nil
	}
	return &parser.Delta{
		BaseReserve:  ls.baseReserve,
		QuoteReserve: ls.quoteReserve,
		Slot:         ls.slot,
		SourceTier:   d.SourceTier,
		Confidence:   d.Confidence,
	}
}

func (e *Engine) handleProgramLogs(ev websocket.RawEvent) {
	if len(ev.Logs) == 0 {
		return
	}
	for _, pool := range e.reg.PoolsForProgram(ev.Pool) {
		p := parser.ForDexKind(pool.DexKind)
		if p == nil {
			continue
		}
		deltas, err := p.ParseLogs(ev.Logs, ev.Signature, ev.Slot, &pool)
		if err != nil {
			e.mu.Lock()
			e.counters.Rejected++
			e.mu.Unlock()
			continue
		}
		for _, d := range deltas {
			e.applyDelta(pool, d)
		}
	}
}

func (e *Engine) applyDelta(pool domain.Pool, d *parser.Delta) {
	state := domain.PoolState{
		PoolRef:      pool.Address,
		BaseReserve:  d.BaseReserve,
		QuoteReserve: d.QuoteReserve,
		SqrtPriceQ64: d.SqrtPriceQ64,
		Slot:         d.Slot,
		WallTime:     time.Now(),
		SourceSig:    d.SourceSig,
		SourceTier:   d.SourceTier,
		Confidence:   d.Confidence,
		Partial:      d.Partial,
	}
	if !e.cache.ApplyDelta(pool.Address.String(), state) {
		return
	}
	e.mu.Lock()
	e.counters.Parsed++
	e.mu.Unlock()

	// A pool is registered under both legs it quotes; recompute both so a
	// subscriber on either mint sees the update.
	e.fuse.RecomputeAndEmit(pool.BaseMint)
	e.fuse.RecomputeAndEmit(pool.QuoteMint)
}

func (e *Engine) evictIdleLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.EvictIdleEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n := e.cache.EvictIdle(now, e.cfg.EvictIdleTTL)
			if n > 0 {
				log.Debug().Int("evicted", n).Msg("evicted idle pool states")
			}
		}
	}
}

// lowPriorityPollLoop drives the Oracle for every low-priority mint
// currently tracked by the registry, since those mints have no WebSocket
// subscription and are only ever refreshed by a caller or this loop.
func (e *Engine) lowPriorityPollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.LowPriorityPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sub := range e.reg.Snapshot() {
				if sub.Priority != domain.PriorityLow {
					continue
				}
				_, _ = e.oracle.GetPrice(ctx, sub.Mint, e.cfg.LowPriorityPollInterval*2, 0)
			}
		}
	}
}

// AddTokenForMonitoring implements the inbound add_token_for_monitoring call.
func (e *Engine) AddTokenForMonitoring(ctx context.Context, mint solana.PublicKey, pool domain.Pool, priority domain.Priority) error {
	return e.reg.Add(ctx, mint, pool, priority)
}

// RemoveTokenFromMonitoring implements remove_token_from_monitoring.
func (e *Engine) RemoveTokenFromMonitoring(ctx context.Context, mint solana.PublicKey) error {
	e.oracle.StopWatching(mint)
	return e.reg.Remove(ctx, mint)
}

// GetCurrentPrice implements get_current_price(mint, max_age, min_confidence).
func (e *Engine) GetCurrentPrice(ctx context.Context, mint solana.PublicKey, maxAge time.Duration, minConfidence float64) (domain.TokenPrice, error) {
	return e.oracle.GetPrice(ctx, mint, maxAge, minConfidence)
}

// SubscribePrices implements subscribe_prices(mints): one fanned-in stream
// across every requested mint's Oracle-backed price stream. The returned
// cancel func tears down every underlying per-mint subscription.
func (e *Engine) SubscribePrices(mints []solana.PublicKey) (<-chan domain.TokenPrice, func()) {
	out := make(chan domain.TokenPrice, 64)
	var wg sync.WaitGroup
	unsubs := make([]func(), 0, len(mints))
	stop := make(chan struct{})

	for _, mint := range mints {
		ch, unsub := e.oracle.GetPriceStream(mint)
		unsubs = append(unsubs, unsub)
		wg.Add(1)
		go func(ch <-chan domain.TokenPrice) {
			defer wg.Done()
			for {
				select {
				case tp, ok := <-ch:
					if !ok {
						return
					}
					select {
					case out <- tp:
					case <-stop:
						return
					}
				case <-stop:
					return
				}
			}
		}(ch)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	cancel := func() {
		close(stop)
		for _, unsub := range unsubs {
			unsub()
		}
	}
	return out, cancel
}

// Counters reports the parser pipeline's observability counters.
func (e *Engine) Counters() parser.Counters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters
}
