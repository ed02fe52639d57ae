// Package fuser derives a per-mint TokenPrice from the PoolStates the Cache
// holds: a confidence- and liquidity-weighted median across every candidate
// pool, with best-pool tagging and a coalescing fan-out.
package fuser

import (
	"sort"
	"sync"
	"time"

	cosmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"

	"github.com/berkode/priceengine/internal/cache"
	"github.com/berkode/priceengine/internal/domain"
)

// PoolIndex resolves the pools that quote a given mint. The Registry (C7)
// is the concrete implementation in the composition root.
type PoolIndex interface {
	PoolsForMint(mint solana.PublicKey) []domain.Pool
}

// Config parameterizes one Fuser.
type Config struct {
	// AgreementTolerance is the fractional distance from the weighted
	// median a pool's price may be to still qualify as the best pool
	// candidate (default 0.05, i.e. 5%).
	AgreementTolerance float64
	// MinEmitInterval coalesces recomputations for the same mint: within
	// this window only the latest is emitted.
	MinEmitInterval time.Duration
}

func DefaultConfig() Config {
	return Config{AgreementTolerance: 0.05, MinEmitInterval: 200 * time.Millisecond}
}

// SOLUSDSource supplies the long-TTL SOL/USD reference rate the Fuser
// multiplies through to derive price_usd, maintained separately from any
// single pool's price_sol per the fusion algorithm.
type SOLUSDSource interface {
	SOLUSD() (cosmath.LegacyDec, bool)
}

// Fuser owns TokenPrices, recomputed from Cache/PoolIndex on demand.
type Fuser struct {
	cfg    Config
	cache  *cache.Cache
	pools  PoolIndex
	ref    QuoteReference
	solUSD SOLUSDSource

	mu        sync.Mutex
	debouncer map[string]*mintDebounce
}

type mintDebounce struct {
	mu          sync.Mutex
	lastWall    time.Time
	pending     *domain.TokenPrice
	timer       *time.Timer
	subscribers []chan domain.TokenPrice
}

func New(cfg Config, c *cache.Cache, pools PoolIndex, ref QuoteReference, solUSD SOLUSDSource) *Fuser {
	return &Fuser{cfg: cfg, cache: c, pools: pools, ref: ref, solUSD: solUSD, debouncer: make(map[string]*mintDebounce)}
}

type candidate struct {
	poolRef    solana.PublicKey
	priceSOL   cosmath.LegacyDec
	confidence float64
	weight     float64
	slot       uint64
	sourceTier domain.SourceTier
}

// Fuse recomputes the TokenPrice for mint from every candidate pool's
// current cache state. Returns false if no candidate pool currently has a
// usable price.
func (f *Fuser) Fuse(mint solana.PublicKey) (domain.TokenPrice, bool) {
	pools := f.pools.PoolsForMint(mint)
	candidates := make([]candidate, 0, len(pools))
	for _, pool := range pools {
		state, ok := f.cache.Get(pool.Address.String())
		if !ok || !state.Full() {
			continue
		}
		price, ok := rawPriceSOL(state, pool, f.ref)
		if !ok || price.IsNil() || !price.IsPositive() {
			continue
		}
		candidates = append(candidates, candidate{
			poolRef:    pool.Address,
			priceSOL:   price,
			confidence: state.Confidence,
			weight:     liquidityWeight(state, state.Confidence),
			slot:       state.Slot,
			sourceTier: state.SourceTier,
		})
	}
	if len(candidates) == 0 {
		return domain.TokenPrice{}, false
	}

	median := weightedMedian(candidates)
	best := bestPool(candidates, median, f.cfg.AgreementTolerance)

	maxSlot := uint64(0)
	bestTier := candidates[0].sourceTier
	totalConfidence := 0.0
	for _, c := range candidates {
		if c.slot > maxSlot {
			maxSlot = c.slot
		}
		if c.sourceTier < bestTier {
			bestTier = c.sourceTier
		}
		totalConfidence += c.confidence
	}

	tp := domain.TokenPrice{
		MintRef:        mint,
		PriceSOL:       median,
		ComputedAtWall: time.Now(),
		ComputedAtSlot: maxSlot,
		SourceTier:     bestTier,
		Confidence:     totalConfidence / float64(len(candidates)),
	}
	if best != nil {
		tp.BestPoolRef = best.poolRef
	}
	if f.solUSD != nil {
		if solUSD, ok := f.solUSD.SOLUSD(); ok {
			tp.PriceUSD = tp.PriceSOL.Mul(solUSD)
		}
	}
	return tp, true
}

// weightedMedian returns the price at which cumulative weight first reaches
// half the total weight, robust to outlier candidates the way a plain
// average is not.
func weightedMedian(candidates []candidate) cosmath.LegacyDec {
	sorted := make([]candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].priceSOL.LT(sorted[j].priceSOL)
	})

	total := 0.0
	for _, c := range sorted {
		total += c.weight
	}
	if total <= 0 {
		// Degenerate case (every weight is zero): fall back to the
		// unweighted median.
		mid := len(sorted) / 2
		return sorted[mid].priceSOL
	}

	half := total / 2
	cum := 0.0
	for _, c := range sorted {
		cum += c.weight
		if cum >= half {
			return c.priceSOL
		}
	}
	return sorted[len(sorted)-1].priceSOL
}

// bestPool is the highest-weight candidate whose price agrees with the
// median within tolerance.
func bestPool(candidates []candidate, median cosmath.LegacyDec, tolerance float64) *candidate {
	var best *candidate
	tol := cosmath.LegacyNewDecWithPrec(int64(tolerance*1_000_000), 6)
	for i := range candidates {
		c := &candidates[i]
		diff := c.priceSOL.Sub(median).Abs()
		if median.IsPositive() && diff.Quo(median).GT(tol) {
			continue
		}
		if best == nil || c.weight > best.weight {
			best = c
		}
	}
	return best
}

// SubscribePrice returns a channel that receives a recomputed TokenPrice
// each time RecomputeAndEmit(mint) is called, coalesced to at most one
// emission per MinEmitInterval: a burst of recomputations inside the window
// is collapsed to its latest result, delivered once the window elapses.
func (f *Fuser) SubscribePrice(mint solana.PublicKey) (<-chan domain.TokenPrice, func()) {
	ch := make(chan domain.TokenPrice, 16)
	key := mint.String()

	f.mu.Lock()
	d, ok := f.debouncer[key]
	if !ok {
		d = &mintDebounce{}
		f.debouncer[key] = d
	}
	f.mu.Unlock()

	d.mu.Lock()
	d.subscribers = append(d.subscribers, ch)
	d.mu.Unlock()

	unsubscribe := func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, s := range d.subscribers {
			if s == ch {
				d.subscribers = append(d.subscribers[:i], d.subscribers[i+1:]...)
				break
			}
		}
	}
	return ch, unsubscribe
}

// RecomputeAndEmit recomputes mint's price and delivers it to every
// SubscribePrice caller, subject to MinEmitInterval coalescing.
func (f *Fuser) RecomputeAndEmit(mint solana.PublicKey) {
	tp, ok := f.Fuse(mint)
	if !ok {
		return
	}

	key := mint.String()
	f.mu.Lock()
	d, ok := f.debouncer[key]
	if !ok {
		d = &mintDebounce{}
		f.debouncer[key] = d
	}
	f.mu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	since := time.Since(d.lastWall)
	if d.lastWall.IsZero() || since >= f.cfg.MinEmitInterval {
		d.lastWall = time.Now()
		d.emit(tp)
		return
	}

	price := tp
	d.pending = &price
	if d.timer == nil {
		remaining := f.cfg.MinEmitInterval - since
		d.timer = time.AfterFunc(remaining, func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if d.pending != nil {
				d.lastWall = time.Now()
				d.emit(*d.pending)
				d.pending = nil
			}
			d.timer = nil
		})
	}
}

// emit must be called with d.mu held.
func (d *mintDebounce) emit(tp domain.TokenPrice) {
	for _, ch := range d.subscribers {
		select {
		case ch <- tp:
		default:
		}
	}
}
