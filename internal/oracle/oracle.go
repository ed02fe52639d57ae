// Package oracle implements the Oracle/Fallback Orchestrator (C6): a
// unified get_price/get_price_stream API over the Fuser's live stream and
// the HTTP Price Adapters, attempted in tier order with per-tier EMA
// health tracking and skip_duration fail-open behavior.
package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"

	"github.com/berkode/priceengine/internal/domain"
	"github.com/berkode/priceengine/internal/health"
)

// FuserSource is the subset of Fuser the Orchestrator depends on: a
// coalescing price stream it can subscribe to, keeping the latest emission
// as both the "live" and "stale" tiers' source of truth.
type FuserSource interface {
	SubscribePrice(mint solana.PublicKey) (<-chan domain.TokenPrice, func())
}

// QuoteSource is the Aggregator Quote Adapter's contract, parameterized by
// the mint's decimals (known to the caller from the Subscription
// Registry's Pool metadata — the Orchestrator does not look it up itself).
type QuoteSource interface {
	Quote(ctx context.Context, mint solana.PublicKey, mintDecimals uint8) (*domain.TokenPrice, error)
}

// PairSource is the Pair Metadata Adapter's contract.
type PairSource interface {
	Quote(ctx context.Context, mint solana.PublicKey) (*domain.TokenPrice, error)
}

// DecimalsLookup resolves a mint's declared decimals, needed to call
// QuoteSource. The Subscription Registry is the concrete implementation.
type DecimalsLookup interface {
	MintDecimals(mint solana.PublicKey) (uint8, bool)
}

// Config parameterizes one Orchestrator.
type Config struct {
	MinStreamConfidence float64
	MinHealth           float64
	SkipDuration        time.Duration
	HealthEMAAlpha      float64
}

func DefaultConfig() Config {
	return Config{
		MinStreamConfidence: 0.6,
		MinHealth:           0.5,
		SkipDuration:        30 * time.Second,
		HealthEMAAlpha:      0.3,
	}
}

// tier names the four source tiers in evaluation order, for health tracking
// and logging.
type tier int

const (
	tierFuserLive tier = iota
	tierAggregatorQuote
	tierPairMetadata
	tierFuserStale
)

func (t tier) String() string {
	switch t {
	case tierFuserLive:
		return "fuser_live"
	case tierAggregatorQuote:
		return "aggregator_quote"
	case tierPairMetadata:
		return "pair_metadata"
	case tierFuserStale:
		return "fuser_stale"
	default:
		return "unknown"
	}
}

// Orchestrator is the Oracle: the single entry point callers use to read a
// price, regardless of which underlying source is currently healthy.
type Orchestrator struct {
	cfg      Config
	fuser    FuserSource
	quote    QuoteSource
	pair     PairSource
	decimals DecimalsLookup

	health map[tier]*health.Tracker

	mu        sync.Mutex
	lastKnown map[string]domain.TokenPrice
	unsubs    map[string]func()
}

func New(cfg Config, fuser FuserSource, quote QuoteSource, pair PairSource, decimals DecimalsLookup) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		fuser:    fuser,
		quote:    quote,
		pair:     pair,
		decimals: decimals,
		health: map[tier]*health.Tracker{
			tierFuserLive:       health.NewTracker(cfg.HealthEMAAlpha, cfg.MinHealth, cfg.SkipDuration),
			tierAggregatorQuote: health.NewTracker(cfg.HealthEMAAlpha, cfg.MinHealth, cfg.SkipDuration),
			tierPairMetadata:    health.NewTracker(cfg.HealthEMAAlpha, cfg.MinHealth, cfg.SkipDuration),
		},
		lastKnown: make(map[string]domain.TokenPrice),
		unsubs:    make(map[string]func()),
	}
	return o
}

// watch ensures mint has a background subscription to the Fuser feeding
// lastKnown, lazily started on first use so the Orchestrator never
// subscribes to a mint nobody has ever asked about.
func (o *Orchestrator) watch(mint solana.PublicKey) {
	key := mint.String()
	o.mu.Lock()
	if _, ok := o.unsubs[key]; ok {
		o.mu.Unlock()
		return
	}
	ch, unsubscribe := o.fuser.SubscribePrice(mint)
	o.unsubs[key] = unsubscribe
	o.mu.Unlock()

	go func() {
		for tp := range ch {
			o.mu.Lock()
			o.lastKnown[key] = tp
			o.mu.Unlock()
		}
	}()
}

// StopWatching tears down mint's background Fuser subscription; callers
// that no longer need a mint should release it to avoid an unbounded
// subscription set.
func (o *Orchestrator) StopWatching(mint solana.PublicKey) {
	key := mint.String()
	o.mu.Lock()
	unsubscribe, ok := o.unsubs[key]
	if ok {
		delete(o.unsubs, key)
	}
	o.mu.Unlock()
	if ok {
		unsubscribe()
	}
}

// GetPrice implements get_price(mint, max_age) → TokenPrice, cascading
// through the tier order and short-circuiting on the first source that
// meets the caller's max_age/min_confidence.
func (o *Orchestrator) GetPrice(ctx context.Context, mint solana.PublicKey, maxAge time.Duration, minConfidence float64) (domain.TokenPrice, error) {
	o.watch(mint)
	key := mint.String()

	if tp, ok := o.liveFuserPrice(key, maxAge, minConfidence); ok {
		return tp, nil
	}

	if !o.health[tierAggregatorQuote].ShouldSkip() || o.allHigherTiersFailed(tierAggregatorQuote) {
		if decimals, ok := o.decimals.MintDecimals(mint); ok {
			tp, err := o.quote.Quote(ctx, mint, decimals)
			if err == nil && tp != nil && tp.Confidence >= minConfidence {
				o.health[tierAggregatorQuote].RecordSuccess()
				return *tp, nil
			}
			o.health[tierAggregatorQuote].RecordFailure()
			if err != nil {
				log.Debug().Err(err).Str("mint", key).Msg("aggregator quote adapter failed")
			}
		}
	}

	if !o.health[tierPairMetadata].ShouldSkip() || o.allHigherTiersFailed(tierPairMetadata) {
		tp, err := o.pair.Quote(ctx, mint)
		if err == nil && tp != nil && tp.Confidence >= minConfidence {
			o.health[tierPairMetadata].RecordSuccess()
			return *tp, nil
		}
		o.health[tierPairMetadata].RecordFailure()
		if err != nil {
			log.Debug().Err(err).Str("mint", key).Msg("pair metadata adapter failed")
		}
	}

	if tp, ok := o.staleFuserPrice(key); ok {
		return tp, nil
	}

	return domain.TokenPrice{}, domain.ErrNotAvailable
}

// liveFuserPrice returns the last-known Fuser emission if it satisfies
// max_age and min_confidence, counting the outcome against the fuser_live
// tier's health score.
func (o *Orchestrator) liveFuserPrice(key string, maxAge time.Duration, minConfidence float64) (domain.TokenPrice, bool) {
	o.mu.Lock()
	tp, ok := o.lastKnown[key]
	o.mu.Unlock()
	if !ok {
		return domain.TokenPrice{}, false
	}
	age := time.Since(tp.ComputedAtWall)
	if age <= maxAge && tp.Confidence >= minConfidence && tp.Confidence >= o.cfg.MinStreamConfidence {
		o.health[tierFuserLive].RecordSuccess()
		return tp, true
	}
	o.health[tierFuserLive].RecordFailure()
	return domain.TokenPrice{}, false
}

// staleFuserPrice is the final fallback tier: the last known Fuser value
// regardless of age, confidence halved, tagged stale_stream.
func (o *Orchestrator) staleFuserPrice(key string) (domain.TokenPrice, bool) {
	o.mu.Lock()
	tp, ok := o.lastKnown[key]
	o.mu.Unlock()
	if !ok {
		return domain.TokenPrice{}, false
	}
	tp.SourceTier = domain.SourceStaleStream
	tp.Confidence /= 2
	return tp, true
}

// allHigherTiersFailed reports whether every tier before t currently has a
// ShouldSkip tracker, so a skipped tier is still tried when nothing above
// it is healthy either — failing open rather than returning NotAvailable
// while a lower tier might still answer.
func (o *Orchestrator) allHigherTiersFailed(t tier) bool {
	for higher := tierFuserLive; higher < t; higher++ {
		tr, ok := o.health[higher]
		if !ok {
			continue
		}
		if !tr.ShouldSkip() {
			return false
		}
	}
	return true
}

// GetPriceStream implements get_price_stream(mint): an infinite,
// non-restartable sequence of TokenPrice, coalesced per mint (drop-oldest
// on a lagging consumer) exactly as the Fuser's own SubscribePrice already
// behaves, so the Orchestrator passes it straight through.
func (o *Orchestrator) GetPriceStream(mint solana.PublicKey) (<-chan domain.TokenPrice, func()) {
	o.watch(mint)
	return o.fuser.SubscribePrice(mint)
}
