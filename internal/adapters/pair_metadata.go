// Package adapters holds the remaining two HTTP Price Adapters (C5): the
// Pair Metadata Adapter and the Reference SOL Price Adapter. Both share
// internal/httpadapter's client pool, rate limiter, circuit breaker and
// response cache the same way internal/jupiter's Aggregator Quote Adapter
// does.
package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	cosmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"

	"github.com/berkode/priceengine/internal/domain"
	"github.com/berkode/priceengine/internal/httpadapter"
)

// PairMetadataConfig parameterizes the Pair Metadata Adapter.
type PairMetadataConfig struct {
	BaseURL       string // e.g. https://api.dexscreener.com/latest/dex/tokens
	MinLiquidityUSD float64
	MinPoolAge      time.Duration
	Infra           httpadapter.Config
}

func DefaultPairMetadataConfig() PairMetadataConfig {
	return PairMetadataConfig{
		BaseURL:         "https://api.dexscreener.com/latest/dex/tokens",
		MinLiquidityUSD: 10_000.0,
		MinPoolAge:      24 * time.Hour,
		Infra: httpadapter.Config{
			PoolSize: 2, Timeout: 5 * time.Second, RatePerSec: 3, MaxConcurrent: 4,
			MaxRetries: 3, CBFailureThreshold: 5, CBResetInterval: 30 * time.Second,
			CacheTTL: 15 * time.Second,
		},
	}
}

// PairMetadataAdapter is the Pair Metadata Adapter: queries a Dexscreener-
// shaped pair-metadata API and returns a TokenPrice carrying the chosen
// pair's SOL and USD price, with a declared decimals convention
// (Dexscreener already reports human-scale decimal prices, unlike the
// raw-unit quote endpoint the Aggregator Quote Adapter reads). Pair
// liquidity is used only to validate and pick the pair and is not
// returned; volume is not read.
type PairMetadataAdapter struct {
	cfg   PairMetadataConfig
	infra *httpadapter.Infra
	cache *httpadapter.Cache[domain.TokenPrice]
}

func NewPairMetadataAdapter(cfg PairMetadataConfig) *PairMetadataAdapter {
	return &PairMetadataAdapter{
		cfg:   cfg,
		infra: httpadapter.NewInfra(cfg.Infra),
		cache: httpadapter.NewCache[domain.TokenPrice](cfg.Infra.CacheTTL),
	}
}

type dexscreenerToken struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
}

type dexscreenerLiquidity struct {
	USD   float64 `json:"usd"`
	Base  float64 `json:"base"`
	Quote float64 `json:"quote"`
}

type dexscreenerPair struct {
	ChainID       string               `json:"chainId"`
	DexID         string               `json:"dexId"`
	PairAddress   string               `json:"pairAddress"`
	BaseToken     dexscreenerToken     `json:"baseToken"`
	QuoteToken    dexscreenerToken     `json:"quoteToken"`
	PriceNative   string               `json:"priceNative"`
	PriceUsd      string               `json:"priceUsd"`
	Liquidity     dexscreenerLiquidity `json:"liquidity"`
	PairCreatedAt int64                `json:"pairCreatedAt"` // unix millis
}

type dexscreenerResponse struct {
	Pairs []dexscreenerPair `json:"pairs"`
}

// Quote implements quote(mint) → TokenPrice? for the Pair Metadata Adapter:
// the best validated Solana pair for mint against WSOL.
func (a *PairMetadataAdapter) Quote(ctx context.Context, mint solana.PublicKey) (*domain.TokenPrice, error) {
	key := mint.String()
	tp, err := a.fetch(ctx, mint)
	if err != nil {
		if stale, age, ok := a.cache.Stale(key); ok {
			log.Debug().Err(err).Str("mint", key).Dur("age", age).Msg("pair metadata fetch failed, serving stale")
			stale.Confidence /= 2
			return &stale, nil
		}
		return nil, fmt.Errorf("pair metadata: %w", err)
	}
	a.cache.Put(key, tp)
	return &tp, nil
}

func (a *PairMetadataAdapter) fetch(ctx context.Context, mint solana.PublicKey) (domain.TokenPrice, error) {
	url := fmt.Sprintf("%s/%s", a.cfg.BaseURL, mint.String())

	resp, err := a.infra.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return domain.TokenPrice{}, err
	}
	defer resp.Body.Close()

	var body dexscreenerResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.TokenPrice{}, fmt.Errorf("decode pair metadata: %w", err)
	}

	best, ok := a.bestValidPair(body.Pairs, mint)
	if !ok {
		return domain.TokenPrice{}, fmt.Errorf("no valid pair for mint %s", mint)
	}

	priceSOL, err := a.priceInSOL(best)
	if err != nil {
		return domain.TokenPrice{}, err
	}

	tp := domain.TokenPrice{
		MintRef:        mint,
		PriceSOL:       priceSOL,
		ComputedAtWall: time.Now(),
		SourceTier:     domain.SourceHTTPPair,
		Confidence:     0.5,
	}
	if usd, err := cosmath.LegacyNewDecFromStr(best.PriceUsd); err == nil {
		tp.PriceUSD = usd
	}
	if addr, err := solana.PublicKeyFromBase58(best.PairAddress); err == nil {
		tp.BestPoolRef = addr
	}
	return tp, nil
}

// bestValidPair picks the highest-liquidity Solana pair quoting mint
// against WSOL that passes validatePair, generalized from the teacher
// corpus's Dexscreener integration pattern (chain/DEX match, minimum
// liquidity and age, non-empty native price).
func (a *PairMetadataAdapter) bestValidPair(pairs []dexscreenerPair, mint solana.PublicKey) (dexscreenerPair, bool) {
	var best dexscreenerPair
	var bestLiquidity float64
	found := false
	for _, p := range pairs {
		if !a.validatePair(p, mint) {
			continue
		}
		if !found || p.Liquidity.USD > bestLiquidity {
			best = p
			bestLiquidity = p.Liquidity.USD
			found = true
		}
	}
	return best, found
}

func (a *PairMetadataAdapter) validatePair(p dexscreenerPair, mint solana.PublicKey) bool {
	if p.ChainID != "solana" {
		return false
	}
	if p.BaseToken.Address != mint.String() && p.QuoteToken.Address != mint.String() {
		return false
	}
	if p.BaseToken.Address != domain.WSOLMint && p.QuoteToken.Address != domain.WSOLMint {
		return false
	}
	if p.Liquidity.USD < a.cfg.MinLiquidityUSD {
		return false
	}
	if p.PriceNative == "" {
		return false
	}
	age := time.Since(time.UnixMilli(p.PairCreatedAt))
	if p.PairCreatedAt > 0 && age < a.cfg.MinPoolAge {
		return false
	}
	return true
}

// priceInSOL normalizes a pair's native price so it always reads as
// WSOL-per-mint (price_sol), inverting the ratio when mint is the pair's
// quote rather than base side.
func (a *PairMetadataAdapter) priceInSOL(p dexscreenerPair) (cosmath.LegacyDec, error) {
	priceNative, err := cosmath.LegacyNewDecFromStr(p.PriceNative)
	if err != nil {
		return cosmath.LegacyDec{}, fmt.Errorf("invalid priceNative %q: %w", p.PriceNative, err)
	}
	if p.QuoteToken.Address == domain.WSOLMint {
		// priceNative is already quote-per-base, i.e. WSOL-per-mint.
		return priceNative, nil
	}
	// mint is the quote side; priceNative is mint-per-WSOL, so invert.
	if !priceNative.IsPositive() {
		return cosmath.LegacyDec{}, fmt.Errorf("non-positive priceNative %q", p.PriceNative)
	}
	return cosmath.LegacyOneDec().Quo(priceNative), nil
}
