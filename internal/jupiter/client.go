// Package jupiter implements the Aggregator Quote Adapter: quote(mint) →
// TokenPrice?, generalized from the teacher's Jupiter Metis swap-builder
// client down to its pricing half. Swap-transaction construction
// (GetSwapTransaction, priority-fee tuning) belonged to a wallet/execution
// collaborator and is out of scope for a price-discovery engine.
package jupiter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	cosmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"

	"github.com/berkode/priceengine/internal/domain"
	"github.com/berkode/priceengine/internal/httpadapter"
	"github.com/berkode/priceengine/internal/parser"
)

// MetisSwapURL is Jupiter's v1 swap/quote API.
const MetisSwapURL = "https://api.jup.ag/swap/v1"

const lamportsPerSOL = 1_000_000_000

// DefaultAPIKeys returns the fallback API key set; production deployments
// should set JUPITER_API_KEYS instead.
func DefaultAPIKeys() []string {
	return []string{"public-key"}
}

// Config parameterizes one Client.
type Config struct {
	BaseURL   string
	ImpactCap float64 // fractional price-impact cap, e.g. 0.03 for 3%
	APIKeys   []string
	Infra     httpadapter.Config
}

func DefaultConfig() Config {
	return Config{
		BaseURL:   MetisSwapURL,
		ImpactCap: 0.03,
		Infra: httpadapter.Config{
			PoolSize:           4,
			Timeout:            5 * time.Second,
			RatePerSec:         5,
			MaxConcurrent:      8,
			MaxRetries:         3,
			CBFailureThreshold: 5,
			CBResetInterval:    30 * time.Second,
			CacheTTL:           10 * time.Second,
		},
	}
}

// Client is the Aggregator Quote Adapter: HTTP/2-pooled, API-key
// round-robin, with shared retry/circuit-breaker/caching infrastructure.
type Client struct {
	baseURL   string
	impactCap cosmath.LegacyDec
	infra     *httpadapter.Infra
	cache     *httpadapter.Cache[domain.TokenPrice]
	apiKeys   []string
	keyIdx    atomic.Uint32
}

func New(cfg Config) *Client {
	apiKeys := cfg.APIKeys
	if len(apiKeys) == 0 {
		if envKeys := os.Getenv("JUPITER_API_KEYS"); envKeys != "" {
			apiKeys = strings.Split(envKeys, ",")
		} else {
			apiKeys = DefaultAPIKeys()
		}
	}
	return &Client{
		baseURL:   cfg.BaseURL,
		impactCap: cosmath.LegacyNewDecWithPrec(int64(cfg.ImpactCap*1_000_000), 6),
		infra:     httpadapter.NewInfra(cfg.Infra),
		cache:     httpadapter.NewCache[domain.TokenPrice](cfg.Infra.CacheTTL),
		apiKeys:   apiKeys,
	}
}

func (c *Client) getAPIKey() string {
	idx := c.keyIdx.Add(1) % uint32(len(c.apiKeys))
	return c.apiKeys[idx]
}

type quoteResponse struct {
	OutAmount      string `json:"outAmount"`
	PriceImpactPct string `json:"priceImpactPct"`
	ContextSlot    uint64 `json:"contextSlot"`
}

// Quote fetches a 1-SOL-in quote against mint and derives its price_sol,
// rejecting quotes whose price impact exceeds impact_cap. mintDecimals is
// the output mint's declared decimals (known to the caller from the
// Subscription Registry's Pool metadata), needed to turn the quote's
// raw-unit outAmount into a per-whole-token price.
//
// On a failed live call, the last successful quote for mint is served
// instead, confidence halved, per the adapter caching contract — nil is
// returned only when no quote has ever succeeded for mint.
func (c *Client) Quote(ctx context.Context, mint solana.PublicKey, mintDecimals uint8) (*domain.TokenPrice, error) {
	key := mint.String()
	tp, err := c.fetch(ctx, mint, mintDecimals)
	if err != nil {
		if stale, age, ok := c.cache.Stale(key); ok {
			log.Debug().Err(err).Str("mint", key).Dur("age", age).Msg("jupiter quote failed, serving stale")
			stale.Confidence /= 2
			return &stale, nil
		}
		return nil, fmt.Errorf("jupiter quote: %w", err)
	}
	c.cache.Put(key, tp)
	return &tp, nil
}

func (c *Client) fetch(ctx context.Context, mint solana.PublicKey, mintDecimals uint8) (domain.TokenPrice, error) {
	url := fmt.Sprintf("%s/quote?inputMint=%s&outputMint=%s&amount=%d&slippageBps=50",
		c.baseURL, domain.WSOLMint, mint.String(), lamportsPerSOL)

	resp, err := c.infra.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("x-api-key", c.getAPIKey())
		return req, nil
	})
	if err != nil {
		return domain.TokenPrice{}, err
	}
	defer resp.Body.Close()

	var q quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return domain.TokenPrice{}, fmt.Errorf("decode quote: %w", err)
	}

	impact, err := cosmath.LegacyNewDecFromStr(q.PriceImpactPct)
	if err != nil {
		impact = cosmath.LegacyZeroDec()
	}
	if impact.GT(c.impactCap) {
		return domain.TokenPrice{}, fmt.Errorf("price impact %s exceeds cap %s", impact, c.impactCap)
	}

	outAmount, ok := cosmath.NewIntFromString(q.OutAmount)
	if !ok || !outAmount.IsPositive() {
		return domain.TokenPrice{}, fmt.Errorf("invalid outAmount %q", q.OutAmount)
	}

	// 1 SOL in, outAmount raw units out: price_sol = 10^mintDecimals / outAmount.
	scale := parser.AdjustDecimalShift(cosmath.LegacyOneDec(), int64(mintDecimals))
	priceSOL := scale.Quo(cosmath.LegacyNewDecFromInt(outAmount))

	return domain.TokenPrice{
		MintRef:        mint,
		PriceSOL:       priceSOL,
		ComputedAtWall: time.Now(),
		ComputedAtSlot: q.ContextSlot,
		SourceTier:     domain.SourceHTTPQuote,
		Confidence:     0.6,
	}, nil
}
