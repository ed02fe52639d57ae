package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	cosmath "cosmossdk.io/math"
	"github.com/rs/zerolog/log"

	"github.com/berkode/priceengine/internal/httpadapter"
)

// ReferenceSOLPriceConfig parameterizes the Reference SOL Price Adapter:
// exactly two HTTP sources, each returning a JSON object with a single
// numeric field at PrimaryField/SecondaryField.
type ReferenceSOLPriceConfig struct {
	PrimaryURL     string
	PrimaryField   string
	SecondaryURL   string
	SecondaryField string
	Infra          httpadapter.Config
}

func DefaultReferenceSOLPriceConfig() ReferenceSOLPriceConfig {
	return ReferenceSOLPriceConfig{
		PrimaryURL:     "https://api.coingecko.com/api/v3/simple/price?ids=solana&vs_currencies=usd",
		PrimaryField:   "solana.usd",
		SecondaryURL:   "https://api.binance.com/api/v3/ticker/price?symbol=SOLUSDT",
		SecondaryField: "price",
		Infra: httpadapter.Config{
			PoolSize: 1, Timeout: 5 * time.Second, RatePerSec: 1, MaxConcurrent: 2,
			MaxRetries: 3, CBFailureThreshold: 5, CBResetInterval: time.Minute,
			CacheTTL: 5 * time.Minute, // SOL/USD is a long-TTL reference value.
		},
	}
}

// ReferenceSOLPriceAdapter fetches SOL/USD from two sources and returns
// their median, the simplest meaningful reducer for exactly two readings
// and the one the Open-Question resolution in the expanded spec settled on.
type ReferenceSOLPriceAdapter struct {
	cfg     ReferenceSOLPriceConfig
	primary *httpadapter.Infra
	secondary *httpadapter.Infra
	cache   *httpadapter.Cache[cosmath.LegacyDec]
}

func NewReferenceSOLPriceAdapter(cfg ReferenceSOLPriceConfig) *ReferenceSOLPriceAdapter {
	return &ReferenceSOLPriceAdapter{
		cfg:       cfg,
		primary:   httpadapter.NewInfra(cfg.Infra),
		secondary: httpadapter.NewInfra(cfg.Infra),
		cache:     httpadapter.NewCache[cosmath.LegacyDec](cfg.Infra.CacheTTL),
	}
}

const referenceCacheKey = "sol_usd"

// SOLUSD implements fuser.SOLUSDSource: the median of both sources when
// both succeed, whichever single source succeeds when the other fails, or
// the last cached value (no discount — SOL/USD staleness is tolerated over
// a much longer horizon than a pool price) when both fail.
func (a *ReferenceSOLPriceAdapter) SOLUSD() (cosmath.LegacyDec, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var readings []cosmath.LegacyDec
	if v, err := fetchJSONField(ctx, a.primary, a.cfg.PrimaryURL, a.cfg.PrimaryField); err == nil {
		readings = append(readings, v)
	} else {
		log.Debug().Err(err).Str("source", "primary").Msg("sol/usd reference fetch failed")
	}
	if v, err := fetchJSONField(ctx, a.secondary, a.cfg.SecondaryURL, a.cfg.SecondaryField); err == nil {
		readings = append(readings, v)
	} else {
		log.Debug().Err(err).Str("source", "secondary").Msg("sol/usd reference fetch failed")
	}

	if len(readings) == 0 {
		return a.cache.Fresh(referenceCacheKey)
	}
	median := medianDec(readings)
	a.cache.Put(referenceCacheKey, median)
	return median, true
}

func medianDec(readings []cosmath.LegacyDec) cosmath.LegacyDec {
	sorted := make([]cosmath.LegacyDec, len(readings))
	copy(sorted, readings)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LT(sorted[j]) })
	if len(sorted) == 1 {
		return sorted[0]
	}
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Quo(cosmath.LegacyNewDec(2))
}

// fetchJSONField fetches url through infra and reads a (possibly
// dotted-path) field out of the decoded JSON body as a decimal.
func fetchJSONField(ctx context.Context, infra *httpadapter.Infra, url, field string) (cosmath.LegacyDec, error) {
	resp, err := infra.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return cosmath.LegacyDec{}, err
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return cosmath.LegacyDec{}, fmt.Errorf("decode reference response: %w", err)
	}
	return extractField(body, field)
}

// extractField walks a dotted field path ("solana.usd") through nested
// JSON objects and parses the leaf as a decimal, tolerating both numeric
// and string-encoded leaves (Binance returns price as a JSON string).
func extractField(body map[string]interface{}, field string) (cosmath.LegacyDec, error) {
	parts := splitDotted(field)
	var cur interface{} = body
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return cosmath.LegacyDec{}, fmt.Errorf("field path %q: %q is not an object", field, part)
		}
		cur, ok = m[part]
		if !ok {
			return cosmath.LegacyDec{}, fmt.Errorf("field path %q: missing %q", field, part)
		}
	}
	switch v := cur.(type) {
	case string:
		return cosmath.LegacyNewDecFromStr(v)
	case float64:
		return cosmath.LegacyNewDecFromStr(fmt.Sprintf("%.18f", v))
	default:
		return cosmath.LegacyDec{}, fmt.Errorf("field path %q: unsupported leaf type %T", field, v)
	}
}

func splitDotted(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}
