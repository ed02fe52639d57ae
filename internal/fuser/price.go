package fuser

import (
	"math/big"

	cosmath "cosmossdk.io/math"

	"github.com/berkode/priceengine/internal/domain"
	"github.com/berkode/priceengine/internal/parser"
)

// QuoteReference resolves the SOL price of a pool's quote mint, so a pool
// quoted against a stablecoin (rather than SOL directly) can still
// contribute a price_sol candidate. rawPriceSOL never asks it about WSOL:
// a WSOL-quoted pool's price is already in SOL.
type QuoteReference interface {
	PriceInSOL(quoteMint string) (cosmath.LegacyDec, bool)
}

// rawPriceSOL computes a single pool's price_sol candidate: the parser
// family's native formula, decimal-adjusted, then converted from
// quote-mint units into SOL via ref.
func rawPriceSOL(state domain.PoolState, pool domain.Pool, ref QuoteReference) (cosmath.LegacyDec, bool) {
	var priceInQuote cosmath.LegacyDec
	switch {
	case state.SqrtPriceQ64 != nil:
		priceInQuote = parser.PriceFromSqrtQ64(*state.SqrtPriceQ64, pool.BaseDecimals, pool.QuoteDecimals)
	case !state.BaseReserve.IsNil() && !state.QuoteReserve.IsNil() && state.BaseReserve.IsPositive():
		// price_sol = quote_reserve * 10^(base_decimals - quote_decimals) / base_reserve
		quote := cosmath.LegacyNewDecFromInt(state.QuoteReserve)
		base := cosmath.LegacyNewDecFromInt(state.BaseReserve)
		priceInQuote = parser.AdjustDecimalShift(quote, int64(pool.BaseDecimals)-int64(pool.QuoteDecimals)).Quo(base)
	default:
		return cosmath.LegacyDec{}, false
	}

	quoteMint := pool.QuoteMint.String()
	if quoteMint == domain.WSOLMint {
		return priceInQuote, true
	}
	quoteSOL, ok := ref.PriceInSOL(quoteMint)
	if !ok {
		return cosmath.LegacyDec{}, false
	}
	return priceInQuote.Mul(quoteSOL), true
}

// liquidityWeight is confidence * sqrt(base_reserve * quote_reserve),
// damping large-pool dominance in the weighted median per the fusion
// algorithm. CLMM states carry no flat reserve pair (depth lives in the
// tick-indexed liquidity, which this parser set does not extract), so they
// contribute confidence alone — a documented simplification, not an
// omission of the formula for pools where it applies.
func liquidityWeight(state domain.PoolState, confidence float64) float64 {
	if state.SqrtPriceQ64 != nil || state.BaseReserve.IsNil() || state.QuoteReserve.IsNil() {
		return confidence
	}
	product := new(big.Int).Mul(state.BaseReserve.BigInt(), state.QuoteReserve.BigInt())
	if product.Sign() <= 0 {
		return 0
	}
	sqrtFloat := new(big.Float).Sqrt(new(big.Float).SetInt(product))
	sqrt, _ := sqrtFloat.Float64()
	return confidence * sqrt
}
