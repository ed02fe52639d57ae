package parser

import (
	"fmt"
	"math/big"
	"strings"

	cosmath "cosmossdk.io/math"
	"github.com/berkode/priceengine/internal/domain"
	"lukechampine.com/uint128"
)

// RaydiumCLMMParser decodes the concentrated-liquidity Raydium pool account
// (1544 bytes, led by an 8-byte Anchor discriminator) and its swap logs.
type RaydiumCLMMParser struct{}

const raydiumCLMMLayoutSize = 1544

// Offsets below are measured AFTER the 8-byte Anchor discriminator is
// stripped, matching the real CLMM pool state account: Bump(1) +
// AmmConfig/Owner/TokenMint0/TokenMint1/TokenVault0/TokenVault1/
// ObservationKey (7 pubkeys, 32 bytes each) + MintDecimals0/1(1 each) +
// TickSpacing(2) + Liquidity(16) precede SqrtPriceX64.
const (
	clmmOffSqrtPriceX64 = 1 + 7*32 + 1 + 1 + 2 + 16 // = 245
	clmmOffTickCurrent  = clmmOffSqrtPriceX64 + 16   // = 261
)

// clmmSentinelFloor rejects a sqrt_price_q64 of 2^95 or above — the
// initialization sentinel family (e.g. 2^96) a freshly-created, never-traded
// pool reports before its first swap.
var clmmSentinelFloor = new(big.Int).Lsh(big.NewInt(1), 95)

func (RaydiumCLMMParser) DexKind() domain.DexKind { return domain.DexRaydiumCLMM }
func (RaydiumCLMMParser) LayoutSize() int         { return raydiumCLMMLayoutSize }

// leg is always LegNone for this dex kind: the CLMM pool account carries its
// own sqrt_price directly, unlike raydium_v4/pumpswap_amm's vault-split
// reserves.
func (p RaydiumCLMMParser) ParseAccount(data []byte, slot uint64, pool *domain.Pool, leg domain.Leg) (*Delta, error) {
	if len(data) >= 8 {
		data = data[8:]
	}
	if len(data) < clmmOffTickCurrent+4 {
		return nil, fmt.Errorf("raydium_clmm: account data too short: got %d, want >= %d", len(data)+8, raydiumCLMMLayoutSize)
	}

	sqrtPrice := uint128.FromBytes(data[clmmOffSqrtPriceX64 : clmmOffSqrtPriceX64+16])
	if sqrtPrice.Big().Cmp(clmmSentinelFloor) >= 0 {
		return nil, nil // sentinel: no delta and no error; the engine counts it as NoDelta and SentinelHits is not incremented
	}
	if sqrtPrice.IsZero() {
		return nil, nil
	}

	return &Delta{
		SqrtPriceQ64: &sqrtPrice,
		Slot:         slot,
		SourceTier:   domain.SourceStreamAccount,
		Confidence:   0.7,
	}, nil
}

// ParseLogs extracts swap amounts from CLMM swap log lines. CLMM logs carry
// amount0/amount1 rather than Raydium v4's amount_in/amount_out naming.
func (p RaydiumCLMMParser) ParseLogs(lines []string, signature string, slot uint64, pool *domain.Pool) ([]*Delta, error) {
	var deltas []*Delta
	for _, line := range lines {
		lower := strings.ToLower(line)
		if !strings.Contains(lower, "swap") {
			continue
		}
		amount0, ok0 := extractKeyedInt(line, "amount0=")
		amount1, ok1 := extractKeyedInt(line, "amount1=")
		if !ok0 || !ok1 {
			continue
		}
		if implausibleAmount(amount0) || implausibleAmount(amount1) {
			continue
		}
		if amount0.IsZero() || amount1.IsZero() {
			continue
		}
		deltas = append(deltas, &Delta{
			BaseReserve:  amount0,
			QuoteReserve: amount1,
			Slot:         slot,
			SourceSig:    signature,
			SourceTier:   domain.SourceStreamSwap,
			Confidence:   0.7,
			Partial:      true,
		})
	}
	return deltas, nil
}

// PriceFromSqrtQ64 implements price = (sqrt_price_q64 / 2^64)^2, decimal
// adjusted by the pool's base/quote decimals. Used by the Fuser, not the
// parser itself (the parser's job stops at producing a validated delta).
func PriceFromSqrtQ64(sqrtPriceQ64 uint128.Uint128, baseDecimals, quoteDecimals uint8) cosmath.LegacyDec {
	sqrtPriceFloat := new(big.Float).SetInt(sqrtPriceQ64.Big())
	twoPow64 := new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(1), 64))
	sqrtPrice := new(big.Float).Quo(sqrtPriceFloat, twoPow64)
	price := new(big.Float).Mul(sqrtPrice, sqrtPrice)

	priceStr := price.Text('f', 36)
	dec, err := cosmath.LegacyNewDecFromStr(priceStr)
	if err != nil {
		return cosmath.LegacyZeroDec()
	}
	decimalShift := int64(baseDecimals) - int64(quoteDecimals)
	return AdjustDecimalShift(dec, decimalShift)
}

// AdjustDecimalShift multiplies (or divides) d by 10^shift. Shared by every
// parser-family price formula that needs to move from raw-unit ratios to a
// human-scale price.
func AdjustDecimalShift(d cosmath.LegacyDec, shift int64) cosmath.LegacyDec {
	if shift == 0 {
		return d
	}
	ten := cosmath.LegacyNewDec(10)
	if shift > 0 {
		for i := int64(0); i < shift; i++ {
			d = d.Mul(ten)
		}
		return d
	}
	for i := int64(0); i < -shift; i++ {
		d = d.Quo(ten)
	}
	return d
}

var _ Parser = RaydiumCLMMParser{}
