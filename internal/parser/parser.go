// Package parser turns raw WebSocket payloads (account snapshots or
// transaction log lines) into PoolState deltas, one pure, I/O-free parser per
// DEX family. There is no runtime registry: ForDexKind is a switch on the
// dex_kind tag that returns the matching variant.
package parser

import (
	cosmath "cosmossdk.io/math"
	"github.com/berkode/priceengine/internal/domain"
	"lukechampine.com/uint128"
)

// Delta is the output of a successful parse: a candidate update to a pool's
// state. A nil *Delta (with a nil error) means "no delta" — the input did not
// yield a usable observation, which is the normal outcome for most log lines
// and is not itself an error.
type Delta struct {
	BaseReserve  cosmath.Int
	QuoteReserve cosmath.Int
	SqrtPriceQ64 *uint128.Uint128
	Slot         uint64
	SourceSig    string
	SourceTier   domain.SourceTier
	Confidence   float64
	Partial      bool
	// Leg is non-zero when this Delta carries only one reserve leg: a single
	// SPL token vault balance update for raydium_v4/pumpswap_amm, whose
	// account_updates notifications arrive one vault at a time rather than
	// as one combined snapshot. Only the named leg's reserve field is
	// populated; the caller (engine.Engine) combines both legs' latest known
	// reserves into one full PoolState delta before the Cache ever sees it.
	// LegNone (the default) means the delta already carries everything
	// needed on its own, unchanged from before.
	Leg domain.Leg
}

// Counters tracks per-parser observability counts. All fields are updated
// with plain increments; the parser pipeline is single-writer-per-pool so no
// atomics are required here (the caller serializes calls per pool).
type Counters struct {
	Parsed       uint64
	NoDelta      uint64
	Rejected     uint64
	SentinelHits uint64
}

// Parser is the capability set every dex_kind variant implements.
// parse_account is given the raw account bytes straight off the wire
// (already base64-decoded by the caller), the slot the update carries, and
// which leg of the pool that account is: LegNone when the account is the
// pool's own state account, or LegBase/LegQuote when it is one of the two
// SPL token vaults a constant-product pool's reserves actually live in (see
// domain.Pool.BaseVault/QuoteVault). Most parsers ignore leg entirely.
// parse_logs is given one transaction's log lines plus its signature, and
// may yield zero or more deltas, in instruction order.
type Parser interface {
	DexKind() domain.DexKind
	LayoutSize() int
	ParseAccount(data []byte, slot uint64, base *domain.Pool, leg domain.Leg) (*Delta, error)
	ParseLogs(lines []string, signature string, slot uint64, base *domain.Pool) ([]*Delta, error)
}

// ForDexKind dispatches on the tag; it is the only place a dex_kind string
// is mapped to behavior.
func ForDexKind(kind domain.DexKind) Parser {
	switch kind {
	case domain.DexRaydiumV4:
		return RaydiumV4Parser{}
	case domain.DexRaydiumCLMM:
		return RaydiumCLMMParser{}
	case domain.DexPumpswapAMM:
		return PumpswapAMMParser{}
	case domain.DexPumpfunBonding:
		return PumpfunBondingParser{}
	default:
		return nil
	}
}

// maxPlausibleRawAmount rejects integer extractions that almost certainly
// came from misreading a log line rather than a real swap amount. Amounts
// are parsed as arbitrary-precision integers (log text, unlike on-chain u64
// account fields, is not bounded to 64 bits by construction), so the 10^21
// ceiling from the spec is meaningful rather than unreachable.
var maxPlausibleRawAmount = pow10(21)

func pow10(n int) cosmath.Int {
	v := cosmath.NewInt(1)
	ten := cosmath.NewInt(10)
	for i := 0; i < n; i++ {
		v = v.Mul(ten)
	}
	return v
}

func implausibleAmount(v cosmath.Int) bool {
	return v.GT(maxPlausibleRawAmount)
}
