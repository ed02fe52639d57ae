// Package domain holds the shared value types that flow between the
// price-discovery components: Mint, Pool, PoolState, TokenPrice,
// Subscription and EndpointConnection, plus the small enumerations they are
// built from.
package domain

import (
	"time"

	cosmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"
	"lukechampine.com/uint128"
)

// DexKind identifies the on-chain program family a Pool belongs to. A new
// binary layout means a new DexKind, never a version bump on an existing one.
type DexKind string

const (
	DexRaydiumV4      DexKind = "raydium_v4"
	DexRaydiumCLMM    DexKind = "raydium_clmm"
	DexPumpswapAMM    DexKind = "pumpswap_amm"
	DexPumpfunBonding DexKind = "pumpfun_bonding"
)

// SourceTier ranks where a TokenPrice came from, most to least authoritative.
type SourceTier int

const (
	SourceStreamSwap SourceTier = iota
	SourceStreamAccount
	SourceHTTPQuote
	SourceHTTPPair
	SourceStaleStream
)

func (t SourceTier) String() string {
	switch t {
	case SourceStreamSwap:
		return "stream_swap"
	case SourceStreamAccount:
		return "stream_account"
	case SourceHTTPQuote:
		return "http_quote"
	case SourceHTTPPair:
		return "http_pair"
	case SourceStaleStream:
		return "stale_stream"
	default:
		return "unknown"
	}
}

// Priority is the monitoring tier a Subscription was added under.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "low"
}

// Leg identifies which reserve side an account_updates notification carries,
// for dex kinds whose reserves live in separate SPL token vault accounts
// rather than the pool's own account (raydium_v4, pumpswap_amm). LegNone
// means the notification is the pool's own state account (raydium_clmm,
// pumpfun_bonding), which already carries everything that dex kind's parser
// needs on its own.
type Leg int

const (
	LegNone Leg = iota
	LegBase
	LegQuote
)

func (l Leg) String() string {
	switch l {
	case LegBase:
		return "base"
	case LegQuote:
		return "quote"
	default:
		return "none"
	}
}

// SubscriptionKind is the remote subscription variety the Multiplexer opens.
type SubscriptionKind int

const (
	KindAccountUpdates SubscriptionKind = iota
	KindProgramLogs
)

func (k SubscriptionKind) String() string {
	if k == KindProgramLogs {
		return "program_logs"
	}
	return "account_updates"
}

// Mint is the on-chain address identifying a token. Immutable once observed.
type Mint struct {
	Address solana.PublicKey
}

func (m Mint) String() string { return m.Address.String() }

// WSOLMint is the wrapped-SOL mint address every DEX quotes against.
const WSOLMint = "So11111111111111111111111111111111111111112"

// Pool is a liquidity venue address plus the immutable facts about it.
// Created on first observation; a new address is always a new entity.
type Pool struct {
	Address       solana.PublicKey
	DexKind       DexKind
	BaseMint      solana.PublicKey
	QuoteMint     solana.PublicKey
	BaseDecimals  uint8
	QuoteDecimals uint8
	// BaseVault and QuoteVault are the two SPL token accounts holding a
	// constant-product pool's actual reserves, for dex kinds whose own pool
	// account carries no reserve amounts (raydium_v4, pumpswap_amm — see
	// RaydiumV4Parser/PumpswapAMMParser). Both addresses are embedded in the
	// pool account itself, so whoever first observes and constructs this
	// Pool (the token-catalog collaborator, per the external metadata-fetch
	// path) decodes them once, here, rather than the parser re-deriving them
	// on every update. Left at the zero PublicKey for dex kinds that price
	// directly off their own account (raydium_clmm, pumpfun_bonding).
	BaseVault  solana.PublicKey
	QuoteVault solana.PublicKey
}

func (p Pool) String() string { return p.Address.String() }

// PoolState is the latest observed reflection of an on-chain pool. Only one
// writer per pool is ever expected; see the Cache's single-writer invariant.
type PoolState struct {
	PoolRef      solana.PublicKey
	BaseReserve  cosmath.Int
	QuoteReserve cosmath.Int
	SqrtPriceQ64 *uint128.Uint128 // nil unless DexKind == DexRaydiumCLMM
	Slot         uint64
	WallTime     time.Time
	SourceSig    string
	SourceTier   SourceTier
	Confidence   float64
	Partial      bool // true when only a swap-direction observation is known
}

// Full reports whether the state carries a complete price basis: both
// reserve legs for a constant-product pool, or a sqrt price for a CLMM one.
func (s PoolState) Full() bool {
	if s.Partial {
		return false
	}
	if s.SqrtPriceQ64 != nil {
		return true
	}
	return !s.BaseReserve.IsNil() && !s.QuoteReserve.IsNil() &&
		s.BaseReserve.IsPositive() && s.QuoteReserve.IsPositive()
}

// TokenPrice is the per-mint best-known price, derived from one or more
// PoolStates or an HTTP fallback.
type TokenPrice struct {
	MintRef        solana.PublicKey
	PriceSOL       cosmath.LegacyDec
	PriceUSD       cosmath.LegacyDec
	BestPoolRef    solana.PublicKey
	ComputedAtWall time.Time
	ComputedAtSlot uint64
	SourceTier     SourceTier
	Confidence     float64
}

// Freshness classifies a TokenPrice relative to the caller's clock.
type Freshness int

const (
	Fresh Freshness = iota
	Stale
	Expired
)

func (tp TokenPrice) Freshness(now time.Time, freshTTL, expireTTL time.Duration) Freshness {
	age := now.Sub(tp.ComputedAtWall)
	switch {
	case age <= freshTTL:
		return Fresh
	case age <= expireTTL:
		return Stale
	default:
		return Expired
	}
}

// Subscription is the (mint, pool, dex_kind) triple a caller asked the
// Registry to monitor, at a given priority.
type Subscription struct {
	Mint     solana.PublicKey
	Pool     solana.PublicKey
	DexKind  DexKind
	Priority Priority
}

// EndpointState is the lifecycle state of one logical WebSocket connection.
type EndpointState int

const (
	EndpointConnecting EndpointState = iota
	EndpointOpen
	EndpointDegraded
	EndpointClosed
)

func (s EndpointState) String() string {
	switch s {
	case EndpointConnecting:
		return "connecting"
	case EndpointOpen:
		return "open"
	case EndpointDegraded:
		return "degraded"
	case EndpointClosed:
		return "closed"
	default:
		return "unknown"
	}
}
