package parser

import (
	"encoding/binary"
	"fmt"
	"strings"

	cosmath "cosmossdk.io/math"
	"github.com/berkode/priceengine/internal/domain"
)

// RaydiumV4Parser decodes the constant-product Raydium AMM V4 pool and its
// SwapBaseIn/SwapBaseOut log instructions. The on-chain pool account itself
// (a fixed 752-byte struct — see SolRoute's AMMPool) carries no reserve
// amounts of its own: the real base/quote balances live in the pool's two
// SPL token vault accounts (BaseVault/QuoteVault), the same way SolRoute's
// own Quote() reads them (GetMultipleAccountsWithOpts over the vault pair,
// `amount` at byte offset 64 of the standard SPL Token Account layout).
// ParseAccount therefore always decodes one vault's account data, tagged
// with which leg it is; engine.Engine combines the two legs' latest known
// balances into one priced delta once both are known.
type RaydiumV4Parser struct{}

// splTokenAccountLayoutSize is the fixed size of an SPL Token Program
// Account: mint(32) + owner(32) + amount(8) + delegate option+pubkey(36) +
// state(1) + is_native option+value(12) + delegated_amount(8) + close
// authority option+pubkey(36). Shared by both DEX kinds whose reserves are
// read off a vault rather than the pool's own account.
const splTokenAccountLayoutSize = 165

const splTokenAccountOffAmount = 64

func (RaydiumV4Parser) DexKind() domain.DexKind { return domain.DexRaydiumV4 }
func (RaydiumV4Parser) LayoutSize() int         { return splTokenAccountLayoutSize }

// ParseAccount reads the `amount` field out of one SPL token vault account.
// leg selects which of the pool's two vaults data belongs to; LegNone is
// rejected, since raydium_v4's pool account carries no reserves of its own
// for this parser to fall back to. Confidence 0.9 per the canonical scoring.
func (p RaydiumV4Parser) ParseAccount(data []byte, slot uint64, pool *domain.Pool, leg domain.Leg) (*Delta, error) {
	if leg == domain.LegNone {
		return nil, fmt.Errorf("raydium_v4: account_updates requires a vault leg, got none")
	}
	if len(data) < splTokenAccountLayoutSize {
		return nil, fmt.Errorf("raydium_v4: vault account data too short: got %d, want >= %d", len(data), splTokenAccountLayoutSize)
	}

	amount := binary.LittleEndian.Uint64(data[splTokenAccountOffAmount : splTokenAccountOffAmount+8])
	if amount == 0 {
		return nil, nil
	}

	d := &Delta{
		Slot:       slot,
		SourceTier: domain.SourceStreamAccount,
		Confidence: 0.9,
		Leg:        leg,
	}
	if leg == domain.LegBase {
		d.BaseReserve = cosmath.NewIntFromUint64(amount)
	} else {
		d.QuoteReserve = cosmath.NewIntFromUint64(amount)
	}
	return d, nil
}

// Anchor-free Raydium V4 instruction tags (single byte, not a sighash).
const (
	rv4IxSwapBaseIn  byte = 9
	rv4IxSwapBaseOut byte = 11
)

// ParseLogs scans a transaction's log lines for SwapBaseIn/SwapBaseOut
// markers and the amount_in/amount_out pair that follows them. Real Raydium
// v4 logs carry these as base58-free decimal integers in a "ray_log" style
// line; this parser looks for the "amount_in=" / "amount_out=" key=value
// shape the rest of the pipeline emits when decoding that line, and is
// defensive about anything else.
func (p RaydiumV4Parser) ParseLogs(lines []string, signature string, slot uint64, pool *domain.Pool) ([]*Delta, error) {
	var deltas []*Delta
	for _, line := range lines {
		kind, amountIn, amountOut, ok := parseRaydiumSwapLog(line)
		if !ok {
			continue
		}
		if implausibleAmount(amountIn) || implausibleAmount(amountOut) || amountIn.IsZero() || amountOut.IsZero() {
			continue
		}
		deltas = append(deltas, &Delta{
			BaseReserve:  amountOut,
			QuoteReserve: amountIn,
			Slot:         slot,
			SourceSig:    signature,
			SourceTier:   domain.SourceStreamSwap,
			Confidence:   0.7,
			Partial:      true,
		})
		_ = kind
	}
	return deltas, nil
}

// parseRaydiumSwapLog extracts "instruction: SwapBaseIn amount_in=N amount_out=M"
// shaped log lines. Returns ok=false for anything else, never an error —
// unparseable input is "no delta", not a failure.
func parseRaydiumSwapLog(line string) (kind byte, amountIn, amountOut cosmath.Int, ok bool) {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "swapbasein"):
		kind = rv4IxSwapBaseIn
	case strings.Contains(lower, "swapbaseout"):
		kind = rv4IxSwapBaseOut
	default:
		return 0, cosmath.Int{}, cosmath.Int{}, false
	}

	in, inOK := extractKeyedInt(line, "amount_in=")
	out, outOK := extractKeyedInt(line, "amount_out=")
	if !inOK || !outOK {
		return 0, cosmath.Int{}, cosmath.Int{}, false
	}
	return kind, in, out, true
}

func extractKeyedInt(line, key string) (cosmath.Int, bool) {
	idx := strings.Index(line, key)
	if idx < 0 {
		return cosmath.Int{}, false
	}
	rest := line[idx+len(key):]
	end := strings.IndexAny(rest, " \t,")
	if end >= 0 {
		rest = rest[:end]
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return cosmath.Int{}, false
	}
	// Parsed as arbitrary precision, not uint64: a corrupted log line can
	// carry more digits than a real lamport amount ever would, and the
	// sentinel check above needs to see that rather than have it wrap.
	v, ok := cosmath.NewIntFromString(rest)
	if !ok {
		return cosmath.Int{}, false
	}
	return v, true
}

var _ Parser = RaydiumV4Parser{}
