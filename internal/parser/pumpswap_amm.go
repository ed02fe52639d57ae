package parser

import (
	"encoding/binary"
	"fmt"
	"strings"

	cosmath "cosmossdk.io/math"
	"github.com/berkode/priceengine/internal/domain"
)

// PumpswapAMMParser decodes the PumpSwap constant-product pool. Like
// raydium_v4, the 211-byte Pool account (bump, index, creator, base/quote
// mint, lp mint, the two token-account addresses, lp supply — the same
// layout SolRoute's PumpAMMPool and RovshanMuradov's pumpswap.Pool both
// decode) carries no reserve amounts of its own: those live in the pool's
// two SPL token vault accounts (BaseVault/QuoteVault), read the same way
// SolRoute's own Quote() does (`amount` at byte offset 64 of the standard
// SPL Token Account layout). ParseAccount therefore always decodes one
// vault's account data, tagged with which leg it is; engine.Engine combines
// the two legs' latest known balances into one priced delta once both are
// known.
type PumpswapAMMParser struct{}

func (PumpswapAMMParser) DexKind() domain.DexKind { return domain.DexPumpswapAMM }
func (PumpswapAMMParser) LayoutSize() int         { return splTokenAccountLayoutSize }

// ParseAccount reads the `amount` field out of one SPL token vault account.
// leg selects which of the pool's two vaults data belongs to; LegNone is
// rejected, since pumpswap_amm's pool account carries no reserves of its own
// for this parser to fall back to. Confidence 0.9 per the canonical scoring.
func (p PumpswapAMMParser) ParseAccount(data []byte, slot uint64, pool *domain.Pool, leg domain.Leg) (*Delta, error) {
	if leg == domain.LegNone {
		return nil, fmt.Errorf("pumpswap_amm: account_updates requires a vault leg, got none")
	}
	if len(data) < splTokenAccountLayoutSize {
		return nil, fmt.Errorf("pumpswap_amm: vault account data too short: got %d, want >= %d", len(data), splTokenAccountLayoutSize)
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

// ParseLogs scans for PumpSwap's sol_amount=/token_amount= swap log shape.
// Confidence 0.8 per the canonical scoring, higher than Raydium's log tier
// since PumpSwap's logs carry both legs of the swap directly rather than an
// inferred amount_in/amount_out pair.
func (p PumpswapAMMParser) ParseLogs(lines []string, signature string, slot uint64, pool *domain.Pool) ([]*Delta, error) {
	var deltas []*Delta
	for _, line := range lines {
		lower := strings.ToLower(line)
		if !strings.Contains(lower, "buy") && !strings.Contains(lower, "sell") {
			continue
		}
		solAmount, okSol := extractKeyedInt(line, "sol_amount=")
		tokenAmount, okToken := extractKeyedInt(line, "token_amount=")
		if !okSol || !okToken {
			continue
		}
		if implausibleAmount(solAmount) || implausibleAmount(tokenAmount) {
			continue
		}
		if solAmount.IsZero() || tokenAmount.IsZero() {
			continue
		}
		deltas = append(deltas, &Delta{
			BaseReserve:  tokenAmount,
			QuoteReserve: solAmount,
			Slot:         slot,
			SourceSig:    signature,
			SourceTier:   domain.SourceStreamSwap,
			Confidence:   0.8,
			Partial:      true,
		})
	}
	return deltas, nil
}

var _ Parser = PumpswapAMMParser{}
