package parser

import (
	"encoding/binary"
	"fmt"

	cosmath "cosmossdk.io/math"
	"github.com/berkode/priceengine/internal/domain"
)

// PumpfunBondingParser decodes the pump.fun bonding-curve account: an 8-byte
// Anchor discriminator followed by virtual/real token and SOL reserves, the
// token's total supply, and a completion flag. Single-sided pricing — the
// curve has no paired liquidity pool, the price is read straight off the
// virtual reserves.
type PumpfunBondingParser struct{}

const pumpfunBondingLayoutSize = 8 + 8 + 8 + 8 + 8 + 8 + 1

const (
	pumpfunOffVirtualTokenReserves = 8
	pumpfunOffVirtualSolReserves   = pumpfunOffVirtualTokenReserves + 8
	pumpfunOffComplete             = pumpfunOffVirtualSolReserves + 8 + 8 + 8 + 8 // skip real reserves + total supply
)

func (PumpfunBondingParser) DexKind() domain.DexKind { return domain.DexPumpfunBonding }
func (PumpfunBondingParser) LayoutSize() int         { return pumpfunBondingLayoutSize }

// ParseAccount reads virtual_sol_reserves/virtual_token_reserves. Confidence
// 0.9 per the canonical scoring; a curve marked complete has migrated off
// pump.fun entirely and yields no delta. leg is always LegNone: the bonding
// curve account carries its own virtual reserves directly, unlike
// raydium_v4/pumpswap_amm's vault-split reserves.
func (p PumpfunBondingParser) ParseAccount(data []byte, slot uint64, pool *domain.Pool, leg domain.Leg) (*Delta, error) {
	if len(data) < pumpfunBondingLayoutSize {
		return nil, fmt.Errorf("pumpfun_bonding: account data too short: got %d, want >= %d", len(data), pumpfunBondingLayoutSize)
	}

	if data[pumpfunOffComplete] != 0 {
		return nil, nil
	}

	virtualTokenReserves := binary.LittleEndian.Uint64(data[pumpfunOffVirtualTokenReserves : pumpfunOffVirtualTokenReserves+8])
	virtualSolReserves := binary.LittleEndian.Uint64(data[pumpfunOffVirtualSolReserves : pumpfunOffVirtualSolReserves+8])

	if virtualTokenReserves == 0 || virtualSolReserves == 0 {
		return nil, nil
	}

	return &Delta{
		BaseReserve:  cosmath.NewIntFromUint64(virtualTokenReserves),
		QuoteReserve: cosmath.NewIntFromUint64(virtualSolReserves),
		Slot:         slot,
		SourceTier:   domain.SourceStreamAccount,
		Confidence:   0.9,
	}, nil
}

// ParseLogs: the canonical scoring defines no log-derived tier for the
// bonding curve (§4.1 gives it only an account-parse confidence), so this is
// always "no delta" rather than a degraded swap-log inference.
func (p PumpfunBondingParser) ParseLogs(lines []string, signature string, slot uint64, pool *domain.Pool) ([]*Delta, error) {
	return nil, nil
}

var _ Parser = PumpfunBondingParser{}
