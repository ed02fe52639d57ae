package engine

import (
	cosmath "cosmossdk.io/math"
)

// wellKnownStablecoins maps a quote mint address to "treat as pegged to
// 1 USD" for the Fuser's QuoteReference contract: a pool quoted against one
// of these still contributes a price_sol candidate, converted through the
// Reference SOL Price Adapter's own SOL/USD rate, per §4.4's "against a
// stablecoin that is itself priced against SOL" candidate rule.
var wellKnownStablecoins = map[string]bool{
	"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v": true, // USDC
	"Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB": true, // USDT
}

// SOLUSDReference is the subset of the Reference SOL Price Adapter the
// QuoteReference needs: a SOL/USD rate to invert a stablecoin's USD peg
// into a SOL price.
type SOLUSDReference interface {
	SOLUSD() (cosmath.LegacyDec, bool)
}

// StablecoinQuoteReference implements fuser.QuoteReference: it resolves a
// quote mint's SOL price only when the mint is a known USD stablecoin,
// inverting the shared SOL/USD reference rate. Any other quote mint is
// reported unresolvable, which the Fuser treats as "this pool cannot
// contribute a candidate" rather than an error.
type StablecoinQuoteReference struct {
	solUSD SOLUSDReference
}

func NewStablecoinQuoteReference(solUSD SOLUSDReference) *StablecoinQuoteReference {
	return &StablecoinQuoteReference{solUSD: solUSD}
}

func (r *StablecoinQuoteReference) PriceInSOL(quoteMint string) (cosmath.LegacyDec, bool) {
	if !wellKnownStablecoins[quoteMint] {
		return cosmath.LegacyDec{}, false
	}
	solUSD, ok := r.solUSD.SOLUSD()
	if !ok || !solUSD.IsPositive() {
		return cosmath.LegacyDec{}, false
	}
	return cosmath.LegacyOneDec().Quo(solUSD), true
}
