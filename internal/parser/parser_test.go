package parser

import (
	"encoding/binary"
	"math/big"
	"testing"

	cosmath "cosmossdk.io/math"
	"github.com/berkode/priceengine/internal/domain"
	"lukechampine.com/uint128"
)

func TestForDexKind(t *testing.T) {
	cases := []struct {
		kind domain.DexKind
		want int
	}{
		{domain.DexRaydiumV4, splTokenAccountLayoutSize},
		{domain.DexRaydiumCLMM, raydiumCLMMLayoutSize},
		{domain.DexPumpswapAMM, splTokenAccountLayoutSize},
		{domain.DexPumpfunBonding, pumpfunBondingLayoutSize},
	}
	for _, tc := range cases {
		p := ForDexKind(tc.kind)
		if p == nil {
			t.Fatalf("ForDexKind(%s) returned nil", tc.kind)
		}
		if p.DexKind() != tc.kind {
			t.Errorf("DexKind() = %s, want %s", p.DexKind(), tc.kind)
		}
		if p.LayoutSize() != tc.want {
			t.Errorf("LayoutSize() = %d, want %d", p.LayoutSize(), tc.want)
		}
	}
	if ForDexKind("unknown") != nil {
		t.Error("ForDexKind(unknown) should return nil")
	}
}

func TestRaydiumV4_ParseAccount(t *testing.T) {
	data := make([]byte, splTokenAccountLayoutSize)
	binary.LittleEndian.PutUint64(data[splTokenAccountOffAmount:], 100e5)

	delta, err := RaydiumV4Parser{}.ParseAccount(data, 1000, nil, domain.LegBase)
	if err != nil {
		t.Fatalf("ParseAccount: %v", err)
	}
	if delta == nil {
		t.Fatal("expected a delta")
	}
	if delta.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", delta.Confidence)
	}
	if delta.SourceTier != domain.SourceStreamAccount {
		t.Errorf("source tier = %v, want stream_account", delta.SourceTier)
	}
	if delta.Leg != domain.LegBase {
		t.Errorf("leg = %v, want base", delta.Leg)
	}
	if delta.BaseReserve.Int64() != 100e5 {
		t.Errorf("base reserve = %s", delta.BaseReserve)
	}

	delta, err = RaydiumV4Parser{}.ParseAccount(data, 1000, nil, domain.LegQuote)
	if err != nil {
		t.Fatalf("ParseAccount: %v", err)
	}
	if delta == nil || delta.Leg != domain.LegQuote || delta.QuoteReserve.Int64() != 100e5 {
		t.Fatalf("unexpected quote-leg delta: %+v", delta)
	}
}

func TestRaydiumV4_ParseAccount_TooShort(t *testing.T) {
	_, err := RaydiumV4Parser{}.ParseAccount(make([]byte, 10), 1, nil, domain.LegBase)
	if err == nil {
		t.Fatal("expected error for short account data")
	}
}

func TestRaydiumV4_ParseAccount_RequiresLeg(t *testing.T) {
	data := make([]byte, splTokenAccountLayoutSize)
	_, err := RaydiumV4Parser{}.ParseAccount(data, 1, nil, domain.LegNone)
	if err == nil {
		t.Fatal("expected error when no vault leg is given")
	}
}

func TestRaydiumV4_ParseLogs_RejectsImplausibleAmount(t *testing.T) {
	// 10^22 raw units: one order of magnitude above the 10^21 ceiling.
	line := "Program log: instruction: SwapBaseIn amount_in=10000000000000000000000 amount_out=95000000"
	deltas, err := RaydiumV4Parser{}.ParseLogs([]string{line}, "sig1", 1001, nil)
	if err != nil {
		t.Fatalf("ParseLogs: %v", err)
	}
	if len(deltas) != 0 {
		t.Fatalf("expected the implausible amount to be rejected, got %d deltas", len(deltas))
	}
}

func TestRaydiumV4_ParseLogs_AcceptsPlausibleSwap(t *testing.T) {
	line := "Program log: instruction: SwapBaseIn amount_in=1000000000 amount_out=9500000"
	deltas, err := RaydiumV4Parser{}.ParseLogs([]string{line}, "sig1", 1001, nil)
	if err != nil {
		t.Fatalf("ParseLogs: %v", err)
	}
	if len(deltas) != 1 {
		t.Fatalf("expected 1 delta, got %d", len(deltas))
	}
	if deltas[0].Confidence != 0.7 {
		t.Errorf("confidence = %v, want 0.7", deltas[0].Confidence)
	}
	if !deltas[0].Partial {
		t.Error("log-derived delta must be partial")
	}
}

func TestRaydiumV4_ParseLogs_UnrelatedLineIsNoDelta(t *testing.T) {
	deltas, err := RaydiumV4Parser{}.ParseLogs([]string{"Program log: unrelated"}, "sig1", 1, nil)
	if err != nil {
		t.Fatalf("ParseLogs: %v", err)
	}
	if len(deltas) != 0 {
		t.Fatalf("expected no deltas, got %d", len(deltas))
	}
}

func TestRaydiumCLMM_SentinelRejected(t *testing.T) {
	// 2^96, the documented initialization sentinel, which is >= the 2^95 floor.
	sentinel := new(big.Int).Lsh(big.NewInt(1), 96)
	data := make([]byte, raydiumCLMMLayoutSize)
	sentinelBytes := padTo16(sentinel.Bytes())
	copy(data[8+clmmOffSqrtPriceX64:], reverse(sentinelBytes))

	delta, err := RaydiumCLMMParser{}.ParseAccount(data, 500, nil, domain.LegNone)
	if err != nil {
		t.Fatalf("ParseAccount: %v", err)
	}
	if delta != nil {
		t.Fatal("expected the sentinel value to be rejected (nil delta)")
	}
}

func TestRaydiumCLMM_ValidSqrtPriceAccepted(t *testing.T) {
	sqrtPrice := uint128.From64(1 << 40) // well below the 2^95 sentinel floor
	data := make([]byte, raydiumCLMMLayoutSize)
	b := sqrtPrice.Big().Bytes()
	copy(data[8+clmmOffSqrtPriceX64:], reverse(padTo16(b)))

	delta, err := RaydiumCLMMParser{}.ParseAccount(data, 500, nil, domain.LegNone)
	if err != nil {
		t.Fatalf("ParseAccount: %v", err)
	}
	if delta == nil {
		t.Fatal("expected a delta for a plausible sqrt price")
	}
	if delta.SqrtPriceQ64 == nil || delta.SqrtPriceQ64.Big().Cmp(sqrtPrice.Big()) != 0 {
		t.Errorf("sqrt price round-trip mismatch")
	}
}

func TestPriceFromSqrtQ64(t *testing.T) {
	// sqrt_price_q64 = 2^64 (Lo=0, Hi=1) means price = 1 before decimal
	// adjustment.
	leBytes := make([]byte, 16)
	leBytes[8] = 1
	one := uint128.FromBytes(leBytes)
	price := PriceFromSqrtQ64(one, 6, 6)
	want := cosmath.LegacyNewDec(1)
	if !price.Equal(want) {
		t.Errorf("price = %s, want %s", price, want)
	}
}

func TestPumpswapAMM_ParseAccount(t *testing.T) {
	data := make([]byte, splTokenAccountLayoutSize)
	binary.LittleEndian.PutUint64(data[splTokenAccountOffAmount:], 5_000_000)

	delta, err := PumpswapAMMParser{}.ParseAccount(data, 10, nil, domain.LegBase)
	if err != nil {
		t.Fatalf("ParseAccount: %v", err)
	}
	if delta == nil {
		t.Fatal("expected a delta")
	}
	if delta.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", delta.Confidence)
	}
	if delta.Leg != domain.LegBase || delta.BaseReserve.Int64() != 5_000_000 {
		t.Errorf("unexpected base-leg delta: %+v", delta)
	}
}

func TestPumpswapAMM_ParseAccount_RequiresLeg(t *testing.T) {
	data := make([]byte, splTokenAccountLayoutSize)
	_, err := PumpswapAMMParser{}.ParseAccount(data, 10, nil, domain.LegNone)
	if err == nil {
		t.Fatal("expected error when no vault leg is given")
	}
}

func TestPumpswapAMM_ParseLogs(t *testing.T) {
	line := "Program log: Instruction: Buy sol_amount=1000000000 token_amount=5000000"
	deltas, err := PumpswapAMMParser{}.ParseLogs([]string{line}, "sig", 10, nil)
	if err != nil {
		t.Fatalf("ParseLogs: %v", err)
	}
	if len(deltas) != 1 || deltas[0].Confidence != 0.8 {
		t.Fatalf("unexpected deltas: %+v", deltas)
	}
}

func TestPumpfunBonding_ParseAccount(t *testing.T) {
	data := make([]byte, pumpfunBondingLayoutSize)
	binary.LittleEndian.PutUint64(data[pumpfunOffVirtualTokenReserves:], 1_000_000_000_000)
	binary.LittleEndian.PutUint64(data[pumpfunOffVirtualSolReserves:], 30_000_000_000)
	data[pumpfunOffComplete] = 0

	delta, err := PumpfunBondingParser{}.ParseAccount(data, 42, nil, domain.LegNone)
	if err != nil {
		t.Fatalf("ParseAccount: %v", err)
	}
	if delta == nil {
		t.Fatal("expected a delta")
	}
	if delta.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", delta.Confidence)
	}
}

func TestPumpfunBonding_CompleteCurveYieldsNoDelta(t *testing.T) {
	data := make([]byte, pumpfunBondingLayoutSize)
	binary.LittleEndian.PutUint64(data[pumpfunOffVirtualTokenReserves:], 1)
	binary.LittleEndian.PutUint64(data[pumpfunOffVirtualSolReserves:], 1)
	data[pumpfunOffComplete] = 1

	delta, err := PumpfunBondingParser{}.ParseAccount(data, 42, nil, domain.LegNone)
	if err != nil {
		t.Fatalf("ParseAccount: %v", err)
	}
	if delta != nil {
		t.Fatal("expected nil delta for a completed bonding curve")
	}
}

// --- helpers ---

func padTo16(b []byte) []byte {
	if len(b) >= 16 {
		return b[len(b)-16:]
	}
	out := make([]byte, 16)
	copy(out[16-len(b):], b)
	return out
}

// reverse flips big-endian bytes (as produced by math/big) into the
// little-endian layout uint128.FromBytes expects.
func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
