package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/berkode/priceengine/internal/domain"
	"github.com/berkode/priceengine/internal/httpadapter"
)

func testPairAdapter(t *testing.T, handler http.HandlerFunc) *PairMetadataAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultPairMetadataConfig()
	cfg.BaseURL = srv.URL
	cfg.MinPoolAge = 0
	cfg.Infra = httpadapter.Config{
		PoolSize: 1, Timeout: time.Second, RatePerSec: 1000, MaxConcurrent: 4,
		MaxRetries: 1, CBFailureThreshold: 5, CBResetInterval: time.Second,
		CacheTTL: time.Hour,
	}
	return NewPairMetadataAdapter(cfg)
}

func mustPubkey(t *testing.T, seed byte) solana.PublicKey {
	t.Helper()
	var b [32]byte
	b[0] = seed
	return solana.PublicKeyFromBytes(b[:])
}

func TestPairMetadataAdapter_QuoteSelectsHighestLiquidityValidPair(t *testing.T) {
	mint := mustPubkey(t, 20)
	c := testPairAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(dexscreenerResponse{Pairs: []dexscreenerPair{
			{
				ChainID: "solana", DexID: "raydium",
				BaseToken: dexscreenerToken{Address: mint.String()},
				QuoteToken: dexscreenerToken{Address: domain.WSOLMint},
				PriceNative: "0.001", PriceUsd: "0.15",
				Liquidity: dexscreenerLiquidity{USD: 5_000},
			},
			{
				ChainID: "solana", DexID: "raydium",
				BaseToken: dexscreenerToken{Address: mint.String()},
				QuoteToken: dexscreenerToken{Address: domain.WSOLMint},
				PriceNative: "0.002", PriceUsd: "0.30",
				Liquidity: dexscreenerLiquidity{USD: 50_000},
			},
		}})
	})

	tp, err := c.Quote(context.Background(), mint)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	want := "0.002000000000000000"
	if tp.PriceSOL.String() != want {
		t.Errorf("price_sol = %s, want %s (the higher-liquidity pair)", tp.PriceSOL, want)
	}
	if tp.SourceTier != domain.SourceHTTPPair {
		t.Errorf("source_tier = %v, want %v", tp.SourceTier, domain.SourceHTTPPair)
	}
}

func TestPairMetadataAdapter_InvertsPriceWhenMintIsQuoteSide(t *testing.T) {
	mint := mustPubkey(t, 21)
	c := testPairAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(dexscreenerResponse{Pairs: []dexscreenerPair{
			{
				ChainID: "solana", DexID: "raydium",
				BaseToken:  dexscreenerToken{Address: domain.WSOLMint},
				QuoteToken: dexscreenerToken{Address: mint.String()},
				PriceNative: "500", // 500 mint per WSOL => 0.002 WSOL per mint
				PriceUsd:    "0.30",
				Liquidity:   dexscreenerLiquidity{USD: 20_000},
			},
		}})
	})

	tp, err := c.Quote(context.Background(), mint)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	want := "0.002000000000000000"
	if tp.PriceSOL.String() != want {
		t.Errorf("price_sol = %s, want %s", tp.PriceSOL, want)
	}
}

func TestPairMetadataAdapter_RejectsLowLiquidityPair(t *testing.T) {
	mint := mustPubkey(t, 22)
	c := testPairAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(dexscreenerResponse{Pairs: []dexscreenerPair{
			{
				ChainID: "solana", DexID: "raydium",
				BaseToken:  dexscreenerToken{Address: mint.String()},
				QuoteToken: dexscreenerToken{Address: domain.WSOLMint},
				PriceNative: "0.001", PriceUsd: "0.15",
				Liquidity: dexscreenerLiquidity{USD: 1}, // below MinLiquidityUSD
			},
		}})
	})

	if _, err := c.Quote(context.Background(), mint); err == nil {
		t.Fatal("expected an error when every pair fails liquidity validation")
	}
}

func TestPairMetadataAdapter_RejectsNonSolanaChain(t *testing.T) {
	mint := mustPubkey(t, 23)
	c := testPairAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(dexscreenerResponse{Pairs: []dexscreenerPair{
			{
				ChainID: "ethereum", DexID: "uniswap",
				BaseToken:  dexscreenerToken{Address: mint.String()},
				QuoteToken: dexscreenerToken{Address: domain.WSOLMint},
				PriceNative: "0.001", PriceUsd: "0.15",
				Liquidity: dexscreenerLiquidity{USD: 50_000},
			},
		}})
	})

	if _, err := c.Quote(context.Background(), mint); err == nil {
		t.Fatal("expected an error for a non-Solana pair")
	}
}
