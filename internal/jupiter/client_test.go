package jupiter

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

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.Infra = httpadapter.Config{
		PoolSize: 1, Timeout: time.Second, RatePerSec: 1000, MaxConcurrent: 4,
		MaxRetries: 1, CBFailureThreshold: 5, CBResetInterval: time.Second,
		CacheTTL: time.Hour,
	}
	return New(cfg)
}

func TestQuote_DerivesPriceFromOutAmount(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(quoteResponse{
			OutAmount:      "1000000", // 1 SOL in -> 1,000,000 raw units out, 6 decimals => 1 token
			PriceImpactPct: "0.001",
			ContextSlot:    42,
		})
	})

	tp, err := c.Quote(context.Background(), mint, 6)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	want := "1.000000000000000000"
	if tp.PriceSOL.String() != want {
		t.Errorf("price_sol = %s, want %s", tp.PriceSOL, want)
	}
	if tp.SourceTier != domain.SourceHTTPQuote {
		t.Errorf("source_tier = %v, want %v", tp.SourceTier, domain.SourceHTTPQuote)
	}
}

func TestQuote_RejectsImpactOverCap(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(quoteResponse{
			OutAmount:      "1000000",
			PriceImpactPct: "0.50", // 50%, far past the 3% default cap
			ContextSlot:    1,
		})
	})

	if _, err := c.Quote(context.Background(), mint, 6); err == nil {
		t.Fatal("expected an error for a quote whose price impact exceeds the cap")
	}
}

func TestQuote_ServesStaleOnFailureAfterASuccess(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	fail := false
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(quoteResponse{OutAmount: "500000", PriceImpactPct: "0.001", ContextSlot: 1})
	})

	first, err := c.Quote(context.Background(), mint, 6)
	if err != nil {
		t.Fatalf("first quote: %v", err)
	}

	fail = true
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	second, err := c.Quote(ctx, mint, 6)
	if err != nil {
		t.Fatalf("expected a stale fallback instead of an error, got: %v", err)
	}
	if !second.PriceSOL.Equal(first.PriceSOL) {
		t.Errorf("stale price_sol = %s, want %s", second.PriceSOL, first.PriceSOL)
	}
	if second.Confidence != first.Confidence/2 {
		t.Errorf("stale confidence = %v, want %v", second.Confidence, first.Confidence/2)
	}
}

func TestQuote_NoFallbackWithoutPriorSuccess(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.Quote(ctx, mint, 6); err == nil {
		t.Fatal("expected an error when no quote has ever succeeded for this mint")
	}
}
