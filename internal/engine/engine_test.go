package engine

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"testing"
	"time"

	cosmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"

	"github.com/berkode/priceengine/internal/cache"
	"github.com/berkode/priceengine/internal/domain"
	"github.com/berkode/priceengine/internal/fuser"
	"github.com/berkode/priceengine/internal/oracle"
	"github.com/berkode/priceengine/internal/registry"
	"github.com/berkode/priceengine/internal/websocket"
)

// testSPLTokenAccountSize/testSPLTokenAccountOffAmount mirror the unexported
// parser.splTokenAccountLayoutSize/parser.splTokenAccountOffAmount: the raw
// SPL Token Program Account layout a raydium_v4/pumpswap_amm vault
// notification carries (amount at byte offset 64).
const testSPLTokenAccountSize = 165
const testSPLTokenAccountOffAmount = 64

type fakeMux struct{}

func (fakeMux) Subscribe(ctx context.Context, kind domain.SubscriptionKind, key string) (*websocket.SubscriptionHandle, error) {
	return &websocket.SubscriptionHandle{Kind: kind, Key: key}, nil
}
func (fakeMux) Unsubscribe(ctx context.Context, handle *websocket.SubscriptionHandle) error {
	return nil
}

type fakeStore struct{}

func (fakeStore) LoadAllPools() ([]domain.Pool, error)     { return nil, nil }
func (fakeStore) InsertPoolIfAbsent(domain.Pool) error     { return nil }

type fixedSOLUSD struct{ v cosmath.LegacyDec }

func (f fixedSOLUSD) SOLUSD() (cosmath.LegacyDec, bool) { return f.v, true }

type noopQuote struct{}

func (noopQuote) Quote(ctx context.Context, mint solana.PublicKey, decimals uint8) (*domain.TokenPrice, error) {
	return nil, nil
}

type noopPair struct{}

func (noopPair) Quote(ctx context.Context, mint solana.PublicKey) (*domain.TokenPrice, error) {
	return nil, nil
}

func testPool(seed byte) domain.Pool {
	var addr, base, quote, baseVault, quoteVault solana.PublicKey
	addr[0] = seed
	base[0] = seed + 1
	quote[0] = seed + 2
	baseVault[0] = seed + 3
	quoteVault[0] = seed + 4
	return domain.Pool{
		Address:       addr,
		DexKind:       domain.DexRaydiumV4,
		BaseMint:      base,
		QuoteMint:     quote, // not WSOL and not a known stablecoin
		BaseDecimals:  5,
		QuoteDecimals: 9,
		BaseVault:     baseVault,
		QuoteVault:    quoteVault,
	}
}

func buildEngine(t *testing.T) (*Engine, domain.Pool) {
	t.Helper()
	pool := testPool(1)
	pool.QuoteMint = solana.MustPublicKeyFromBase58(domain.WSOLMint)

	reg, err := registry.New(registry.DefaultConfig(), fakeMux{}, fakeStore{})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	if err := reg.Add(context.Background(), pool.BaseMint, pool, domain.PriorityHigh); err != nil {
		t.Fatalf("reg.Add: %v", err)
	}

	c := cache.New()
	solUSD := fixedSOLUSD{v: cosmath.LegacyNewDec(150)}
	quoteRef := NewStablecoinQuoteReference(solUSD)
	f := fuser.New(fuser.DefaultConfig(), c, reg, quoteRef, solUSD)
	mux := websocket.New(websocket.DefaultConfig())
	orc := oracle.New(oracle.DefaultConfig(), f, noopQuote{}, noopPair{}, reg)

	eng := New(DefaultConfig(), mux, c, reg, f, orc)
	return eng, pool
}

// waitForFuserEmit gives the Oracle's background Fuser-subscription
// goroutine a moment to drain a just-emitted price before assertions run.
func waitForFuserEmit() { time.Sleep(20 * time.Millisecond) }

// vaultNotification builds an account_updates notification for a single SPL
// token vault account carrying amount at the pool, matching what a real
// raydium_v4/pumpswap_amm vault subscription delivers.
func vaultNotification(vault solana.PublicKey, amount uint64, slot uint64) websocket.RawEvent {
	data := make([]byte, testSPLTokenAccountSize)
	binary.LittleEndian.PutUint64(data[testSPLTokenAccountOffAmount:], amount)
	return websocket.RawEvent{
		Kind:       domain.KindAccountUpdates,
		Pool:       vault.String(),
		Slot:       slot,
		AccountB64: base64.StdEncoding.EncodeToString(data),
	}
}

func TestEngineAppliesAccountUpdateAndPricesTheMint(t *testing.T) {
	eng, pool := buildEngine(t)
	ctx := context.Background()

	// GetCurrentPrice's first call is what lazily starts the Oracle's Fuser
	// subscription; call it once up front (ignoring the expected
	// ErrNotAvailable) so the subscription is live before the delta lands,
	// matching the Oracle's own test idiom for this race.
	_, _ = eng.GetCurrentPrice(ctx, pool.BaseMint, time.Hour, 0)

	eng.handleRawEvent(vaultNotification(pool.BaseVault, 100e5, 1000))
	if eng.Counters().Parsed != 0 {
		t.Fatalf("a single vault leg must not yet produce a parsed delta, got %+v", eng.Counters())
	}
	eng.handleRawEvent(vaultNotification(pool.QuoteVault, 1e9, 1000))

	if eng.Counters().Parsed != 1 {
		t.Fatalf("want 1 parsed delta, got %+v", eng.Counters())
	}

	waitForFuserEmit()

	tp, err := eng.GetCurrentPrice(ctx, pool.BaseMint, time.Hour, 0)
	if err != nil {
		t.Fatalf("GetCurrentPrice: %v", err)
	}
	if !tp.PriceSOL.IsPositive() {
		t.Fatalf("want a positive price_sol, got %s", tp.PriceSOL)
	}
	if tp.SourceTier != domain.SourceStreamAccount {
		t.Errorf("source tier = %v, want stream_account", tp.SourceTier)
	}
}

func TestEngineDropsUndecodableAccountPayload(t *testing.T) {
	eng, pool := buildEngine(t)
	ev := websocket.RawEvent{
		Kind:       domain.KindAccountUpdates,
		Pool:       pool.Address.String(),
		Slot:       1000,
		AccountB64: "not-valid-base64!!",
	}

	eng.handleRawEvent(ev)

	if eng.Counters().Parsed != 0 {
		t.Fatalf("undecodable payload must not be counted as parsed, got %+v", eng.Counters())
	}
	if eng.Counters().Rejected != 1 {
		t.Fatalf("want 1 rejected, got %+v", eng.Counters())
	}
}

func TestEngineIgnoresAccountUpdateForUnknownPool(t *testing.T) {
	eng, _ := buildEngine(t)
	var unknown solana.PublicKey
	unknown[0] = 0xff

	eng.handleRawEvent(vaultNotification(unknown, 100e5, 1000))

	if eng.Counters().Parsed != 0 {
		t.Fatalf("unknown pool must not produce a parsed delta, got %+v", eng.Counters())
	}
}

func TestAddThenRemoveTokenForMonitoring(t *testing.T) {
	eng, pool := buildEngine(t)
	ctx := context.Background()

	if err := eng.AddTokenForMonitoring(ctx, pool.BaseMint, pool, domain.PriorityHigh); err != nil {
		t.Fatalf("AddTokenForMonitoring: %v", err)
	}
	if err := eng.RemoveTokenFromMonitoring(ctx, pool.BaseMint); err != nil {
		t.Fatalf("RemoveTokenFromMonitoring: %v", err)
	}
}
