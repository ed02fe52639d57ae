package cache

import (
	"testing"
	"time"

	cosmath "cosmossdk.io/math"
	"github.com/berkode/priceengine/internal/domain"
)

func fullState(slot uint64, tier domain.SourceTier, confidence float64) domain.PoolState {
	return domain.PoolState{
		BaseReserve:  cosmath.NewInt(1000),
		QuoteReserve: cosmath.NewInt(2000),
		Slot:         slot,
		WallTime:     time.Now(),
		SourceTier:   tier,
		Confidence:   confidence,
	}
}

func TestApplyDelta_FirstWriteAlwaysAccepted(t *testing.T) {
	c := New()
	if !c.ApplyDelta("poolA", fullState(100, domain.SourceStreamAccount, 0.9)) {
		t.Fatal("first delta for a pool must be accepted")
	}
}

func TestApplyDelta_OlderSlotRejected(t *testing.T) {
	c := New()
	c.ApplyDelta("poolA", fullState(100, domain.SourceStreamAccount, 0.9))
	if c.ApplyDelta("poolA", fullState(99, domain.SourceStreamAccount, 0.9)) {
		t.Fatal("an older slot must be rejected")
	}
}

func TestApplyDelta_NewerSlotAccepted(t *testing.T) {
	c := New()
	c.ApplyDelta("poolA", fullState(100, domain.SourceStreamAccount, 0.9))
	if !c.ApplyDelta("poolA", fullState(101, domain.SourceStreamSwap, 0.7)) {
		t.Fatal("a strictly newer slot must be accepted regardless of tier")
	}
}

func TestApplyDelta_SameSlotAccountBeatsLog(t *testing.T) {
	c := New()
	c.ApplyDelta("poolA", fullState(100, domain.SourceStreamSwap, 0.7))
	if !c.ApplyDelta("poolA", fullState(100, domain.SourceStreamAccount, 0.9)) {
		t.Fatal("an account-derived delta must supersede a same-slot log delta")
	}
}

func TestApplyDelta_SameSlotLogNeverBeatsAccount(t *testing.T) {
	c := New()
	c.ApplyDelta("poolA", fullState(100, domain.SourceStreamAccount, 0.9))
	if c.ApplyDelta("poolA", fullState(100, domain.SourceStreamSwap, 0.99)) {
		t.Fatal("a log-derived delta must never unseat a same-slot account state")
	}
}

func TestApplyDelta_SameSlotSameTierBrokenByConfidence(t *testing.T) {
	c := New()
	c.ApplyDelta("poolA", fullState(100, domain.SourceStreamAccount, 0.9))
	if c.ApplyDelta("poolA", fullState(100, domain.SourceStreamAccount, 0.5)) {
		t.Fatal("a lower-confidence same-tier same-slot delta must be rejected")
	}
	if !c.ApplyDelta("poolA", fullState(100, domain.SourceStreamAccount, 0.95)) {
		t.Fatal("a higher-confidence same-tier same-slot delta must be accepted")
	}
}

func TestApplyDelta_PartialNeverOverwritesFull(t *testing.T) {
	c := New()
	c.ApplyDelta("poolA", fullState(100, domain.SourceStreamAccount, 0.9))

	partial := domain.PoolState{
		BaseReserve:  cosmath.NewInt(5),
		QuoteReserve: cosmath.NewInt(6),
		Slot:         200,
		SourceTier:   domain.SourceStreamSwap,
		Confidence:   0.7,
		Partial:      true,
	}
	if c.ApplyDelta("poolA", partial) {
		t.Fatal("a partial delta must never overwrite a full state, even at a newer slot")
	}
}

func TestApplyDelta_NonPositiveReservesRejected(t *testing.T) {
	c := New()
	bad := domain.PoolState{
		BaseReserve:  cosmath.NewInt(0),
		QuoteReserve: cosmath.NewInt(100),
		Slot:         1,
		SourceTier:   domain.SourceStreamAccount,
		Confidence:   0.9,
	}
	if c.ApplyDelta("poolA", bad) {
		t.Fatal("zero reserves must be rejected")
	}
}

func TestGet_UnknownPool(t *testing.T) {
	c := New()
	if _, ok := c.Get("nope"); ok {
		t.Fatal("expected no state for an unknown pool")
	}
}

func TestSubscribeChanges_ReceivesAcceptedDeltas(t *testing.T) {
	c := New()
	ch, unsubscribe := c.SubscribeChanges("poolA")
	defer unsubscribe()

	c.ApplyDelta("poolA", fullState(100, domain.SourceStreamAccount, 0.9))

	select {
	case got := <-ch:
		if got.Slot != 100 {
			t.Errorf("slot = %d, want 100", got.Slot)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a delta notification")
	}
}

func TestEvictIdle_RemovesStaleEntries(t *testing.T) {
	c := New()
	stale := fullState(1, domain.SourceStreamAccount, 0.9)
	stale.WallTime = time.Now().Add(-time.Hour)
	c.ApplyDelta("stalePool", stale)
	c.ApplyDelta("freshPool", fullState(1, domain.SourceStreamAccount, 0.9))

	removed := c.EvictIdle(time.Now(), 10*time.Minute)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := c.Get("stalePool"); ok {
		t.Error("stale pool should have been evicted")
	}
	if _, ok := c.Get("freshPool"); !ok {
		t.Error("fresh pool should survive eviction")
	}
}
