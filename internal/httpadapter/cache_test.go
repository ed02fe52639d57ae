package httpadapter

import (
	"testing"
	"time"
)

func TestCache_FreshWithinTTL(t *testing.T) {
	c := NewCache[int](50 * time.Millisecond)
	c.Put("k", 42)
	v, ok := c.Fresh("k")
	if !ok || v != 42 {
		t.Fatalf("expected a fresh hit of 42, got %v %v", v, ok)
	}
}

func TestCache_FreshMissesPastTTL(t *testing.T) {
	c := NewCache[int](10 * time.Millisecond)
	c.Put("k", 42)
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Fresh("k"); ok {
		t.Fatal("expected a miss past TTL")
	}
}

func TestCache_StaleReturnsPastTTLWithAge(t *testing.T) {
	c := NewCache[int](10 * time.Millisecond)
	c.Put("k", 42)
	time.Sleep(20 * time.Millisecond)
	v, age, ok := c.Stale("k")
	if !ok || v != 42 {
		t.Fatalf("expected a stale hit of 42, got %v %v", v, ok)
	}
	if age < 20*time.Millisecond {
		t.Errorf("age = %s, want >= 20ms", age)
	}
}

func TestCache_UnknownKeyMisses(t *testing.T) {
	c := NewCache[int](time.Second)
	if _, ok := c.Fresh("missing"); ok {
		t.Fatal("expected a miss for an unknown key")
	}
	if _, _, ok := c.Stale("missing"); ok {
		t.Fatal("expected Stale to miss for an unknown key too")
	}
}
