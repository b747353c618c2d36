package store

import (
	"context"
	"testing"
	"time"
)

func newTestMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := NewMemoryStore(ctx, RedisConfig{
		CacheTTL:             time.Minute,
		PremiumCapRatio:      0.5,
		PremiumRollingWindow: time.Hour,
	})
	t.Cleanup(func() {
		cancel()
		_ = s.Close()
	})
	return s
}

func TestMemoryStore_CacheRoundTrip(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	if _, ok := s.GetCached(ctx, "sig1"); ok {
		t.Fatal("expected miss before Set")
	}
	want := Result{Provider: "claude", Route: "text", Output: "hi", PremiumEscalated: true}
	_ = s.SetCached(ctx, "sig1", want)

	got, ok := s.GetCached(ctx, "sig1")
	if !ok || got.Provider != want.Provider || !got.PremiumEscalated {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestMemoryStore_CacheExpires(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewMemoryStore(ctx, RedisConfig{CacheTTL: 10 * time.Millisecond, PremiumRollingWindow: time.Hour})
	defer s.Close()

	_ = s.SetCached(ctx, "sig1", Result{Provider: "groq"})
	time.Sleep(30 * time.Millisecond)

	if _, ok := s.GetCached(ctx, "sig1"); ok {
		t.Fatal("expected cache entry to have expired")
	}
}

func TestMemoryStore_DedupeLockMutualExclusion(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	if !s.TryAcquireDedupeLock(ctx, "sig1", "owner-a", time.Minute) {
		t.Fatal("first acquire should succeed")
	}
	if s.TryAcquireDedupeLock(ctx, "sig1", "owner-b", time.Minute) {
		t.Fatal("second acquire should fail while locked")
	}
}

func TestMemoryStore_ReleaseRequiresOwnerMatch(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	s.TryAcquireDedupeLock(ctx, "sig1", "owner-a", time.Minute)
	s.ReleaseDedupeLock(ctx, "sig1", "owner-b")
	if _, ok := s.GetDedupeLock(ctx, "sig1"); !ok {
		t.Fatal("lock should survive a non-owner release")
	}

	s.ReleaseDedupeLock(ctx, "sig1", "owner-a")
	if _, ok := s.GetDedupeLock(ctx, "sig1"); ok {
		t.Fatal("lock should be released by its owner")
	}
}

func TestMemoryStore_PremiumQuotaDeniesOnColdWindow(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	decision := s.TryReservePremiumRequest(ctx, "req-1")
	if decision.Allowed {
		t.Fatal("must deny when total window is empty")
	}
}

func TestMemoryStore_PremiumQuotaRespectsCapRatio(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	s.RecordTotalRequest(ctx, "t1")
	s.RecordTotalRequest(ctx, "t2")

	allowed := s.TryReservePremiumRequest(ctx, "req-1")
	if !allowed.Allowed {
		t.Fatalf("expected allowed at cap boundary, got %+v", allowed)
	}

	denied := s.TryReservePremiumRequest(ctx, "req-2")
	if denied.Allowed {
		t.Fatalf("expected second reservation to exceed cap, got %+v", denied)
	}
}

func TestMemoryStore_WaitForDedupeResultSeesPublishedResult(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	s.SetDedupeResult(ctx, "sig1", Result{Provider: "ollama"}, time.Minute)
	got, ok := s.WaitForDedupeResult(ctx, "sig1", time.Second)
	if !ok || got.Provider != "ollama" {
		t.Fatalf("expected to observe published result, got %+v ok=%v", got, ok)
	}
}

func TestMemoryStore_PingAlwaysTrue(t *testing.T) {
	s := newTestMemoryStore(t)
	if !s.Ping(context.Background()) {
		t.Fatal("MemoryStore.Ping should always report healthy")
	}
}
