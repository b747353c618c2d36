package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })

	s := NewRedisStoreFromClient(cli, RedisConfig{
		Namespace:            "test",
		CacheTTL:             time.Minute,
		PremiumCapRatio:      0.5,
		PremiumRollingWindow: time.Hour,
	})
	return s, mr
}

func TestRedisStore_CacheRoundTrip(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	if _, ok := s.GetCached(ctx, "sig1"); ok {
		t.Fatal("expected miss before any Set")
	}

	want := Result{Provider: "groq", Route: "text", Output: "hello"}
	if err := s.SetCached(ctx, "sig1", want); err != nil {
		t.Fatal(err)
	}

	got, ok := s.GetCached(ctx, "sig1")
	if !ok {
		t.Fatal("expected hit after Set")
	}
	if got.Provider != want.Provider || got.Route != want.Route {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestRedisStore_DedupeLockMutualExclusion(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	if !s.TryAcquireDedupeLock(ctx, "sig1", "owner-a", time.Minute) {
		t.Fatal("first acquire should succeed")
	}
	if s.TryAcquireDedupeLock(ctx, "sig1", "owner-b", time.Minute) {
		t.Fatal("second acquire while locked should fail")
	}

	lock, ok := s.GetDedupeLock(ctx, "sig1")
	if !ok || lock.Owner != "owner-a" {
		t.Fatalf("expected lock held by owner-a, got %+v", lock)
	}
}

func TestRedisStore_ReleaseDedupeLockRequiresOwnerMatch(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	s.TryAcquireDedupeLock(ctx, "sig1", "owner-a", time.Minute)

	// A non-owner release must not remove the lock.
	s.ReleaseDedupeLock(ctx, "sig1", "owner-b")
	if _, ok := s.GetDedupeLock(ctx, "sig1"); !ok {
		t.Fatal("lock should survive a non-owner release")
	}

	s.ReleaseDedupeLock(ctx, "sig1", "owner-a")
	if _, ok := s.GetDedupeLock(ctx, "sig1"); ok {
		t.Fatal("lock should be gone after owner release")
	}
}

func TestRedisStore_WaitForDedupeResultSeesPublishedResult(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	want := Result{Provider: "ollama", Route: "text", Output: "done"}
	s.SetDedupeResult(ctx, "sig1", want, time.Minute)

	got, ok := s.WaitForDedupeResult(ctx, "sig1", time.Second)
	if !ok {
		t.Fatal("expected to observe the published dedupe result")
	}
	if got.Provider != want.Provider {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestRedisStore_WaitForDedupeResultTimesOutWhenNothingPublished(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	_, ok := s.WaitForDedupeResult(ctx, "missing-sig", 60*time.Millisecond)
	if ok {
		t.Fatal("expected timeout with no published result")
	}
}

func TestRedisStore_PremiumQuotaDeniesOnColdWindow(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	decision := s.TryReservePremiumRequest(ctx, "req-1")
	if decision.Allowed {
		t.Fatal("a request must never be allowed when the total window is empty")
	}
	if decision.TotalCount != 0 {
		t.Fatalf("expected total count 0, got %d", decision.TotalCount)
	}
}

func TestRedisStore_PremiumQuotaAllowsWithinCapRatio(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	// Cap ratio is 0.5: record two total requests, then one premium
	// reservation should keep the projected ratio at 1/2 = 0.5, which is
	// within cap.
	s.RecordTotalRequest(ctx, "t1")
	s.RecordTotalRequest(ctx, "t2")

	decision := s.TryReservePremiumRequest(ctx, "req-1")
	if !decision.Allowed {
		t.Fatalf("expected reservation to be allowed, got %+v", decision)
	}
	if decision.ReservationMember == "" {
		t.Fatal("allowed reservation must carry a non-empty member")
	}
}

func TestRedisStore_PremiumQuotaDeniesOverCapRatio(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	// Single total request: one premium reservation projects to ratio 1.0,
	// which exceeds the 0.5 cap.
	s.RecordTotalRequest(ctx, "t1")

	decision := s.TryReservePremiumRequest(ctx, "req-1")
	if decision.Allowed {
		t.Fatalf("expected denial over cap ratio, got %+v", decision)
	}
}

func TestRedisStore_ReleasePremiumReservationFreesSlot(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	s.RecordTotalRequest(ctx, "t1")
	s.RecordTotalRequest(ctx, "t2")

	d1 := s.TryReservePremiumRequest(ctx, "req-1")
	if !d1.Allowed {
		t.Fatalf("expected first reservation to be allowed, got %+v", d1)
	}
	s.ReleasePremiumReservation(ctx, d1.ReservationMember)

	// After releasing, premium count should be back to 0 and a second
	// reservation should succeed again at the same ratio.
	d2 := s.TryReservePremiumRequest(ctx, "req-2")
	if !d2.Allowed {
		t.Fatalf("expected reservation after release to be allowed, got %+v", d2)
	}
	if d2.PremiumCount != 0 {
		t.Fatalf("expected premium count 0 after release, got %d", d2.PremiumCount)
	}
}

func TestRedisStore_PingReflectsConnectivity(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	if !s.Ping(ctx) {
		t.Fatal("expected ping to succeed against a running miniredis")
	}

	mr.Close()
	if s.Ping(ctx) {
		t.Fatal("expected ping to fail once the backing redis is closed")
	}
}
