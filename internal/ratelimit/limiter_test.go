package ratelimit

import (
	"testing"
	"time"
)

func TestAllowsWithinCapacity(t *testing.T) {
	l := New(5, 1, 0)
	now := time.Now()
	for i := 0; i < 5; i++ {
		if got := l.Check("k", now).Verdict; got != Allowed {
			t.Fatalf("request %d: got %v, want Allowed", i, got)
		}
	}
}

func TestTokensNeverDecreaseWithoutInput(t *testing.T) {
	l := New(5, 1, 0)
	now := time.Now()
	l.Check("k", now)
	r1 := l.Check("k", now.Add(time.Second))
	r2 := l.Check("k", now.Add(2*time.Second))
	if r1.Verdict != Allowed || r2.Verdict != Allowed {
		t.Fatalf("expected refill to keep allowing: %v %v", r1.Verdict, r2.Verdict)
	}
}

func TestCapacityOneRejectsSecondImmediateRequest(t *testing.T) {
	l := New(1, 0.001, 10)
	now := time.Now()
	if got := l.Check("k", now).Verdict; got != Allowed {
		t.Fatalf("first request: got %v, want Allowed", got)
	}
	if got := l.Check("k", now).Verdict; got != RateLimited {
		t.Fatalf("second immediate request: got %v, want RateLimited", got)
	}
}

func TestBanEscalation(t *testing.T) {
	l := New(1, 0.001, 2)
	now := time.Now()

	seq := []Verdict{Allowed, RateLimited, Banned}
	for i, want := range seq {
		got := l.Check("k", now).Verdict
		if got != want {
			t.Fatalf("request %d: got %v, want %v", i, got, want)
		}
	}

	// Clear the ban as if it had expired, then issue two more requests:
	// RateLimited, Banned(10min) — the second ban for this key.
	l.mu.Lock()
	delete(l.bans, "k")
	l.mu.Unlock()

	if got := l.Check("k", now).Verdict; got != RateLimited {
		t.Fatalf("after clearing ban, first request: got %v, want RateLimited", got)
	}
	res := l.Check("k", now)
	if res.Verdict != Banned {
		t.Fatalf("after clearing ban, second request: got %v, want Banned", res.Verdict)
	}
	if res.Remaining != banTable[1] {
		t.Fatalf("expected second ban duration %v, got %v", banTable[1], res.Remaining)
	}

	l.mu.Lock()
	delete(l.bans, "k")
	l.mu.Unlock()

	if got := l.Check("k", now).Verdict; got != RateLimited {
		t.Fatalf("after clearing ban again: got %v, want RateLimited", got)
	}
	res = l.Check("k", now)
	if res.Remaining != banTable[2] {
		t.Fatalf("expected third ban duration %v, got %v", banTable[2], res.Remaining)
	}
}

func TestBanCountAtOrAboveSevenStaysAtOneYear(t *testing.T) {
	l := New(1, 0.001, 1)
	now := time.Now()
	l.mu.Lock()
	l.buckets["k"] = &bucket{tokens: 0, lastRefill: now, timesBanned: 10}
	l.mu.Unlock()

	res := l.Check("k", now)
	if res.Verdict != Banned {
		t.Fatalf("got %v, want Banned", res.Verdict)
	}
	if res.Remaining != banTable[6] {
		t.Fatalf("expected 1-year ban, got %v", res.Remaining)
	}
}

func TestBannedKeyStaysBannedUntilExpiry(t *testing.T) {
	l := New(1, 1000, 1)
	now := time.Now()
	l.mu.Lock()
	l.bans["k"] = &ban{bannedAt: now, duration: 60 * time.Second, timesBanned: 1}
	l.mu.Unlock()

	res := l.Check("k", now.Add(30*time.Second))
	if res.Verdict != Banned {
		t.Fatalf("got %v, want Banned", res.Verdict)
	}
	if res.Remaining <= 0 || res.Remaining > 30*time.Second {
		t.Fatalf("unexpected remaining: %v", res.Remaining)
	}
}

func TestBanExpiryCarriesTimesBannedIntoFreshBucket(t *testing.T) {
	l := New(1, 1000, 1)
	now := time.Now()
	l.mu.Lock()
	l.bans["k"] = &ban{bannedAt: now, duration: time.Second, timesBanned: 3}
	l.mu.Unlock()

	// Ban has expired by this point in time.
	l.Check("k", now.Add(2*time.Second))

	l.mu.Lock()
	bk := l.buckets["k"]
	l.mu.Unlock()
	if bk == nil || bk.timesBanned != 3 {
		t.Fatalf("expected carried timesBanned=3, got %+v", bk)
	}
}

func TestCleanupEvictsIdleBucketsAndExpiredBans(t *testing.T) {
	l := New(5, 1, 0)
	now := time.Now()
	l.Check("idle-key", now)
	l.mu.Lock()
	l.bans["expired-ban"] = &ban{bannedAt: now, duration: time.Second, timesBanned: 1}
	l.mu.Unlock()

	l.Cleanup(now.Add(time.Hour), 10*time.Minute)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.buckets["idle-key"]; ok {
		t.Fatal("expected idle bucket to be evicted")
	}
	if _, ok := l.bans["expired-ban"]; ok {
		t.Fatal("expected expired ban to be evicted")
	}
}

func TestDifferentKeysAreIndependent(t *testing.T) {
	l := New(1, 0.001, 10)
	now := time.Now()
	l.Check("a", now)
	if got := l.Check("b", now).Verdict; got != Allowed {
		t.Fatalf("key b: got %v, want Allowed", got)
	}
}
