package api

import (
	"testing"
	"time"
)

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	limiter := NewRateLimiter(60, 2)
	now := time.Unix(1_706_000_000, 0)
	limiter.now = func() time.Time { return now }

	for _, client := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		if allowed, _ := limiter.Allow(client); !allowed {
			t.Fatalf("first request from %s rejected", client)
		}
	}
	if got := limiter.clients(); got != 3 {
		t.Fatalf("clients = %d, want 3", got)
	}

	now = now.Add(limiter.idleTTL / 2)
	if allowed, _ := limiter.Allow("10.0.0.1"); !allowed {
		t.Fatal("second request from 10.0.0.1 rejected")
	}

	now = now.Add(limiter.idleTTL/2 + time.Second)
	if allowed, _ := limiter.Allow("10.0.0.4"); !allowed {
		t.Fatal("first request from 10.0.0.4 rejected")
	}
	if got := limiter.clients(); got != 2 {
		t.Fatalf("clients after sweep = %d, want 2 (one active, one new)", got)
	}
}

func TestRateLimiterKeepsLimitForActiveClient(t *testing.T) {
	limiter := NewRateLimiter(1, 1)
	now := time.Unix(1_706_000_000, 0)
	limiter.now = func() time.Time { return now }

	if allowed, _ := limiter.Allow("10.0.0.1"); !allowed {
		t.Fatal("first request rejected")
	}
	now = now.Add(30 * time.Second)
	allowed, retryAfter := limiter.Allow("10.0.0.1")
	if allowed {
		t.Fatal("second request inside the refill window allowed")
	}
	if retryAfter <= 0 || retryAfter > 30*time.Second {
		t.Fatalf("retryAfter = %v, want within (0, 30s]", retryAfter)
	}
}
