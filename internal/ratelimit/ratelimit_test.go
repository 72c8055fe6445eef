package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testLimiter(t *testing.T, limits Limits) *SourceLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewSourceLimiter(client, limits, time.Minute)
}

func TestAllowConsumesTokens(t *testing.T) {
	l := testLimiter(t, Limits{Capacity: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := l.Allow(ctx, "api")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("request %d rejected within capacity", i)
		}
	}
	allowed, tokens, err := l.Allow(ctx, "api")
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Error("request over capacity was allowed")
	}
	if tokens >= 1 {
		t.Errorf("tokens = %f after exhaustion", tokens)
	}
}

func TestSourcesAreIndependent(t *testing.T) {
	l := testLimiter(t, Limits{Capacity: 1})
	ctx := context.Background()

	if allowed, _, _ := l.Allow(ctx, "schedule"); !allowed {
		t.Fatal("first request on source rejected")
	}
	if allowed, _, _ := l.Allow(ctx, "schedule"); allowed {
		t.Fatal("second request on drained source allowed")
	}
	// A different source still has its own budget.
	if allowed, _, _ := l.Allow(ctx, "api"); !allowed {
		t.Error("independent source was throttled")
	}
	// An empty source falls into a shared bucket rather than bypassing.
	if allowed, _, _ := l.Allow(ctx, ""); !allowed {
		t.Error("unknown source's first request rejected")
	}
	if allowed, _, _ := l.Allow(ctx, ""); allowed {
		t.Error("unknown source bypassed the limiter")
	}
}

func TestRefillRestoresBudget(t *testing.T) {
	l := testLimiter(t, Limits{Capacity: 1, RefillPerSecond: 10})
	ctx := context.Background()

	if allowed, _, _ := l.Allow(ctx, "api"); !allowed {
		t.Fatal("first request rejected")
	}
	if allowed, _, _ := l.Allow(ctx, "api"); allowed {
		t.Fatal("drained bucket allowed")
	}

	// The script computes refill from the wall-clock millis we pass in, so a
	// real sleep advances the window even though miniredis time is frozen.
	time.Sleep(150 * time.Millisecond)
	if allowed, _, _ := l.Allow(ctx, "api"); !allowed {
		t.Error("bucket did not refill")
	}
}

func TestFractionalBalanceSurvives(t *testing.T) {
	l := testLimiter(t, Limits{Capacity: 2, RefillPerSecond: 0.5})
	ctx := context.Background()

	if _, _, err := l.Allow(ctx, "api"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	_, tokens, err := l.Allow(ctx, "api")
	if err != nil {
		t.Fatal(err)
	}
	// After two takes and a tiny refill the balance is a fraction, which
	// must come back intact rather than truncated to zero-or-one.
	if tokens < 0 || tokens >= 1 {
		t.Errorf("tokens = %f, want a fractional balance below 1", tokens)
	}
}
