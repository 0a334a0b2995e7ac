package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type stepClock struct {
	t time.Time
}

func (c *stepClock) Now() time.Time { return c.t }

func setupTestRateLimiter(t *testing.T, limit int, window time.Duration) (*RateLimiter, *stepClock) {
	t.Helper()
	mr := miniredis.RunT(t)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clock := &stepClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	limiter := NewRateLimiter(&Client{rdb: rdb, logger: zap.NewNop()}, zap.NewNop(), RateLimitConfig{
		Limit:  limit,
		Window: window,
	})
	limiter.now = clock.Now
	return limiter, clock
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter, clock := setupTestRateLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		clock.t = clock.t.Add(time.Millisecond)
		result, err := limiter.Allow(ctx, "mailchimp")
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if result.Remaining != 4-i {
			t.Errorf("request %d: expected remaining %d, got %d", i, 4-i, result.Remaining)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter, _ := setupTestRateLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if res, err := limiter.Allow(ctx, "mailchimp"); err != nil || !res.Allowed {
			t.Fatalf("request %d should be allowed: %v", i, err)
		}
	}

	result, err := limiter.Allow(ctx, "mailchimp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Fatal("fourth request should be blocked")
	}
	if result.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", result.Remaining)
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	limiter, clock := setupTestRateLimiter(t, 2, time.Minute)
	ctx := context.Background()

	limiter.Allow(ctx, "mailchimp")
	clock.t = clock.t.Add(30 * time.Second)
	limiter.Allow(ctx, "mailchimp")

	if res, _ := limiter.Allow(ctx, "mailchimp"); res.Allowed {
		t.Fatal("window is full")
	}

	clock.t = clock.t.Add(31 * time.Second)
	res, err := limiter.Allow(ctx, "mailchimp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Fatal("the oldest call left the window, a new one should fit")
	}
}

func TestRateLimiter_IntegrationsAreIndependent(t *testing.T) {
	limiter, _ := setupTestRateLimiter(t, 1, time.Minute)
	ctx := context.Background()

	if res, _ := limiter.Allow(ctx, "mailchimp"); !res.Allowed {
		t.Fatal("first mailchimp call should be allowed")
	}
	if res, _ := limiter.Allow(ctx, "mailchimp"); res.Allowed {
		t.Fatal("second mailchimp call should be blocked")
	}
	if res, _ := limiter.Allow(ctx, "hubspot"); !res.Allowed {
		t.Fatal("hubspot has its own budget")
	}
}

func TestRateLimiter_LimitOverrideAndDisabled(t *testing.T) {
	limiter, _ := setupTestRateLimiter(t, 1, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if res, _ := limiter.AllowLimit(ctx, "mailchimp", 3); !res.Allowed {
			t.Fatalf("call %d within the override should be allowed", i)
		}
	}
	for i := 0; i < 10; i++ {
		if res, _ := limiter.AllowLimit(ctx, "unlimited", 0); !res.Allowed {
			t.Fatal("a zero limit disables limiting")
		}
	}
}

func TestRateLimiter_RedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	limiter := NewRateLimiter(&Client{rdb: rdb, logger: zap.NewNop()}, zap.NewNop(), RateLimitConfig{Limit: 1})
	mr.Close()

	if _, err := limiter.Allow(context.Background(), "mailchimp"); err == nil {
		t.Fatal("expected an error when redis is unreachable")
	}
}

func TestRateLimiter_ScopesDoNotShareBudget(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	client := &Client{rdb: rdb, logger: zap.NewNop()}
	ctx := context.Background()

	outbound := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Limit: 1, Window: time.Minute})
	admin := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Limit: 1, Window: time.Minute, Scope: "api"})

	if res, err := outbound.Allow(ctx, "shared"); err != nil || !res.Allowed {
		t.Fatalf("outbound call should be allowed: %v", err)
	}
	if res, err := admin.Allow(ctx, "shared"); err != nil || !res.Allowed {
		t.Fatalf("admin call should have its own budget: %v", err)
	}
	if !mr.Exists("ratelimit:integration:shared") || !mr.Exists("ratelimit:api:shared") {
		t.Errorf("expected one window key per scope, got %v", mr.Keys())
	}
}
