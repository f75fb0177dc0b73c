package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func unreachableClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewRedisDefaults(t *testing.T) {
	lim := NewRedis(nil, 0)
	if lim.Window != time.Minute || lim.Prefix != DefaultPrefix || lim.Fallback == nil {
		t.Fatalf("unexpected defaults: %+v", lim)
	}
}

func TestRedisLimiter(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredis(t)
	limiter := NewRedis(client, 25*time.Millisecond)
	key := "proposer:carol"

	first := limiter.Allow(ctx, key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(ctx, key, 2)
	if !second.Allowed || second.Count != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(ctx, key, 2)
	if third.Allowed || third.Count != 3 {
		t.Fatalf("unexpected third decision: %+v", third)
	}
	if !mr.Exists(DefaultPrefix + key) {
		t.Fatal("expected prefixed counter key in redis")
	}
	mr.FastForward(30 * time.Millisecond)
	reset := limiter.Allow(ctx, key, 2)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected counter reset after window, got %+v", reset)
	}
}

func TestRedisLimiterUnavailableUsesFallback(t *testing.T) {
	ctx := context.Background()
	limiter := NewRedis(unreachableClient(t), time.Second)
	if d := limiter.Allow(ctx, "approver:dave", 1); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected in-memory fallback allow on redis outage, got %+v", d)
	}
	if d := limiter.Allow(ctx, "approver:dave", 1); d.Allowed {
		t.Fatalf("expected fallback limiter to enforce limits, got %+v", d)
	}
}

func TestRedisLimiterPermissiveWithoutFallback(t *testing.T) {
	ctx := context.Background()
	t.Run("client_nil", func(t *testing.T) {
		lim := &RedisLimiter{Window: 2 * time.Second, Prefix: DefaultPrefix}
		d := lim.Allow(ctx, "k1", 0)
		if !d.Allowed || d.Limit != 1 || d.Count != 0 || d.Remaining != 1 {
			t.Fatalf("expected permissive decision, got %+v", d)
		}
	})
	t.Run("redis_error", func(t *testing.T) {
		lim := &RedisLimiter{Client: unreachableClient(t), Window: 2 * time.Second, Prefix: DefaultPrefix}
		d := lim.Allow(ctx, "k2", 2)
		if !d.Allowed || d.Count != 0 || d.Limit != 2 {
			t.Fatalf("expected permissive decision on redis error, got %+v", d)
		}
	})
}

func TestRedisLimiterUnexpectedScriptResult(t *testing.T) {
	ctx := context.Background()
	_, client := newMiniredis(t)

	originalScript := rateLimitScript
	defer func() { rateLimitScript = originalScript }()

	rateLimitScript = redis.NewScript(`return "bad-value"`)
	lim := &RedisLimiter{Client: client, Window: 100 * time.Millisecond, Prefix: DefaultPrefix}
	if d := lim.Allow(ctx, "k3", 5); !d.Allowed || d.Count != 0 || d.Limit != 5 {
		t.Fatalf("expected permissive decision for invalid script result, got %+v", d)
	}

	rateLimitScript = redis.NewScript(`return {1}`)
	withFallback := NewRedis(client, time.Second)
	if d := withFallback.Allow(ctx, "k4", 1); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected fallback first decision, got %+v", d)
	}
	if d := withFallback.Allow(ctx, "k4", 1); d.Allowed {
		t.Fatalf("expected fallback enforcement on second call, got %+v", d)
	}
}

func TestRedisLimiterNegativeTTLUsesWindow(t *testing.T) {
	ctx := context.Background()
	_, client := newMiniredis(t)
	lim := NewRedis(client, 500*time.Millisecond)
	if err := client.Set(ctx, lim.Prefix+"k5", "1", 0).Err(); err != nil {
		t.Fatalf("seed redis key: %v", err)
	}
	d := lim.Allow(ctx, "k5", 10)
	if d.ResetAt.Before(time.Now().UTC()) {
		t.Fatalf("expected resetAt in future, got %v", d.ResetAt)
	}
}
