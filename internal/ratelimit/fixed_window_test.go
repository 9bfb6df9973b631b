package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestUserLimiterRedis(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewUserLimiter(Config{Addr: redis.Addr(), Prefix: "test:ratelimit", Limit: 2, Window: time.Minute})
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	defer limiter.Close()
	fixed := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)
	limiter.now = func() time.Time { return fixed }
	ctx := context.Background()

	for i, want := range []bool{true, true, false} {
		ok, err := limiter.Allow(ctx, 100)
		if err != nil {
			t.Fatalf("allow #%d: %v", i+1, err)
		}
		if ok != want {
			t.Fatalf("allow #%d = %v, want %v", i+1, ok, want)
		}
	}
	if ok, _ := limiter.Allow(ctx, 200); !ok {
		t.Fatalf("other user should have its own quota")
	}

	fixed = fixed.Add(time.Minute)
	if ok, _ := limiter.Allow(ctx, 100); !ok {
		t.Fatalf("next window should reset the quota")
	}
}

func TestUserLimiterFailsOpen(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewUserLimiter(Config{Addr: redis.Addr(), Prefix: "test:ratelimit", Limit: 1, Window: time.Second})
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	defer limiter.Close()
	redis.Close()
	ok, err := limiter.Allow(context.Background(), 1)
	if err == nil {
		t.Fatalf("expected redis error to be reported")
	}
	if !ok {
		t.Fatalf("limiter should let messages through on redis errors")
	}
}

func TestNewUserLimiterValidates(t *testing.T) {
	if l, err := NewUserLimiter(Config{Limit: 1, Window: time.Second}); err == nil || l != nil {
		t.Fatalf("expected constructor error for empty redis addr")
	}
	if l, err := NewUserLimiter(Config{Addr: "localhost:6379", Window: time.Second}); err == nil || l != nil {
		t.Fatalf("expected constructor error for zero limit")
	}
}
