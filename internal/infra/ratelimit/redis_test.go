//go:build integration

package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestRedisLimiter_FixedWindow(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR_TEST")
	if addr == "" {
		t.Skip("REDIS_ADDR_TEST not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	limiter := NewRedisLimiterWithClient(client, nil)
	t.Cleanup(func() { _ = limiter.Close() })

	ctx := context.Background()
	key := "test:" + uuid.NewString()
	for i := 0; i < 3; i++ {
		decision, err := limiter.Allow(ctx, key, 3, time.Minute)
		if err != nil || !decision.Allowed {
			t.Fatalf("request %d: expected allow, got %+v %v", i, decision, err)
		}
	}
	decision, err := limiter.Allow(ctx, key, 3, time.Minute)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if decision.Allowed || decision.Remaining != 0 {
		t.Fatalf("expected limit, got %+v", decision)
	}
	if decision.ResetAt.Before(time.Now()) {
		t.Fatalf("expected reset in the future, got %s", decision.ResetAt)
	}
}
