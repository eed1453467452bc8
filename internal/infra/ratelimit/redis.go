package ratelimit

import (
	"context"
	"errors"
	"time"

	"auditledger/internal/domain"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ledger:ratelimit:"

// RedisLimiter shares fixed windows between ledgerd replicas.
type RedisLimiter struct {
	client *redis.Client
	now    func() time.Time
}

var redisAllowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

func NewRedisLimiter(addr, password string, db int, now func() time.Time) (*RedisLimiter, error) {
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisLimiterWithClient(client, now), nil
}

func NewRedisLimiterWithClient(client *redis.Client, now func() time.Time) *RedisLimiter {
	if now == nil {
		now = time.Now
	}
	return &RedisLimiter{client: client, now: now}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (domain.RateLimitDecision, error) {
	if limit <= 0 {
		return unlimited(limit), nil
	}
	windowMillis := window.Milliseconds()
	if windowMillis <= 0 {
		windowMillis = 1000
	}
	result, err := redisAllowScript.Run(ctx, r.client, []string{redisKeyPrefix + key}, windowMillis).Int64Slice()
	if err != nil {
		return domain.RateLimitDecision{}, err
	}
	if len(result) != 2 {
		return domain.RateLimitDecision{}, errors.New("unexpected redis rate limit response")
	}
	count, ttlMillis := result[0], result[1]
	// The window's end comes from the key's TTL so replicas agree on it
	// regardless of their own clocks.
	resetAt := r.now()
	if ttlMillis > 0 {
		resetAt = resetAt.Add(time.Duration(ttlMillis) * time.Millisecond)
	}
	return decide(int(count), limit, resetAt), nil
}

func (r *RedisLimiter) Close() error {
	return r.client.Close()
}

var _ domain.RateLimiter = (*RedisLimiter)(nil)
