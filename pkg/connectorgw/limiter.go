package connectorgw

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter gates connector executions per instance.
type Limiter interface {
	Allow(ctx context.Context, actorID string) (bool, error)
}

// tokenBucketScript runs the bucket check-and-consume atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = current unix time, fractional seconds
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 120)

return allowed
`)

// RedisLimiter enforces a per-minute ceiling shared across replicas.
type RedisLimiter struct {
	client *redis.Client
	perWin int
	window time.Duration
}

// NewRedisLimiter connects to Redis and allows perWindow executions
// per actor per window.
func NewRedisLimiter(addr, password string, perWindow int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		perWin: perWindow,
		window: window,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, actorID string) (bool, error) {
	key := "connectorgw:limiter:" + actorID
	rate := float64(l.perWin) / l.window.Seconds()
	if rate <= 0 {
		rate = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, l.client, []string{key}, rate, l.perWin, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("redis limiter: unexpected script result %T", res)
	}
	return allowed == 1, nil
}

// MemoryLimiter is the single-replica fallback when no Redis address
// is configured.
type MemoryLimiter struct {
	perWin int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewMemoryLimiter builds the in-process limiter.
func NewMemoryLimiter(perWindow int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		perWin:  perWindow,
		window:  window,
		now:     time.Now,
		buckets: map[string]*bucket{},
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, actorID string) (bool, error) {
	now := l.now()
	rate := float64(l.perWin) / l.window.Seconds()

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[actorID]
	if !ok {
		b = &bucket{tokens: float64(l.perWin), lastRefill: now}
		l.buckets[actorID] = b
	}
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens += elapsed * rate
		if b.tokens > float64(l.perWin) {
			b.tokens = float64(l.perWin)
		}
		b.lastRefill = now
	}
	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}
