package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/tidemark-labs/keel/pkg/contracts"
)

// Limiter throttles dispatch per tenant. A denied token is not a failure:
// the record simply stays due and the next scan picks it up.
type Limiter interface {
	Allow(ctx context.Context, tenant contracts.TenantID) (bool, error)
}

// redisTokenBucketScript runs the token bucket atomically in Redis so that
// every executor in the fleet shares one bucket per tenant.
// KEYS[1] = bucket key, ARGV[1] = refill rate/s, ARGV[2] = capacity,
// ARGV[3] = cost, ARGV[4] = current unix time (seconds).
var redisTokenBucketScript = redis.NewScript(`
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
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisLimiter implements Limiter with a shared Redis token bucket.
type RedisLimiter struct {
	client   *redis.Client
	ratePerS float64
	capacity int
	now      func() time.Time
}

// NewRedisLimiter creates a limiter allowing dispatchPerMinute sends per
// tenant per minute across the whole executor fleet.
func NewRedisLimiter(client *redis.Client, dispatchPerMinute int) *RedisLimiter {
	return &RedisLimiter{
		client:   client,
		ratePerS: float64(dispatchPerMinute) / 60.0,
		capacity: dispatchPerMinute,
		now:      func() time.Time { return time.Now() },
	}
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, tenant contracts.TenantID) (bool, error) {
	key := fmt.Sprintf("keel:dispatch:%s", tenant)
	res, err := redisTokenBucketScript.Run(ctx, l.client,
		[]string{key}, l.ratePerS, l.capacity, 1, l.now().Unix(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("outbox: redis limiter: %w", err)
	}
	return res == 1, nil
}

// LocalLimiter implements Limiter with an in-process bucket per tenant.
// It is the fallback when no Redis endpoint is configured; with multiple
// executors each process gets its own budget.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[contracts.TenantID]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewLocalLimiter creates a per-process limiter.
func NewLocalLimiter(dispatchPerMinute int) *LocalLimiter {
	return &LocalLimiter{
		limiters: make(map[contracts.TenantID]*rate.Limiter),
		limit:    rate.Limit(float64(dispatchPerMinute) / 60.0),
		burst:    dispatchPerMinute,
	}
}

// Allow implements Limiter.
func (l *LocalLimiter) Allow(ctx context.Context, tenant contracts.TenantID) (bool, error) {
	l.mu.Lock()
	lim, ok := l.limiters[tenant]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[tenant] = lim
	}
	l.mu.Unlock()
	return lim.Allow(), nil
}
