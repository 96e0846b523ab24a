package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Quota enforces per-domain request limits on the broker.
type Quota interface {
	Allow(ctx context.Context, domain string) (bool, error)
}

// Default per-domain budget: 30 requests per minute with a burst of 10.
const (
	defaultQuotaPerMinute = 30
	defaultQuotaBurst     = 10
)

// LocalQuota is an in-process token bucket per domain.
type LocalQuota struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewLocalQuota() *LocalQuota {
	return &LocalQuota{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(defaultQuotaPerMinute) / 60.0),
		burst:    defaultQuotaBurst,
	}
}

// WithBudget overrides the per-minute budget and burst.
func (q *LocalQuota) WithBudget(perMinute, burst int) *LocalQuota {
	q.limit = rate.Limit(float64(perMinute) / 60.0)
	q.burst = burst
	return q
}

func (q *LocalQuota) Allow(_ context.Context, domain string) (bool, error) {
	q.mu.Lock()
	limiter, ok := q.limiters[domain]
	if !ok {
		limiter = rate.NewLimiter(q.limit, q.burst)
		q.limiters[domain] = limiter
	}
	q.mu.Unlock()
	return limiter.Allow(), nil
}

// tokenBucketScript refills a per-domain bucket and takes one token
// atomically. KEYS[1] is the bucket key; ARGV are capacity, refill per
// second and the current unix time in milliseconds.
var tokenBucketScript = redis.NewScript(`
local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local tokens = tonumber(bucket[1])
local ts = tonumber(bucket[2])
if tokens == nil then
	tokens = capacity
	ts = now
end
tokens = math.min(capacity, tokens + (now - ts) / 1000 * refill)
local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end
redis.call('HMSET', KEYS[1], 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', KEYS[1], 120000)
return allowed
`)

// RedisQuota shares one token bucket per domain across processes.
// Redis failures fail open with the error surfaced to the caller so
// the broker can decide; the broker falls back to its local quota.
type RedisQuota struct {
	client   *redis.Client
	capacity float64
	refill   float64
}

func NewRedisQuota(client *redis.Client) *RedisQuota {
	return &RedisQuota{
		client:   client,
		capacity: defaultQuotaBurst,
		refill:   float64(defaultQuotaPerMinute) / 60.0,
	}
}

func (q *RedisQuota) Allow(ctx context.Context, domain string) (bool, error) {
	key := fmt.Sprintf("grace:memory:quota:%s", domain)
	now := time.Now().UnixMilli()
	res, err := tokenBucketScript.Run(ctx, q.client, []string{key}, q.capacity, q.refill, now).Int()
	if err != nil {
		return false, fmt.Errorf("redis quota check: %w", err)
	}
	return res == 1, nil
}
