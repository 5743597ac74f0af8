package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/acgs-platform/agentbus/pkg/contracts"
)

// RateLimit is a per-agent token bucket policy.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// DefaultLimits returns the standard per-role limits. Judicial agents
// get extra headroom for validation and audit traffic.
func DefaultLimits() map[contracts.Role]RateLimit {
	return map[contracts.Role]RateLimit{
		contracts.RoleExecutive:   {PerSecond: 100, Burst: 200},
		contracts.RoleLegislative: {PerSecond: 100, Burst: 200},
		contracts.RoleJudicial:    {PerSecond: 200, Burst: 400},
	}
}

// LimiterStore abstracts the rate-limit bucket storage, so a
// single-process bus uses local buckets and a multi-instance deployment
// can share buckets through Redis.
type LimiterStore interface {
	// Allow consumes one token from the agent's bucket. False means the
	// agent is rate limited.
	Allow(ctx context.Context, agentID string, limit RateLimit) (bool, error)
}

// LocalLimiterStore keeps one token bucket per agent in process memory.
type LocalLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLocalLimiterStore creates an in-memory limiter store.
func NewLocalLimiterStore() *LocalLimiterStore {
	return &LocalLimiterStore{buckets: make(map[string]*rate.Limiter)}
}

// Allow consumes one token from the agent's local bucket.
func (s *LocalLimiterStore) Allow(_ context.Context, agentID string, limit RateLimit) (bool, error) {
	s.mu.Lock()
	bucket, ok := s.buckets[agentID]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(limit.PerSecond), limit.Burst)
		s.buckets[agentID] = bucket
	}
	s.mu.Unlock()
	return bucket.Allow(), nil
}

// redisTokenBucketScript runs the token bucket refill-and-consume step
// atomically in Redis.
// KEYS[1] = bucket key, ARGV[1] = refill rate (tokens/s),
// ARGV[2] = capacity, ARGV[3] = cost, ARGV[4] = current unix seconds.
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

return {allowed, tokens}
`)

// RedisLimiterStore shares token buckets across bus instances.
type RedisLimiterStore struct {
	client *redis.Client
}

// NewRedisLimiterStore connects a limiter store to Redis.
func NewRedisLimiterStore(addr, password string, db int) *RedisLimiterStore {
	return &RedisLimiterStore{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// Allow executes the bucket script for the agent's key.
func (s *RedisLimiterStore) Allow(ctx context.Context, agentID string, limit RateLimit) (bool, error) {
	key := fmt.Sprintf("agentbus:limiter:%s", agentID)
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, s.client, []string{key},
		limit.PerSecond, limit.Burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("bus: redis limiter: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("bus: redis limiter returned unexpected shape")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// Close releases the Redis connection.
func (s *RedisLimiterStore) Close() error { return s.client.Close() }
