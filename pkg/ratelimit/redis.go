package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisWindowScript maintains the sliding window atomically in Redis.
// KEYS[1] = window key
// ARGV[1] = limit
// ARGV[2] = window in milliseconds
// ARGV[3] = now in milliseconds
// ARGV[4] = unique member for this hit
var redisWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
local count = redis.call("ZCARD", key)
if count >= limit then
    return 0
end
redis.call("ZADD", key, now, ARGV[4])
redis.call("PEXPIRE", key, window)
return 1
`)

// RedisStore keeps sliding windows in Redis sorted sets so several gateway
// processes behind one address share a budget.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the given address.
func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// Allow implements Store via the atomic Lua script.
func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now()
	member := fmt.Sprintf("%d", now.UnixNano())
	res, err := redisWindowScript.Run(ctx, s.client,
		[]string{"ratelimit:" + key},
		limit, window.Milliseconds(), now.UnixMilli(), member,
	).Int()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis: %w", err)
	}
	return res == 1, nil
}

// Clear implements Store.
func (s *RedisStore) Clear(ctx context.Context, key string) error {
	return s.client.Del(ctx, "ratelimit:"+key).Err()
}

// Ping verifies connectivity at startup.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
