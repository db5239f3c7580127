package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisWindowScript advances the window bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = max requests per window
// ARGV[2] = window length in milliseconds
// ARGV[3] = current epoch milliseconds
// Returns {allowed, reset_ms}.
var redisWindowScript = redis.NewScript(`
local key = KEYS[1]
local max = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "count", "window_start")
local count = tonumber(state[1])
local window_start = tonumber(state[2])

if not count or not window_start or (now - window_start) > window then
    count = 0
    window_start = now
end

local reset = window - (now - window_start)
local allowed = 0
if count < max then
    count = count + 1
    allowed = 1
end

redis.call("HMSET", key, "count", count, "window_start", window_start)
redis.call("PEXPIRE", key, window)

return {allowed, reset}
`)

// RedisStore shares window buckets across fabric processes.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed limiter store.
func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewRedisStoreWithClient wraps an existing client (used in tests).
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Take(ctx context.Context, key string, rule Rule) (Decision, error) {
	res, err := redisWindowScript.Run(ctx, s.client,
		[]string{"chainbox:rate:" + key},
		rule.Max, rule.Window.Milliseconds(), time.Now().UnixMilli(),
	).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 2 {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: res[0] == 1, ResetMs: res[1]}, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
