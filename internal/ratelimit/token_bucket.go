package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// The bucket hash holds fractional tokens; the script only returns integers
// so redis does not truncate them on the way out.
const sourceBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])

local clock = redis.call("TIME")
local now = clock[1] * 1000 + math.floor(clock[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local last = tonumber(state[2]) or now
if now > last then
  tokens = math.min(burst, tokens + (now - last) / 1000 * rate)
end

local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
else
  wait = math.ceil((1 - tokens) / rate * 1000)
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", now)
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return wait
`

// TokenBucket is a redis-backed token bucket shared by all replicas.
type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

// Decision is the outcome of taking one token.
type Decision struct {
	Allowed    bool
	Limit      int
	RetryAfter time.Duration
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{
		client: client,
		script: redis.NewScript(sourceBucketScript),
	}
}

// Allow takes one token from key, refilling at rate tokens per second up to burst.
func (t *TokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (*Decision, error) {
	switch {
	case t == nil || t.client == nil:
		return nil, errors.New("rate limiter not configured")
	case key == "":
		return nil, errors.New("rate limiter key is empty")
	case rate <= 0 || burst <= 0:
		return nil, errors.New("rate limiter rate and burst must be positive")
	}

	ttl := bucketTTL(rate, burst)
	wait, err := t.script.Run(ctx, t.client, []string{key}, rate, burst, ttl.Milliseconds()).Int64()
	if err != nil {
		return nil, err
	}
	return &Decision{
		Allowed:    wait == 0,
		Limit:      burst,
		RetryAfter: time.Duration(wait) * time.Millisecond,
	}, nil
}

// bucketTTL keeps an idle bucket around for twice its full refill time.
func bucketTTL(rate float64, burst int) time.Duration {
	if rate <= 0 || burst <= 0 {
		return time.Second
	}
	seconds := math.Max(1, math.Ceil(float64(burst)/rate*2))
	return time.Duration(seconds) * time.Second
}
