package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// bucketScript refills and spends a bucket held as a hash of millitokens and
// the last refill in server milliseconds. It answers with the allow flag, the
// millitokens left and how many milliseconds until one more token exists.
var bucketScript = redis.NewScript(`
local rate   = tonumber(ARGV[1])
local burst  = tonumber(ARGV[2]) * 1000
local t      = redis.call("TIME")
local now    = t[1] * 1000 + math.floor(t[2] / 1000)

local state  = redis.call("HMGET", KEYS[1], "milli", "at")
local milli  = tonumber(state[1]) or burst
local at     = tonumber(state[2]) or now
if now > at then
  milli = math.min(burst, milli + (now - at) * rate)
end

local ok, wait = 0, 0
if milli >= 1000 then
  ok = 1
  milli = milli - 1000
else
  wait = math.ceil((1000 - milli) / rate)
end

redis.call("HSET", KEYS[1], "milli", milli, "at", now)
redis.call("PEXPIRE", KEYS[1], math.max(1000, math.ceil(2 * burst / rate)))
return {ok, math.floor(milli), wait}
`)

var errNotConfigured = errors.New("rate limiter not configured")

// TokenBucket is a Redis-backed bucket shared across API replicas.
type TokenBucket struct {
	client *redis.Client
}

type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{client: client}
}

// Allow spends one token from key. perSecond is the refill rate.
func (t *TokenBucket) Allow(ctx context.Context, key string, perSecond float64, burst int) (Result, error) {
	switch {
	case t == nil || t.client == nil:
		return Result{}, errNotConfigured
	case key == "":
		return Result{}, errors.New("rate limit key is empty")
	case perSecond <= 0 || burst <= 0:
		return Result{}, fmt.Errorf("rate limit %v/s burst %d must be positive", perSecond, burst)
	}

	// the script works per millisecond in millitokens, which is tokens/s
	vals, err := bucketScript.Run(ctx, t.client, []string{key}, perSecond, burst).Int64Slice()
	if err != nil {
		return Result{}, err
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("rate limit script returned %d values", len(vals))
	}
	return Result{
		Allowed:    vals[0] == 1,
		Limit:      burst,
		Remaining:  int(vals[1] / 1000),
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}, nil
}
