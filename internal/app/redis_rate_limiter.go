package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRateLimitPrefix = "transfa:rate_limit"

// fixed-window counter: INCR, set the window expiry on the first hit, return count and ttl.
var submissionRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisSubmissionRateLimiter limits batch submissions per caller across all replicas.
type RedisSubmissionRateLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

func NewRedisSubmissionRateLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisSubmissionRateLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = DefaultRateLimitPrefix
	}
	return &RedisSubmissionRateLimiter{
		client: client,
		prefix: trimmedPrefix,
		limit:  limit,
		window: window,
	}
}

// Allow consumes one submission for caller. A disabled limiter (no client, non-positive
// limit) always allows.
func (r *RedisSubmissionRateLimiter) Allow(ctx context.Context, caller string) (allowed bool, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || r.limit <= 0 || r.window <= 0 {
		return true, 0, nil
	}
	caller = strings.TrimSpace(caller)
	if caller == "" {
		caller = "anonymous"
	}

	windowMs := r.window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:payment_batches:%s", r.prefix, caller)
	raw, err := submissionRateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return false, 0, err
	}
	count, retryAfter, err := parseLimiterResult(raw, windowMs)
	if err != nil {
		return false, 0, err
	}
	if count > r.limit {
		return false, retryAfter, nil
	}
	return true, 0, nil
}

func parseLimiterResult(raw any, windowMs int64) (count int, retryAfterSeconds int, err error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	current, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(current), 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}
	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return int(current), retryAfter, nil
}
