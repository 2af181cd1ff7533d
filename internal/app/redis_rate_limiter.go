package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Increments the window counter and returns it with the remaining window in milliseconds.
var windowCounterScript = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local remaining = redis.call("PTTL", KEYS[1])
if remaining < 0 then
  remaining = tonumber(ARGV[1])
end
return {hits, remaining}
`)

// WindowHits is the state of a fixed window after one more hit was recorded.
type WindowHits struct {
	Count   int
	ResetIn time.Duration
}

// RetryAfterSeconds rounds ResetIn up to whole seconds, never below one.
func (h WindowHits) RetryAfterSeconds() int {
	seconds := int((h.ResetIn + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}

// RateLimiter records a hit for key inside a fixed window.
type RateLimiter interface {
	Hit(ctx context.Context, key string, window time.Duration) (WindowHits, error)
}

// RedisRateLimiter shares fixed windows across every API replica.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "roadmap:rate_limit"
	}
	return &RedisRateLimiter{client: client, prefix: prefix}
}

func (r *RedisRateLimiter) Hit(ctx context.Context, key string, window time.Duration) (WindowHits, error) {
	if window < time.Second {
		window = time.Second
	}

	res, err := windowCounterScript.Run(ctx, r.client, []string{r.prefix + ":" + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return WindowHits{}, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(res) != 2 {
		return WindowHits{}, fmt.Errorf("rate limit script returned %d values", len(res))
	}
	return WindowHits{Count: int(res[0]), ResetIn: time.Duration(res[1]) * time.Millisecond}, nil
}
