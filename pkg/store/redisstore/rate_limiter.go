package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowLua trims the window, admits the request if there is room and
// returns {allowed, count}
const slidingWindowLua = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, math.ceil(window / 1000))
    return {1, count + 1}
end
return {0, count}
`

const waitPollInterval = 50 * time.Millisecond

// RateLimiter shares an oracle request budget between keepers with a
// sliding window kept in a sorted set
type RateLimiter struct {
	c             *Client
	slidingWindow *redis.Script
	name          string
	limit         int
	window        time.Duration
	now           func() time.Time
}

// NewRateLimiter allows limit requests per window under name
func NewRateLimiter(c *Client, name string, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		c:             c,
		slidingWindow: redis.NewScript(slidingWindowLua),
		name:          name,
		limit:         limit,
		window:        window,
		now:           time.Now,
	}
}

// Allow reports whether one more request fits in the window, counting it
// if so
func (rl *RateLimiter) Allow(ctx context.Context) (bool, error) {
	now := rl.now().UnixMicro()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())

	result, err := rl.slidingWindow.Run(
		ctx,
		rl.c.rdb,
		[]string{rl.c.key("ratelimit", rl.name)},
		now,
		rl.window.Microseconds(),
		rl.limit,
		member,
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit allow %s: %w", rl.name, err)
	}
	if len(result) < 2 {
		return false, fmt.Errorf("redis: rate limit allow %s: unexpected result length %d", rl.name, len(result))
	}
	return result[0] == 1, nil
}

// Wait blocks until a request is allowed or ctx is done
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		allowed, err := rl.Allow(ctx)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		timer := time.NewTimer(waitPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("redis: rate limit wait %s: %w", rl.name, ctx.Err())
		case <-timer.C:
		}
	}
}
