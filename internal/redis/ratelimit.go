package redis

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines a call budget per key.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
	// Scope namespaces the keys; defaults to "integration".
	Scope string
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// slidingWindow trims the window, counts it and records the call only
// when it fits, all in one round trip.
//
// KEYS[1] window key
// ARGV[1] now (ns)  ARGV[2] window start (ns)  ARGV[3] limit  ARGV[4] ttl (ms)  ARGV[5] member
var slidingWindow = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[3]) then
	return {0, count}
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {1, count + 1}
`)

// RateLimiter caps outbound API calls per integration with a sliding
// window kept in a Redis sorted set, shared by every dispatcher.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
	seq    atomic.Uint64
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.Scope == "" {
		config.Scope = "integration"
	}
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

func (r *RateLimiter) redisKey(key string) string {
	return "ratelimit:" + r.config.Scope + ":" + key
}

// Limit is the configured budget per window.
func (r *RateLimiter) Limit() int {
	return r.config.Limit
}

// Allow records one call for key if the window has room. A limit of
// zero or less disables limiting.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowLimit(ctx, key, r.config.Limit)
}

// AllowLimit is Allow with a per-key limit override.
func (r *RateLimiter) AllowLimit(ctx context.Context, key string, limit int) (*RateLimitResult, error) {
	now := r.now()
	resetAt := now.Add(r.config.Window)
	if limit <= 0 {
		return &RateLimitResult{Allowed: true, Remaining: -1, ResetAt: resetAt}, nil
	}

	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.FormatUint(r.seq.Add(1), 10)

	res, err := slidingWindow.Run(ctx, r.client.rdb,
		[]string{r.redisKey(key)},
		now.UnixNano(),
		now.Add(-r.config.Window).UnixNano(),
		limit,
		(r.config.Window + time.Second).Milliseconds(),
		member,
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit script failed: %w", err)
	}

	allowed := res[0] == 1
	count := int(res[1])
	if !allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("scope", r.config.Scope),
			zap.String("key", key),
			zap.Int("current", count),
			zap.Int("limit", limit),
		)
	}
	return &RateLimitResult{
		Allowed:   allowed,
		Remaining: max(0, limit-count),
		ResetAt:   resetAt,
	}, nil
}
