package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// quotaScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key (e.g. "quota:user-123")
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds, microsecond precision)
var quotaScript = redis.NewScript(`
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
    local added = elapsed * rate
    tokens = tokens + added
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

-- Expire idle buckets so abandoned users self-clean.
redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// QuotaConfig sizes a user's request budget.
type QuotaConfig struct {
	// RequestsPerMinute is the sustained refill rate. Values <= 0 fall
	// back to 60 (one request per second).
	RequestsPerMinute int

	// Burst is the bucket capacity. Values <= 0 fall back to 10.
	Burst int

	// FailOpen admits requests when Redis is unreachable instead of
	// rejecting them. Quota becomes advisory during the outage.
	FailOpen bool
}

// QuotaLimiter enforces a per-user token bucket shared across nodes.
type QuotaLimiter struct {
	client   *redis.Client
	rate     float64
	burst    int
	failOpen bool
	clock    func() time.Time
	logger   *slog.Logger
}

// QuotaOption configures a QuotaLimiter.
type QuotaOption func(*QuotaLimiter)

// WithQuotaClock overrides the limiter's time source.
func WithQuotaClock(clock func() time.Time) QuotaOption {
	return func(q *QuotaLimiter) { q.clock = clock }
}

// WithQuotaLogger sets the limiter's logger.
func WithQuotaLogger(logger *slog.Logger) QuotaOption {
	return func(q *QuotaLimiter) { q.logger = logger }
}

// NewQuotaLimiter builds a limiter over an existing client.
func NewQuotaLimiter(client *redis.Client, cfg QuotaConfig, opts ...QuotaOption) *QuotaLimiter {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}

	q := &QuotaLimiter{
		client:   client,
		rate:     float64(rpm) / 60.0,
		burst:    burst,
		failOpen: cfg.FailOpen,
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Allow consumes one token from userID's bucket and reports whether the
// request may proceed. Redis failures return an error unless the limiter
// is configured to fail open.
func (q *QuotaLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	key := "quota:" + userID
	now := float64(q.clock().UnixMicro()) / 1e6

	res, err := quotaScript.Run(ctx, q.client, []string{key}, q.rate, q.burst, 1, now).Result()
	if err != nil {
		if q.failOpen {
			q.logger.WarnContext(ctx, "quota check degraded, admitting request",
				"user_id", userID, "error", err)
			return true, nil
		}
		return false, fmt.Errorf("cache: quota check: %w", err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return false, errors.New("cache: unexpected quota script reply")
	}
	allowed, _ := reply[0].(int64)
	return allowed == 1, nil
}
