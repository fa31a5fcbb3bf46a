// Package quota enforces per-tenant monthly send caps and per-destination
// rate limits using atomic Redis Lua scripts. The check-before-increment
// pattern avoids the race in GET -> check -> INCR sequences.
package quota

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/alertstream/engine/internal/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// Deny reasons surfaced on failed dispatch attempts. Denials are terminal:
// the attempt fails with the structured reason and is never retried.
const (
	ReasonMonthlyQuota = "monthly_quota_exceeded"
	ReasonRateLimit    = "rate_limit_exceeded"
)

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed bool
	Reason  string // one of the Reason* constants when denied
}

var allow = Decision{Allowed: true}

// Limiter is the admission-side quota contract.
type Limiter interface {
	// CheckAndReserve atomically checks and reserves one send against the
	// tenant's monthly cap and the destination's per-minute window.
	CheckAndReserve(ctx context.Context, tenantID string, monthlyLimit int64, destination string) (Decision, error)
}

// Lua script for atomic two-window quota check. Both limits are verified
// before either counter is incremented so a denial consumes nothing.
const reserveLuaScript = `
local monthKey = KEYS[1]
local destKey = KEYS[2]
local monthLimit = tonumber(ARGV[1])
local destLimit = tonumber(ARGV[2])
local monthTTL = tonumber(ARGV[3])
local destTTL = tonumber(ARGV[4])

local monthCurrent = tonumber(redis.call("GET", monthKey) or "0")
local destCurrent = tonumber(redis.call("GET", destKey) or "0")

if monthCurrent + 1 > monthLimit then
    return {0, 1, monthCurrent}
end
if destCurrent + 1 > destLimit then
    return {0, 2, destCurrent}
end

local newMonth = redis.call("INCR", monthKey)
if newMonth == 1 then
    redis.call("EXPIRE", monthKey, monthTTL)
end

local newDest = redis.call("INCR", destKey)
if newDest == 1 then
    redis.call("EXPIRE", destKey, destTTL)
end

return {1, 0, newMonth}
`

// RedisLimiter implements Limiter against Redis.
type RedisLimiter struct {
	redis         *redis.Client
	reserveScript *redis.Script
	destPerMinute int
}

// NewRedisLimiter creates a limiter with the pre-compiled Lua script.
func NewRedisLimiter(client *redis.Client, destPerMinute int) *RedisLimiter {
	if destPerMinute <= 0 {
		destPerMinute = 10
	}
	return &RedisLimiter{
		redis:         client,
		reserveScript: redis.NewScript(reserveLuaScript),
		destPerMinute: destPerMinute,
	}
}

// NewRedisLimiterFromURL creates a limiter by connecting to Redis.
func NewRedisLimiterFromURL(redisURL string, destPerMinute int) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisLimiter(client, destPerMinute), nil
}

// CheckAndReserve atomically checks and increments the monthly and
// per-destination counters. On Redis failure it allows the send: dropping
// alerts because the quota store is down is worse than overshooting a cap.
func (l *RedisLimiter) CheckAndReserve(ctx context.Context, tenantID string, monthlyLimit int64, destination string) (Decision, error) {
	now := time.Now().UTC()

	monthKey := fmt.Sprintf("quota:%s:month:%s", tenantID, now.Format("2006-01"))
	destKey := fmt.Sprintf("rate:dest:%s:min:%d", destHash(destination), now.Unix()/60)

	result, err := l.reserveScript.Run(ctx, l.redis,
		[]string{monthKey, destKey},
		monthlyLimit,
		l.destPerMinute,
		35*24*3600, // month TTL: 35 days covers any calendar month
		120,        // minute window TTL
	).Slice()
	if err != nil {
		logger.Warn("quota check failed, allowing send", "tenant_id", tenantID, "error", err)
		return allow, nil
	}

	if result[0].(int64) == 1 {
		return allow, nil
	}
	switch result[1].(int64) {
	case 1:
		return Decision{Allowed: false, Reason: ReasonMonthlyQuota}, nil
	default:
		return Decision{Allowed: false, Reason: ReasonRateLimit}, nil
	}
}

// MonthlyUsage returns the tenant's current month counter for dashboard
// consumers.
func (l *RedisLimiter) MonthlyUsage(ctx context.Context, tenantID string) (int64, error) {
	key := fmt.Sprintf("quota:%s:month:%s", tenantID, time.Now().UTC().Format("2006-01"))
	n, err := l.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// Close closes the Redis connection.
func (l *RedisLimiter) Close() error {
	return l.redis.Close()
}

// destHash shortens a destination to a stable key segment so phone numbers
// and long URLs don't leak into Redis keys verbatim.
func destHash(destination string) string {
	h := sha256.Sum256([]byte(destination))
	return hex.EncodeToString(h[:8])
}

// AllowAll is a Limiter that never denies. Used when Redis is not
// configured (dev, single-tenant installs).
type AllowAll struct{}

// CheckAndReserve always allows.
func (AllowAll) CheckAndReserve(context.Context, string, int64, string) (Decision, error) {
	return allow, nil
}
