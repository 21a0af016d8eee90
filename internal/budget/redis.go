package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript adds ARGV[1] to the tenant's spend unless that would pass
// the limit ARGV[2] (zero = unlimited), and keeps the key for ARGV[3]
// seconds. Returns the new spend, or -1 - spend on refusal.
var reserveScript = redis.NewScript(`
local spent = tonumber(redis.call("GET", KEYS[1]) or "0")
local limit = tonumber(ARGV[2])
if limit > 0 and spent + tonumber(ARGV[1]) > limit then
  return -1 - spent
end
local v = redis.call("INCRBY", KEYS[1], ARGV[1])
if redis.call("TTL", KEYS[1]) < 0 then
  redis.call("EXPIRE", KEYS[1], ARGV[3])
end
return v
`)

// refundScript subtracts ARGV[1] from an existing key, flooring at zero.
var refundScript = redis.NewScript(`
local spent = tonumber(redis.call("GET", KEYS[1]) or "-1")
if spent < 0 then
  return 0
end
local v = spent - tonumber(ARGV[1])
if v < 0 then v = 0 end
redis.call("SET", KEYS[1], v, "KEEPTTL")
return v
`)

// Redis is a Guard shared by every router instance pointing at the same
// Redis database. Keys are "<prefix>:<yyyy-mm-dd>:<tenant>".
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	limits Limits
	now    func() time.Time
	logger *slog.Logger
}

// RedisOptions configures a Redis guard.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisClient creates the go-redis client for a Redis guard.
func NewRedisClient(opts RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// NewRedis creates a Redis-backed guard over rdb.
func NewRedis(rdb redis.UniversalClient, prefix string, limits Limits, now func() time.Time, logger *slog.Logger) *Redis {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{rdb: rdb, prefix: prefix, limits: limits, now: now, logger: logger}
}

// Ping verifies the connection.
func (g *Redis) Ping(ctx context.Context) error {
	if err := g.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	return nil
}

func (g *Redis) key(tenant string) string {
	return fmt.Sprintf("%s:%s:%s", g.prefix, dayKey(g.now()), tenant)
}

// ttl keeps a day's key for one extra day past its end.
func (g *Redis) ttl() int64 {
	now := g.now().UTC()
	end := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return int64(end.Sub(now).Seconds()) + 86400
}

// Reserve implements Guard.
func (g *Redis) Reserve(ctx context.Context, tenant string, cents int64) error {
	if cents <= 0 {
		return nil
	}
	limit := g.limits.For(tenant)
	res, err := reserveScript.Run(ctx, g.rdb, []string{g.key(tenant)}, cents, limit, g.ttl()).Int64()
	if err != nil {
		return fmt.Errorf("reserving budget for tenant %q: %w", tenant, err)
	}
	if res < 0 {
		return exceeded(tenant, -1-res, cents, limit)
	}
	g.logger.Debug("budget reserved", "tenant", tenant, "cents", cents, "spent_today", res)
	return nil
}

// Refund implements Guard.
func (g *Redis) Refund(ctx context.Context, tenant string, cents int64) error {
	if cents <= 0 {
		return nil
	}
	if err := refundScript.Run(ctx, g.rdb, []string{g.key(tenant)}, cents).Err(); err != nil {
		return fmt.Errorf("refunding budget for tenant %q: %w", tenant, err)
	}
	return nil
}

// Close releases the Redis connection.
func (g *Redis) Close() error {
	return g.rdb.Close()
}
