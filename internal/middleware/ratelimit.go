package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/iliyamo/workshop-billing/internal/config"
)

// tokenBucket refills the bucket by whole intervals and takes one token.
// Returns {allowed, remaining, retry_after_ms}.
var tokenBucket = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill_tokens = tonumber(ARGV[3])
local interval_ms = tonumber(ARGV[4])
local ttl_seconds = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if tokens == nil or last_refill == nil then
  tokens = capacity
  last_refill = now_ms
end

local elapsed = math.max(0, now_ms - last_refill)
local intervals = math.floor(elapsed / interval_ms)
if intervals > 0 then
  tokens = math.min(capacity, tokens + intervals * refill_tokens)
  last_refill = last_refill + intervals * interval_ms
end

local allowed = 0
local retry_after_ms = 0
if tokens > 0 then
  allowed = 1
  tokens = tokens - 1
else
  retry_after_ms = math.max(0, interval_ms - (now_ms - last_refill))
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
redis.call('EXPIRE', key, ttl_seconds)
return { allowed, tokens, retry_after_ms }
`)

type decision struct {
	allowed    bool
	remaining  int64
	retryAfter time.Duration
}

type limiter interface {
	take(ctx context.Context, key string) (decision, error)
}

type redisLimiter struct {
	rdb redis.Scripter
	cfg config.RateLimitConfig
}

func (l *redisLimiter) take(ctx context.Context, key string) (decision, error) {
	vals, err := tokenBucket.Run(ctx, l.rdb, []string{key},
		time.Now().UnixMilli(), l.cfg.Capacity, l.cfg.RefillTokens,
		l.cfg.RefillInterval.Milliseconds(), int64(l.cfg.TTL/time.Second)).Result()
	if err != nil {
		return decision{}, err
	}
	arr, ok := vals.([]any)
	if !ok || len(arr) != 3 {
		return decision{}, fmt.Errorf("ratelimit: unexpected script result %#v", vals)
	}
	return decision{
		allowed:    asInt64(arr[0]) == 1,
		remaining:  asInt64(arr[1]),
		retryAfter: time.Duration(asInt64(arr[2])) * time.Millisecond,
	}, nil
}

// localLimiter keeps one x/time/rate bucket per key in process memory.
// Used when Redis is not configured; limits are then per instance.
type localLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	every   rate.Limit
	burst   int
}

func newLocalLimiter(cfg config.RateLimitConfig) *localLimiter {
	return &localLimiter{
		buckets: map[string]*rate.Limiter{},
		every:   rate.Every(cfg.RefillInterval / time.Duration(cfg.RefillTokens)),
		burst:   cfg.Capacity,
	}
}

func (l *localLimiter) take(_ context.Context, key string) (decision, error) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.every, l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()

	now := time.Now()
	r := b.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return decision{retryAfter: delay}, nil
	}
	return decision{allowed: true, remaining: int64(math.Max(0, b.TokensAt(now)))}, nil
}

// RateLimit returns a token-bucket middleware.  Each key, built from the
// client IP, the user id and the route as cfg.KeyStrategy selects, owns a
// bucket of cfg.Capacity tokens refilled by cfg.RefillTokens every
// cfg.RefillInterval.  Every request takes one token.  When the bucket is
// empty the request is answered with 429 and a Retry-After header.
//
// Buckets live in Redis when rdb is non-nil so every instance shares
// them, and in process memory otherwise.  A Redis error lets the request
// through and is logged at Warn.  X-RateLimit-Limit and
// X-RateLimit-Remaining are set on every limited response.
func RateLimit(cfg config.RateLimitConfig, rdb *redis.Client, log *zap.Logger) echo.MiddlewareFunc {
	if !cfg.Enabled {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	if log == nil {
		log = zap.NewNop()
	}
	var lim limiter = newLocalLimiter(cfg)
	if rdb != nil {
		lim = &redisLimiter{rdb: rdb, cfg: cfg}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := rateKey(cfg, c)
			d, err := lim.take(c.Request().Context(), key)
			if err != nil {
				log.Warn("rate limiter unavailable", zap.String("key", key), zap.Error(err))
				return next(c)
			}
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(cfg.Capacity))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.remaining, 10))
			if d.allowed {
				return next(c)
			}
			secs := int(math.Ceil(d.retryAfter.Seconds()))
			h.Set("Retry-After", strconv.Itoa(secs))
			log.Info("rate limited", zap.String("key", key), zap.Int("retry_after", secs))
			return c.JSON(http.StatusTooManyRequests, echo.Map{
				"success": false,
				"error":   "rate limit exceeded",
			})
		}
	}
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	}
	return 0
}

func rateKey(cfg config.RateLimitConfig, c echo.Context) string {
	ip := c.RealIP()
	if ip == "" {
		ip = "unknown"
	}
	uid := subjectOrAnon(c)
	route := c.Request().Method + " " + c.Path()

	parts := []string{cfg.Prefix}
	switch strings.ToLower(cfg.KeyStrategy) {
	case "ip":
		parts = append(parts, "ip", ip)
	case "user":
		parts = append(parts, "user", uid)
	case "route":
		parts = append(parts, "route", route)
	case "ip_route":
		parts = append(parts, "ip", ip, "route", route)
	default:
		parts = append(parts, "ip", ip, "user", uid, "route", route)
	}
	return strings.Join(parts, ":")
}
