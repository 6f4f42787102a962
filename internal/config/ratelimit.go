package config

import "time"

// RateLimitConfig configures the token-bucket limiter.  Buckets live in
// Redis when a client is available and in process memory otherwise.
// Capacity is the bucket size and the burst a client may spend at once.
// RefillTokens are added every RefillInterval.  TTL is how long an idle
// bucket is kept in Redis.
type RateLimitConfig struct {
	Enabled        bool
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
	TTL            time.Duration
	// KeyStrategy is one of ip, user, route, ip_route or ip_user_route.
	KeyStrategy string
	Prefix      string
}

// LoadRateLimitConfig reads the RATE_LIMIT_* variables.  The defaults
// allow 60 requests in a burst refilled at one per second, keyed by IP,
// user and route.  Out of range values are clamped: capacity and refill
// are at least 1, and the TTL never drops below five refill intervals.
func LoadRateLimitConfig() RateLimitConfig {
	c := RateLimitConfig{
		Enabled:        envBool("RATE_LIMIT_ENABLED", true),
		Capacity:       envInt("RATE_LIMIT_CAPACITY", 60),
		RefillTokens:   envInt("RATE_LIMIT_REFILL_TOKENS", 1),
		RefillInterval: envDur("RATE_LIMIT_REFILL_INTERVAL", time.Second),
		TTL:            envDur("RATE_LIMIT_TTL", 10*time.Minute),
		KeyStrategy:    envStr("RATE_LIMIT_KEY_STRATEGY", "ip_user_route"),
		Prefix:         envStr("RATE_LIMIT_PREFIX", "rl"),
	}
	return c.normalized()
}

func (c RateLimitConfig) normalized() RateLimitConfig {
	if c.Capacity < 1 {
		c.Capacity = 1
	}
	if c.RefillTokens < 1 {
		c.RefillTokens = 1
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = time.Second
	}
	if minTTL := 5 * c.RefillInterval; c.TTL < minTTL {
		c.TTL = minTTL
	}
	return c
}
