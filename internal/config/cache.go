package config

import "time"

// CacheConfig configures the short-lived payment status cache.  Entries
// are keyed per caller so one payer never sees another payer's answer.
// When Enabled is false or no Redis client is configured, caching is
// disabled.  Methods lists the HTTP methods to cache.  TTL is the
// lifetime of an entry.  Prefix namespaces the Redis keys, and responses
// larger than MaxBodyBytes are never stored.
type CacheConfig struct {
	Enabled      bool
	Methods      map[string]bool
	TTL          time.Duration
	Prefix       string
	MaxBodyBytes int
}

// LoadCacheConfig reads the CACHE_* variables.  Defaults are used when
// variables are not set: GET only, a 10 second TTL and a 64 KiB body
// limit.  Method names are upper-cased.
func LoadCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:      envBool("CACHE_ENABLED", true),
		Methods:      parseMethods(envStr("CACHE_METHODS", "GET")),
		TTL:          envDur("CACHE_TTL", 10*time.Second),
		Prefix:       envStr("CACHE_PREFIX", "paystatus"),
		MaxBodyBytes: envInt("CACHE_MAX_BODY_BYTES", 64<<10),
	}
}
