package bearer

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// TokenSource fetches a fresh access token and its lifetime.
type TokenSource func(ctx context.Context) (token string, ttl time.Duration, err error)

// TokenCache keeps the client-credentials token until shortly before it
// expires.  Concurrent callers that find the cache empty share a single
// fetch.
type TokenCache struct {
	fetch   TokenSource
	margin  time.Duration
	timeout time.Duration
	now     func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time

	group singleflight.Group
}

// NewTokenCache returns a cache refreshing tokens margin before expiry.
func NewTokenCache(fetch TokenSource, margin, timeout time.Duration) *TokenCache {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &TokenCache{fetch: fetch, margin: margin, timeout: timeout, now: time.Now}
}

func (c *TokenCache) cached() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Add(c.margin).Before(c.expiry) {
		return c.token, true
	}
	return "", false
}

// Token returns a valid access token, fetching one when needed.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	if tok, ok := c.cached(); ok {
		return tok, nil
	}
	v, err, _ := c.group.Do("token", func() (any, error) {
		if tok, ok := c.cached(); ok {
			return tok, nil
		}
		// the fetch outlives the caller that happened to start it
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		tok, ttl, err := c.fetch(fctx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.token, c.expiry = tok, c.now().Add(ttl)
		c.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token, e.g. after the gateway answered 401.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token, c.expiry = "", time.Time{}
	c.mu.Unlock()
}
