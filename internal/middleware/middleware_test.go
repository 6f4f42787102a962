package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/iliyamo/workshop-billing/internal/config"
)

const secret = "test-secret"

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func whoami(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"user": UserID(c), "role": Role(c)})
}

func serve(e *echo.Echo, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestJWTAuth(t *testing.T) {
	e := echo.New()
	e.GET("/me", whoami, JWTAuth(secret))
	exp := time.Now().Add(time.Hour).Unix()

	rec := serve(e, http.MethodGet, "/me", sign(t, jwt.MapClaims{"sub": "u-1", "role": "staff", "exp": exp}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user":"u-1","role":"STAFF"}`, rec.Body.String())

	rec = serve(e, http.MethodGet, "/me", sign(t, jwt.MapClaims{"sub": float64(42), "role": "PARENT", "exp": exp}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user":"42","role":"PARENT"}`, rec.Body.String())

	for name, tok := range map[string]string{
		"missing":   "",
		"expired":   sign(t, jwt.MapClaims{"sub": "u-1", "exp": time.Now().Add(-time.Hour).Unix()}),
		"no exp":    sign(t, jwt.MapClaims{"sub": "u-1"}),
		"no sub":    sign(t, jwt.MapClaims{"exp": exp}),
		"garbage":   "a.b.c",
	} {
		t.Run(name, func(t *testing.T) {
			rec := serve(e, http.MethodGet, "/me", tok)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), `"success":false`)
		})
	}

	other, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u-1", "exp": exp}).SignedString([]byte("other"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, serve(e, http.MethodGet, "/me", other).Code)
}

func TestRequireRole(t *testing.T) {
	e := echo.New()
	e.GET("/admin", whoami, JWTAuth(secret), RequireRole("ADMIN", "STAFF"))
	exp := time.Now().Add(time.Hour).Unix()

	assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/admin", sign(t, jwt.MapClaims{"sub": "a", "role": "ADMIN", "exp": exp})).Code)
	assert.Equal(t, http.StatusForbidden, serve(e, http.MethodGet, "/admin", sign(t, jwt.MapClaims{"sub": "p", "role": "PARENT", "exp": exp})).Code)
}

func TestRateLimitLocal(t *testing.T) {
	cfg := config.RateLimitConfig{Enabled: true, Capacity: 2, RefillTokens: 1, RefillInterval: time.Hour, TTL: 5 * time.Hour, KeyStrategy: "ip", Prefix: "rl"}
	e := echo.New()
	e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }, RateLimit(cfg, nil, nil))

	assert.Equal(t, http.StatusNoContent, serve(e, http.MethodGet, "/x", "").Code)
	rec := serve(e, http.MethodGet, "/x", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))

	rec = serve(e, http.MethodGet, "/x", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate limit exceeded")
}

func TestRateLimitFailsOpenWithoutRedis(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()
	core, logs := observer.New(zap.WarnLevel)

	cfg := config.RateLimitConfig{Enabled: true, Capacity: 1, RefillTokens: 1, RefillInterval: time.Hour, TTL: time.Hour, Prefix: "rl"}
	e := echo.New()
	e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }, RateLimit(cfg, rdb, zap.New(core)))

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusNoContent, serve(e, http.MethodGet, "/x", "").Code)
	}
	assert.Equal(t, 3, logs.FilterMessage("rate limiter unavailable").Len())
}

func TestRateKeyStrategies(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/bearer", nil)
	req.Header.Set(echo.HeaderXRealIP, "10.0.0.1")
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/v1/webhooks/bearer")
	c.Set(ctxUserID, "u-7")

	key := func(s string) string { return rateKey(config.RateLimitConfig{Prefix: "rl", KeyStrategy: s}, c) }
	assert.Equal(t, "rl:ip:10.0.0.1", key("ip"))
	assert.Equal(t, "rl:user:u-7", key("user"))
	assert.Equal(t, "rl:route:POST /v1/webhooks/bearer", key("route"))
	assert.Equal(t, "rl:ip:10.0.0.1:user:u-7:route:POST /v1/webhooks/bearer", key(""))
}

func TestCachePayload(t *testing.T) {
	hdr := http.Header{"Content-Type": {"application/json"}}
	bs, err := encodePayload(200, hdr, []byte(`{"ok":true}`))
	require.NoError(t, err)
	status, got, body, ok := decodePayload(bs)
	require.True(t, ok)
	assert.Equal(t, 200, status)
	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, `{"ok":true}`, string(body))

	_, _, _, ok = decodePayload([]byte{0, 0})
	assert.False(t, ok)
	_, _, _, ok = decodePayload([]byte{0, 0, 0, 200, 0, 0, 1, 0, '{'})
	assert.False(t, ok)
}

func TestCacheKeyIsPerUser(t *testing.T) {
	e := echo.New()
	cfg := config.CacheConfig{Prefix: "paystatus"}
	ctx := func(uid string) echo.Context {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/v1/invoices/i-1/payment-status", nil), httptest.NewRecorder())
		c.Set(ctxUserID, uid)
		return c
	}
	assert.NotEqual(t, cacheKey(cfg, ctx("a")), cacheKey(cfg, ctx("b")))
	assert.Equal(t, cacheKey(cfg, ctx("a")), cacheKey(cfg, ctx("a")))
}

func TestStatusCacheDisabledPassesThrough(t *testing.T) {
	calls := 0
	e := echo.New()
	e.GET("/s", func(c echo.Context) error { calls++; return c.String(http.StatusOK, "fresh") },
		StatusCache(config.CacheConfig{Enabled: true}, nil, nil))
	serve(e, http.MethodGet, "/s", "")
	serve(e, http.MethodGet, "/s", "")
	assert.Equal(t, 2, calls)
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	e := echo.New()
	e.Use(RequestLogger(zap.New(core)))
	e.GET("/ok", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/boom", func(c echo.Context) error { return echo.NewHTTPError(http.StatusBadGateway, "upstream") })

	serve(e, http.MethodGet, "/ok", "")
	rec := serve(e, http.MethodGet, "/boom", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
	assert.EqualValues(t, http.StatusBadGateway, entries[1].ContextMap()["status"])
}
