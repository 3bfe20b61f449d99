package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-capacity/internal/config"
	"github.com/iliyamo/ticket-capacity/internal/utils"
)

func serve(e *echo.Echo, method, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set(echo.HeaderXRealIP, "10.0.0.1")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func paymentServer(secret string) *echo.Echo {
	e := echo.New()
	e.POST("/confirm", func(c echo.Context) error {
		sub, _ := c.Get(PaymentSystemKey).(string)
		return c.String(http.StatusOK, sub)
	}, PaymentAuth(secret))
	return e
}

func TestPaymentAuthAcceptsSignedToken(t *testing.T) {
	tok, err := utils.NewPaymentToken("s3cret", "stripe", time.Minute)
	require.NoError(t, err)

	rec := serve(paymentServer("s3cret"), http.MethodPost, "/confirm", "Bearer "+tok.Token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stripe", rec.Body.String())
}

func TestPaymentAuthRejects(t *testing.T) {
	e := paymentServer("s3cret")

	wrongKey, err := utils.NewPaymentToken("other", "stripe", time.Minute)
	require.NoError(t, err)
	expired, err := utils.NewPaymentToken("s3cret", "stripe", -time.Minute)
	require.NoError(t, err)
	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "stripe"}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject: "stripe", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	for name, auth := range map[string]string{
		"missing":    "",
		"not bearer": "Basic abc",
		"wrong key":  "Bearer " + wrongKey.Token,
		"expired":    "Bearer " + expired.Token,
		"no exp":     "Bearer " + noExp,
		"hs512":      "Bearer " + hs512,
	} {
		t.Run(name, func(t *testing.T) {
			rec := serve(e, http.MethodPost, "/confirm", auth)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestPaymentAuthDisabledWithoutSecret(t *testing.T) {
	rec := serve(paymentServer(""), http.MethodPost, "/confirm", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func limitedServer(t *testing.T, cfg config.RateLimitConfig) (*echo.Echo, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	e := echo.New()
	e.POST("/v1/events/:eventId/reserve", func(c echo.Context) error {
		return c.NoContent(http.StatusCreated)
	}, NewTokenBucket(cfg, rdb, nil))
	return e, mr
}

func TestTokenBucketBlocksAfterCapacity(t *testing.T) {
	cfg := config.RateLimitConfig{
		Enabled: true, Capacity: 2, RefillTokens: 1, RefillInterval: time.Hour,
		TTL: time.Hour, KeyStrategy: "ip_route", Prefix: "rl",
	}
	e, mr := limitedServer(t, cfg)

	for i := 0; i < 2; i++ {
		rec := serve(e, http.MethodPost, "/v1/events/1/reserve", "")
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}
	rec := serve(e, http.MethodPost, "/v1/events/1/reserve", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	assert.True(t, mr.Exists("rl:ip:10.0.0.1:route:POST /v1/events/:eventId/reserve"))
}

func TestTokenBucketKeysByEvent(t *testing.T) {
	cfg := config.RateLimitConfig{
		Enabled: true, Capacity: 1, RefillTokens: 1, RefillInterval: time.Hour,
		TTL: time.Hour, KeyStrategy: "event", Prefix: "rl",
	}
	e, _ := limitedServer(t, cfg)

	assert.Equal(t, http.StatusCreated, serve(e, http.MethodPost, "/v1/events/1/reserve", "").Code)
	assert.Equal(t, http.StatusCreated, serve(e, http.MethodPost, "/v1/events/2/reserve", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(e, http.MethodPost, "/v1/events/1/reserve", "").Code)
}

func TestTokenBucketFailsOpen(t *testing.T) {
	cfg := config.RateLimitConfig{
		Enabled: true, Capacity: 1, RefillTokens: 1, RefillInterval: time.Hour,
		TTL: time.Hour, KeyStrategy: "ip", Prefix: "rl",
	}
	e, mr := limitedServer(t, cfg)
	mr.Close()

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusCreated, serve(e, http.MethodPost, "/v1/events/1/reserve", "").Code)
	}
}

func TestTokenBucketDisabled(t *testing.T) {
	e := echo.New()
	e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusOK) },
		NewTokenBucket(config.RateLimitConfig{Enabled: false}, nil, nil))
	assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/x", "").Code)
}
