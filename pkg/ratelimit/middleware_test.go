package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"conduit/internal/config"
)

func newRouter(t *testing.T, cfg RateLimitConfig) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := gin.New()
	r.Use(RateLimitMiddleware(ctx, cfg))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func get(r *gin.Engine, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = ip + ":1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddleware_LimitsPerClient(t *testing.T) {
	r := newRouter(t, RateLimitConfig{RPS: 0.001, Burst: 2, CleanupInterval: time.Minute, MaxAge: time.Minute})

	assert.Equal(t, http.StatusOK, get(r, "10.0.0.1").Code)
	assert.Equal(t, http.StatusOK, get(r, "10.0.0.1").Code)

	limited := get(r, "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))
	assert.Contains(t, limited.Body.String(), "RATE_LIMIT_EXCEEDED")

	assert.Equal(t, http.StatusOK, get(r, "10.0.0.2").Code)
}

func TestClients_SweepForgetsIdle(t *testing.T) {
	store := &clients{cfg: RateLimitConfig{RPS: 1, Burst: 1, MaxAge: time.Minute}, limiters: make(map[string]*Limiter)}
	store.get("a")
	store.get("b").lastSeen = time.Now().Add(-time.Hour)

	store.sweep(time.Now())
	assert.Equal(t, 1, store.size())
}

func TestFromConfig_Defaults(t *testing.T) {
	cfg := FromConfig(config.RateLimitConfig{RPS: 50})
	assert.Equal(t, 50.0, cfg.RPS)
	assert.Equal(t, DefaultConfig().Burst, cfg.Burst)
	assert.Equal(t, DefaultConfig().MaxAge, cfg.MaxAge)
}
