package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/audit-platform/audit-platform/internal/config"
)

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerMinute != 120 {
		t.Errorf("RequestsPerMinute = %d, want 120", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 30 {
		t.Errorf("BurstSize = %d, want 30", cfg.BurstSize)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m", cfg.CleanupInterval)
	}
}

// ---------------------------------------------------------------------------
// RateLimiter.Allow
// ---------------------------------------------------------------------------

func newTestLimiter(rpm, burst int) *RateLimiter {
	return NewRateLimiter(RateLimitConfig{
		RequestsPerMinute: rpm,
		BurstSize:         burst,
		CleanupInterval:   time.Hour, // Don't clean up during tests
	})
}

func allowed(t *testing.T, rl Limiter, key string) bool {
	t.Helper()
	d, err := rl.Allow(context.Background(), key)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	return d.Allowed
}

func TestRateLimiter_AllowsUpToBurstSize(t *testing.T) {
	burst := 3
	rl := newTestLimiter(60, burst)
	defer rl.Stop()

	n := 0
	for i := 0; i < burst+2; i++ {
		if allowed(t, rl, "burst-test") {
			n++
		}
	}
	if n != burst {
		t.Errorf("allowed %d requests at burst=%d, want exactly %d", n, burst, burst)
	}
}

func TestRateLimiter_RejectionCarriesRetryAfter(t *testing.T) {
	rl := newTestLimiter(60, 1)
	defer rl.Stop()

	allowed(t, rl, "k")
	d, _ := rl.Allow(context.Background(), "k")
	if d.Allowed {
		t.Fatal("second request should be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second+50*time.Millisecond {
		t.Errorf("RetryAfter = %v, want about 1s", d.RetryAfter)
	}
}

func TestRateLimiter_TokensRefillOverTime(t *testing.T) {
	rl := newTestLimiter(600, 2) // 10 tokens/sec
	defer rl.Stop()

	for allowed(t, rl, "refill-test") {
	}

	time.Sleep(120 * time.Millisecond)

	if !allowed(t, rl, "refill-test") {
		t.Error("Allow() = false after token refill wait, want true")
	}
}

func TestRateLimiter_DifferentKeysAreIndependent(t *testing.T) {
	rl := newTestLimiter(60, 2)
	defer rl.Stop()

	for allowed(t, rl, "key-a") {
	}
	if !allowed(t, rl, "key-b") {
		t.Error("Allow() = false for independent key-b after exhausting key-a")
	}
}

func TestRateLimiter_StopTwice(t *testing.T) {
	rl := newTestLimiter(60, 5)
	rl.Stop()
	rl.Stop()
}

// ---------------------------------------------------------------------------
// NewLimiter
// ---------------------------------------------------------------------------

func TestNewLimiter_InProcess(t *testing.T) {
	l, err := NewLimiter(&config.RateLimitingConfig{RequestsPerMinute: 10, Burst: 2})
	if err != nil {
		t.Fatalf("NewLimiter: %v", err)
	}
	defer l.Stop()
	if _, ok := l.(*RateLimiter); !ok {
		t.Errorf("got %T, want *RateLimiter", l)
	}
	if l.Limit() != 10 {
		t.Errorf("Limit() = %d, want 10", l.Limit())
	}
}

func TestNewLimiter_Redis(t *testing.T) {
	l, err := NewLimiter(&config.RateLimitingConfig{RedisURL: "redis://localhost:6379/0"})
	if err != nil {
		t.Fatalf("NewLimiter: %v", err)
	}
	defer l.Stop()
	if _, ok := l.(*RedisRateLimiter); !ok {
		t.Errorf("got %T, want *RedisRateLimiter", l)
	}
	if l.Limit() != 120 {
		t.Errorf("Limit() = %d, want default 120", l.Limit())
	}
}

func TestNewLimiter_BadRedisURL(t *testing.T) {
	if _, err := NewLimiter(&config.RateLimitingConfig{RedisURL: "://nope"}); err == nil {
		t.Error("expected error for malformed redis url")
	}
}

// ---------------------------------------------------------------------------
// RateLimitMiddleware
// ---------------------------------------------------------------------------

func newRateLimitRouter(l Limiter) *gin.Engine {
	r := gin.New()
	r.Use(RateLimitMiddleware(l))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestRateLimitMiddleware_Returns429(t *testing.T) {
	rl := newTestLimiter(60, 1)
	defer rl.Stop()
	r := newRateLimitRouter(rl)

	codes := make([]int, 2)
	for i := range codes {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		r.ServeHTTP(w, req)
		codes[i] = w.Code
		if i == 1 && w.Header().Get("Retry-After") == "" {
			t.Error("missing Retry-After header on 429")
		}
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 429]", codes)
	}
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{}, errors.New("redis down")
}
func (brokenLimiter) Limit() int { return 1 }
func (brokenLimiter) Stop()      {}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	newRateLimitRouter(brokenLimiter{}).ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when limiter backend fails", w.Code)
	}
}

func TestGetRateLimitKey(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request, _ = http.NewRequest(http.MethodGet, "/", nil)
	c.Request.RemoteAddr = "192.0.2.7:5555"
	if got := getRateLimitKey(c); got != "ip:192.0.2.7" {
		t.Errorf("key = %q, want ip:192.0.2.7", got)
	}

	c.Set(ctxUserID, "u1")
	if got := getRateLimitKey(c); got != "user:u1" {
		t.Errorf("key = %q, want user:u1", got)
	}
}
