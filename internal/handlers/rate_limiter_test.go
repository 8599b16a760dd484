package handlers

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRateLimiterAllow(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	limiter := NewRateLimiter(2, clock.Now)

	for i := 0; i < 2; i++ {
		if ok, _ := limiter.Allow("203.0.113.7"); !ok {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	ok, wait := limiter.Allow("203.0.113.7")
	if ok {
		t.Fatalf("third request should be limited")
	}
	if wait <= 0 || wait > 30*time.Second {
		t.Fatalf("unexpected wait %s", wait)
	}
	if ok, _ := limiter.Allow("198.51.100.1"); !ok {
		t.Fatalf("other clients keep their own budget")
	}

	clock.Advance(30 * time.Second)
	if ok, _ := limiter.Allow("203.0.113.7"); !ok {
		t.Fatalf("token should refill after 30s")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := NewRateLimiter(0, nil)
	if limiter != nil {
		t.Fatalf("expected nil limiter")
	}
	if ok, _ := limiter.Allow("x"); !ok {
		t.Fatalf("nil limiter allows everything")
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	handler := NewRateLimiter(1, clock.Now).Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/session", nil)
		req.RemoteAddr = "203.0.113.7:5123"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	if rr := send(); rr.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rr.Code)
	}
	rr := send()
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", rr.Header().Get("Retry-After"))
	}
}
