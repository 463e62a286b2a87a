package internal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestLimiter(limit int, window time.Duration) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(limit, window)
	rl.now = clock.now
	return rl, clock
}

func TestRateLimiter_LimitAndReset(t *testing.T) {
	rl, clock := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if ok, _ := rl.allow("10.0.0.1"); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	ok, resetAt := rl.allow("10.0.0.1")
	if ok {
		t.Fatal("fourth request should be limited")
	}
	if !resetAt.Equal(clock.t.Add(time.Minute)) {
		t.Errorf("resetAt = %v, want %v", resetAt, clock.t.Add(time.Minute))
	}

	if ok, _ := rl.allow("10.0.0.2"); !ok {
		t.Error("other clients have their own bucket")
	}

	clock.t = clock.t.Add(time.Minute + time.Second)
	if ok, _ := rl.allow("10.0.0.1"); !ok {
		t.Error("window should have reset")
	}
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	rl, clock := newTestLimiter(10, time.Minute)

	rl.requests["expired"] = &bucket{count: 5, resetAt: clock.t.Add(-time.Second)}
	rl.requests["active"] = &bucket{count: 3, resetAt: clock.t.Add(time.Minute)}

	rl.Cleanup()

	if _, exists := rl.requests["expired"]; exists {
		t.Error("expired entry should have been removed")
	}
	if _, exists := rl.requests["active"]; !exists {
		t.Error("active entry should remain")
	}
}

func TestRateLimiter_CleanupBoundsMap(t *testing.T) {
	rl, clock := newTestLimiter(10, time.Minute)

	for i := 0; i < 150; i++ {
		rl.allow(fmt.Sprintf("192.168.1.%d", i))
	}
	clock.t = clock.t.Add(2 * time.Minute)

	// the 200th request triggers a sweep of the expired buckets
	for i := 0; i < 50; i++ {
		rl.allow("10.0.0.1")
	}
	if len(rl.requests) != 1 {
		t.Errorf("expected only the live bucket after cleanup, got %d", len(rl.requests))
	}
}

func TestRateLimiter_CleanupCounterReset(t *testing.T) {
	rl, _ := newTestLimiter(1<<30, time.Minute)

	for i := 0; i < rl.cleanupEvery*15; i++ {
		rl.allow("192.168.1.1")
	}
	if rl.requestCount > rl.cleanupEvery*10 {
		t.Errorf("counter should be reset, but is %d", rl.requestCount)
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl, _ := newTestLimiter(1, time.Minute)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(method string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/", http.NoBody)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	if w := do(http.MethodPost); w.Code != http.StatusOK {
		t.Fatalf("first request: got %d", w.Code)
	}
	if w := do(http.MethodOptions); w.Code != http.StatusOK {
		t.Errorf("preflight should bypass the limiter, got %d", w.Code)
	}
	w := do(http.MethodPost)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", http.NoBody)
	req.RemoteAddr = "192.0.2.1:1234"
	if got := GetClientIP(req); got != "192.0.2.1:1234" {
		t.Errorf("got %q", got)
	}
	req.Header.Set("X-Forwarded-For", " 203.0.113.9 ,10.0.0.1")
	if got := GetClientIP(req); got != "203.0.113.9" {
		t.Errorf("got %q", got)
	}
}
