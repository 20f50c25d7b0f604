package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/go-offline/internal/config"
	"github.com/basket/go-offline/internal/gateway"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func pushRequest(token string) *http.Request {
	req := httptest.NewRequest("POST", "/__agent/push", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestRateLimit_UnderLimit(t *testing.T) {
	rl := gateway.NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 10})
	handler := rl.Wrap(okHandler())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, pushRequest("tok"))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestRateLimit_OverLimitSetsRetryAfter(t *testing.T) {
	rl := gateway.NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 3})
	handler := rl.Wrap(okHandler())

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, pushRequest("tok"))
		if rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, pushRequest("tok"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestRateLimit_RefillOverTime(t *testing.T) {
	// 6000 rpm refills 100 tokens per second.
	rl := gateway.NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 6000, BurstSize: 1})
	handler := rl.Wrap(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, pushRequest("tok"))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, pushRequest("tok"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}

	time.Sleep(50 * time.Millisecond)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, pushRequest("tok"))
	if rec.Code != http.StatusOK {
		t.Fatalf("after refill: expected 200, got %d", rec.Code)
	}
}

func TestRateLimit_PerCallerIsolation(t *testing.T) {
	rl := gateway.NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 1})
	handler := rl.Wrap(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, pushRequest("a"))
	if rec.Code != http.StatusOK {
		t.Fatalf("caller a: expected 200, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, pushRequest("b"))
	if rec.Code != http.StatusOK {
		t.Fatalf("caller b must have its own bucket, got %d", rec.Code)
	}

	// Tokenless callers are keyed by address.
	anon := func(addr string) int {
		req := pushRequest("")
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := anon("10.0.0.1:1111"); code != http.StatusOK {
		t.Fatalf("first anonymous caller: %d", code)
	}
	if code := anon("10.0.0.1:2222"); code != http.StatusTooManyRequests {
		t.Fatalf("same host, other port must share a bucket, got %d", code)
	}
	if code := anon("10.0.0.2:1111"); code != http.StatusOK {
		t.Fatalf("second host: %d", code)
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	rl := gateway.NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 5})
	handler := rl.Wrap(okHandler())

	for _, tok := range []string{"a", "b", "c"} {
		handler.ServeHTTP(httptest.NewRecorder(), pushRequest(tok))
	}
	if n := rl.BucketCount(); n != 3 {
		t.Fatalf("expected 3 buckets, got %d", n)
	}

	time.Sleep(20 * time.Millisecond)
	rl.EvictStale(10 * time.Millisecond)
	if n := rl.BucketCount(); n != 0 {
		t.Fatalf("expected all buckets evicted, got %d", n)
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	rl := gateway.NewRateLimiter(config.RateLimitConfig{Enabled: false, RequestsPerMinute: 1, BurstSize: 1})
	handler := rl.Wrap(okHandler())

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, pushRequest("tok"))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: disabled limiter returned %d", i, rec.Code)
		}
	}
	if n := rl.BucketCount(); n != 0 {
		t.Fatalf("disabled limiter must not track callers, got %d buckets", n)
	}
}
