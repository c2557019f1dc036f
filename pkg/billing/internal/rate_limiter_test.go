package internal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRateLimiter_BurstThenRefuse(t *testing.T) {
	limiter := NewRateLimiter(1, 3)
	now := time.Now()
	limiter.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !limiter.Allow("10.0.0.1") {
			t.Fatalf("request %d within burst was refused", i)
		}
	}
	if limiter.Allow("10.0.0.1") {
		t.Error("Expected request beyond burst to be refused")
	}

	// Another IP has its own bucket
	if !limiter.Allow("10.0.0.2") {
		t.Error("Expected a different IP to be allowed")
	}

	// Tokens refill over time
	now = now.Add(2 * time.Second)
	if !limiter.Allow("10.0.0.1") {
		t.Error("Expected request after refill to be allowed")
	}
}

func TestRateLimiter_CleanupDropsIdleVisitors(t *testing.T) {
	limiter := NewRateLimiter(10, 10)
	now := time.Now()
	limiter.now = func() time.Time { return now }

	for i := 0; i < 150; i++ {
		limiter.Allow(fmt.Sprintf("192.168.1.%d", i))
	}
	if len(limiter.visitors) != 150 {
		t.Fatalf("Expected 150 visitors, got %d", len(limiter.visitors))
	}

	now = now.Add(limiter.idleTTL + time.Second)
	limiter.Allow("10.0.0.1")
	limiter.Cleanup()

	if len(limiter.visitors) != 1 {
		t.Errorf("Expected only the active visitor to remain, got %d", len(limiter.visitors))
	}
}

func TestRateLimiter_CleanupOnSize(t *testing.T) {
	limiter := NewRateLimiter(10, 10)
	now := time.Now()
	limiter.now = func() time.Time { return now }

	for i := 0; i < 99; i++ {
		limiter.Allow(fmt.Sprintf("172.16.0.%d", i))
	}
	now = now.Add(limiter.idleTTL + time.Second)

	// The 100th request triggers deterministic cleanup
	limiter.Allow("10.0.0.9")

	if len(limiter.visitors) > 1 {
		t.Errorf("Map size (%d) suggests idle visitors were not cleaned up", len(limiter.visitors))
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter := NewRateLimiter(0.001, 1)
	limited := 0
	limiter.OnLimited(func(string) { limited++ })

	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	req.RemoteAddr = "203.0.113.7:5555"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "rate limit exceeded") {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	if limited != 1 {
		t.Errorf("OnLimited called %d times, want 1", limited)
	}
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "198.51.100.1:1234"
	if ip := GetClientIP(req); ip != "198.51.100.1" {
		t.Errorf("GetClientIP = %q", ip)
	}

	req.Header.Set("X-Forwarded-For", " 203.0.113.5 , 10.0.0.1")
	if ip := GetClientIP(req); ip != "198.51.100.1" {
		t.Errorf("GetClientIP must ignore X-Forwarded-For, got %q", ip)
	}
}

func TestRateLimiter_SpoofedForwardedForSharesBucket(t *testing.T) {
	limiter := NewRateLimiter(0.001, 2)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.9.0.%d", i))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("requests within burst refused: %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests || codes[3] != http.StatusTooManyRequests {
		t.Errorf("rotating X-Forwarded-For must not refill the bucket: %v", codes)
	}
}

func TestReadBodyStrict(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("a", 20)))
	if _, err := ReadBodyStrict(rec, req, 10); err == nil || !strings.Contains(err.Error(), ErrPayloadTooLarge.Error()) {
		t.Errorf("Expected ErrPayloadTooLarge, got %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	if _, err := ReadBodyStrict(rec, req, 10); err != ErrEmptyBody {
		t.Errorf("Expected ErrEmptyBody, got %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("payload"))
	body, err := ReadBodyStrict(rec, req, 10)
	if err != nil || string(body) != "payload" {
		t.Errorf("ReadBodyStrict = %q, %v", body, err)
	}
}
