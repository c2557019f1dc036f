package internal

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter limits webhook requests per client IP with a token bucket
type RateLimiter struct {
	mu            sync.Mutex
	visitors      map[string]*visitor
	rps           rate.Limit
	burst         int
	idleTTL       time.Duration
	requestCount  int // counter for deterministic cleanup
	cleanupEvery  int // cleanup every N requests (default: 100)
	cleanupAtSize int // cleanup when map size exceeds this (default: 200)
	now           func() time.Time
	onLimited     func(ip string)
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing rps requests per second per IP
// with bursts of up to burst requests
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		visitors:      make(map[string]*visitor),
		rps:           rate.Limit(rps),
		burst:         burst,
		idleTTL:       3 * time.Minute,
		cleanupEvery:  100,
		cleanupAtSize: 200,
		now:           time.Now,
	}
}

// OnLimited registers a hook called for every refused request
func (rl *RateLimiter) OnLimited(fn func(ip string)) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.onLimited = fn
}

// Allow reports whether a request from ip may proceed
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	rl.requestCount++
	if rl.requestCount%rl.cleanupEvery == 0 || len(rl.visitors) > rl.cleanupAtSize {
		rl.cleanupIdle(now)
		if rl.requestCount >= rl.cleanupEvery*10 {
			rl.requestCount = 0
		}
	}

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// cleanupIdle drops visitors not seen within idleTTL
func (rl *RateLimiter) cleanupIdle(now time.Time) {
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.idleTTL {
			delete(rl.visitors, ip)
		}
	}
}

// Cleanup removes all idle visitors
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.cleanupIdle(rl.now())
}

// Middleware wraps an HTTP handler with per-IP rate limiting
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := GetClientIP(r)
		if !rl.Allow(ip) {
			rl.mu.Lock()
			hook := rl.onLimited
			rl.mu.Unlock()
			if hook != nil {
				hook(ip)
			}
			SetSecurityHeaders(w)
			_ = WriteJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetClientIP returns the host part of RemoteAddr. Forwarded headers are
// ignored; a trusted proxy layer rewrites RemoteAddr before this runs.
func GetClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
