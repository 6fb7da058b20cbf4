// Package middleware provides HTTP middleware for the orchestrator API.
package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

// RateLimiter manages request rate limiting per client IP with a
// shared global limiter.
type RateLimiter struct {
	enabled       bool
	perSecond     rate.Limit
	burst         int
	globalLimiter *rate.Limiter
	clients       map[string]*clientLimiter
	mu            sync.Mutex
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter. perSecond and burst apply to
// each client individually; the global limiter allows 10x that rate.
func NewRateLimiter(enabled bool, perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		perSecond = 100
	}
	if burst <= 0 {
		burst = int(perSecond)
	}

	rl := &RateLimiter{
		enabled:       enabled,
		perSecond:     rate.Limit(perSecond),
		burst:         burst,
		globalLimiter: rate.NewLimiter(rate.Limit(perSecond*10), burst*10),
		clients:       make(map[string]*clientLimiter),
		stopCleanup:   make(chan struct{}),
	}

	rl.startCleanup()
	return rl
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stopCleanup)
	if rl.cleanupTicker != nil {
		rl.cleanupTicker.Stop()
	}
}

// Middleware returns HTTP middleware enforcing the rate limits.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.enabled {
			next.ServeHTTP(w, r)
			return
		}

		if !rl.Allow(extractClientIP(r)) {
			writeRateLimitResponse(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Allow reports whether a request from the given client may proceed,
// consuming a token from both the global and per-client limiters.
func (rl *RateLimiter) Allow(clientIP string) bool {
	if !rl.globalLimiter.Allow() {
		return false
	}
	return rl.clientFor(clientIP).Allow()
}

func (rl *RateLimiter) clientFor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cl, ok := rl.clients[ip]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.perSecond, rl.burst)}
		rl.clients[ip] = cl
	}
	cl.lastSeen = time.Now()
	return cl.limiter
}

// ClientCount returns the number of tracked client limiters.
func (rl *RateLimiter) ClientCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *RateLimiter) startCleanup() {
	rl.cleanupTicker = time.NewTicker(10 * time.Minute)

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup(10 * time.Minute)
			case <-rl.stopCleanup:
				return
			}
		}
	}()
}

// cleanup removes client limiters idle longer than maxIdle.
func (rl *RateLimiter) cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	for ip, cl := range rl.clients {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
		}
	}
}

// extractClientIP extracts the real client IP, honoring proxy headers.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// X-Forwarded-For can contain multiple IPs, take the first one
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func writeRateLimitResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(types.Response{
		Success: false,
		Message: "rate limit exceeded, please try again later",
	})
}
