// -------------------------------------------------------------------------------
// Rate Limiter - Per-IP Token Bucket Throttling
//
// Author: Alex Freidah
//
// Per-IP token bucket rate limiter with automatic cleanup of stale entries.
// When enabled, landing requests exceeding the configured rate receive a 429
// JSON error. Client addresses come from the shared IPResolver so throttling
// and scan recording agree on who the client is.
// -------------------------------------------------------------------------------

package server

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/afreidah/qr-landing/internal/config"
	"github.com/afreidah/qr-landing/internal/telemetry"
)

const (
	limiterCleanupInterval = 3 * time.Minute
	limiterIdleExpiry      = 10 * time.Minute
)

// RateLimiter provides per-IP token-bucket rate limiting.
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*visitorLimiter
	rate      rate.Limit
	burst     int
	resolver  *IPResolver
	stop      chan struct{}
	closeOnce sync.Once
}

type visitorLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter with the given configuration.
func NewRateLimiter(cfg config.RateLimitConfig, resolver *IPResolver) *RateLimiter {
	if resolver == nil {
		resolver = NewIPResolver(cfg.TrustedProxies)
	}
	rl := &RateLimiter{
		limiters: make(map[string]*visitorLimiter),
		rate:     rate.Limit(cfg.RequestsPerSec),
		burst:    cfg.Burst,
		resolver: resolver,
		stop:     make(chan struct{}),
	}

	go func() {
		ticker := time.NewTicker(limiterCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.cleanup(limiterIdleExpiry)
			case <-rl.stop:
				return
			}
		}
	}()

	return rl
}

// Close stops the background cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Close() {
	rl.closeOnce.Do(func() { close(rl.stop) })
}

// UpdateLimits changes the rate and burst for new visitors. Existing per-IP
// limiters keep their old rates until they expire and are recreated.
func (rl *RateLimiter) UpdateLimits(requestsPerSec float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.rate = rate.Limit(requestsPerSec)
	rl.burst = burst
}

// Allow checks whether a request from the given IP is allowed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	v, ok := rl.limiters[ip]
	if !ok {
		v = &visitorLimiter{
			limiter: rate.NewLimiter(rl.rate, rl.burst),
		}
		rl.limiters[ip] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()

	return v.limiter.Allow()
}

// Len returns the number of tracked visitors.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// cleanup removes entries not seen within the given duration.
func (rl *RateLimiter) cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	for ip, v := range rl.limiters {
		if v.lastSeen.Before(cutoff) {
			delete(rl.limiters, ip)
		}
	}
}

// Middleware wraps an http.Handler with per-IP rate limiting.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(rl.resolver.ClientIP(r)) {
			telemetry.RateLimitRejectionsTotal.Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
