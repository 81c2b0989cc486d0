package api

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitSettings tunes the per-IP request limiter. Zero values pick the
// defaults below, so callers only set what they want to change.
type RateLimitSettings struct {
	RPS        float64       // token refill per second per IP
	Burst      int           // bucket capacity per IP
	SweepEvery time.Duration // minimum interval between stale-bucket sweeps
	StaleAfter time.Duration // idle time before a bucket is dropped
}

const (
	defaultRateRPS        = 10
	defaultRateBurst      = 20
	defaultRateSweepEvery = 5 * time.Minute
	defaultRateStaleAfter = 10 * time.Minute
)

func (s RateLimitSettings) withDefaults() RateLimitSettings {
	if s.RPS <= 0 {
		s.RPS = defaultRateRPS
	}
	if s.Burst <= 0 {
		s.Burst = defaultRateBurst
	}
	if s.SweepEvery <= 0 {
		s.SweepEvery = defaultRateSweepEvery
	}
	if s.StaleAfter <= 0 {
		s.StaleAfter = defaultRateStaleAfter
	}
	return s
}

// ipLimiter hands each client IP its own token bucket. Stale buckets are
// swept inline during allow calls rather than by a background goroutine, so
// the limiter needs no lifecycle of its own.
type ipLimiter struct {
	settings RateLimitSettings

	mu        sync.Mutex
	buckets   map[string]*ipBucket
	lastSweep time.Time
}

type ipBucket struct {
	tokens *rate.Limiter
	seen   time.Time
}

func newIPLimiter(settings RateLimitSettings) *ipLimiter {
	return &ipLimiter{
		settings:  settings.withDefaults(),
		buckets:   make(map[string]*ipBucket),
		lastSweep: time.Now(),
	}
}

// allow reports whether a request from ip may proceed, spending one token.
func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastSweep) > l.settings.SweepEvery {
		l.sweepLocked(now)
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &ipBucket{tokens: rate.NewLimiter(rate.Limit(l.settings.RPS), l.settings.Burst)}
		l.buckets[ip] = b
	}
	b.seen = now
	return b.tokens.Allow()
}

// sweepLocked drops buckets whose IP has not been seen within StaleAfter.
// Caller holds l.mu.
func (l *ipLimiter) sweepLocked(now time.Time) {
	for ip, b := range l.buckets {
		if now.Sub(b.seen) > l.settings.StaleAfter {
			delete(l.buckets, ip)
		}
	}
	l.lastSweep = now
}

// rateLimitMiddleware rejects requests whose client IP has exhausted its
// token bucket. Limited responses carry Retry-After so well-behaved clients
// back off.
func rateLimitMiddleware(l *ipLimiter, trustProxy bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r, trustProxy)
			if !l.allow(ip) {
				logger.Warn("rate limit exceeded",
					"ip", ip,
					"path", r.URL.Path,
					"method", r.Method,
				)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the client IP from the request.
//
// When trustProxy is true, checks X-Real-IP first (set by nginx/HAProxy),
// then X-Forwarded-For (first IP). Header values are validated with
// net.ParseIP to prevent injection of non-IP strings into limiter keys.
//
// When trustProxy is false, only uses RemoteAddr (safe default for direct
// exposure).
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			if ip := net.ParseIP(strings.TrimSpace(xri)); ip != nil {
				return ip.String()
			}
		}

		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			raw := xff
			if first, _, ok := strings.Cut(xff, ","); ok {
				raw = first
			}
			if ip := net.ParseIP(strings.TrimSpace(raw)); ip != nil {
				return ip.String()
			}
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
