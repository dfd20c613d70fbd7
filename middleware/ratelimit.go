package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit describes the budget for one route group.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

type rateEntry struct {
	limiter *rate.Limiter
}

// RateLimiter applies per-client request budgets keyed by route group.
type RateLimiter struct {
	logger   *slog.Logger
	limits   map[string]RateLimit
	mu       sync.Mutex
	visitors map[string]*rateEntry
}

// NewRateLimiter builds a limiter over the supplied route budgets.
func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		visitors: make(map[string]*rateEntry),
	}
}

// Middleware enforces the named budget for every request passing through.
func (r *RateLimiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[key]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			identifier := key + "|" + clientID(req)
			limiter := r.obtainLimiter(identifier, limit)
			if !limiter.Allow() {
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) obtainLimiter(id string, cfg RateLimit) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.visitors[id]
	if ok {
		return entry.limiter
	}
	perSecond := cfg.RequestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	r.visitors[id] = &rateEntry{limiter: limiter}
	go r.expire(id)
	return limiter
}

// expire drops an idle limiter after a grace period so the visitor map does
// not grow without bound.
func (r *RateLimiter) expire(id string) {
	timer := time.NewTimer(5 * time.Minute)
	defer timer.Stop()
	<-timer.C
	r.mu.Lock()
	delete(r.visitors, id)
	r.mu.Unlock()
}

func clientID(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		first := ip
		if comma := strings.IndexByte(ip, ','); comma > 0 {
			first = strings.TrimSpace(ip[:comma])
		}
		if parsed := net.ParseIP(first); parsed != nil {
			return parsed.String()
		}
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
