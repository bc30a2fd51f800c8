package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"watchtower/services/agent/internal/config"
	"watchtower/services/agent/internal/metrics"
)

const minLimiterTTL = 10 * time.Minute

// apiRateLimiter allows limit.Requests per caller per limit.Window, refilled evenly across the window.
type apiRateLimiter struct {
	tier     string
	window   time.Duration
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
	ttl      time.Duration
	clients  map[string]*rate.Limiter
	lastSeen map[string]time.Time
	now      func() time.Time
}

func newAPIRateLimiter(tier string, limit config.RateLimit) *apiRateLimiter {
	if limit.Requests <= 0 || limit.Window <= 0 {
		return nil
	}

	ttl := limit.Window
	if ttl < minLimiterTTL {
		ttl = minLimiterTTL
	}
	return &apiRateLimiter{
		tier:     tier,
		window:   limit.Window,
		rps:      rate.Every(limit.Window / time.Duration(limit.Requests)),
		burst:    limit.Requests,
		ttl:      ttl,
		clients:  make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Middleware passes everything through when the limiter is unconfigured.
func (l *apiRateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientAddress(r)) {
			metrics.ObserveRateLimited(l.tier)
			w.Header().Set("Retry-After", strconv.Itoa(int(l.window.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error":   "rate limit exceeded",
				"message": "Too many requests from this address, please try again later",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *apiRateLimiter) allow(clientID string) bool {
	if clientID == "" {
		clientID = "unknown"
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.clients[clientID]
	if !exists {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.clients[clientID] = limiter
	}
	l.lastSeen[clientID] = now

	for key, seenAt := range l.lastSeen {
		if now.Sub(seenAt) > l.ttl {
			delete(l.lastSeen, key)
			delete(l.clients, key)
		}
	}

	return limiter.AllowN(now, 1)
}

func clientAddress(r *http.Request) string {
	forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}

	realIP := strings.TrimSpace(r.Header.Get("X-Real-IP"))
	if realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}

	return strings.TrimSpace(r.RemoteAddr)
}
