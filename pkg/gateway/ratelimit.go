package gateway

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	rateLimitCleanupInterval = 5 * time.Minute
	rateLimitEntryTTL        = 10 * time.Minute
)

// newLimiter returns a token bucket allowing requestsPerMinute with a burst
// of the same size. A non-positive rate yields nil, meaning unlimited.
func newLimiter(requestsPerMinute int) *rate.Limiter {
	if requestsPerMinute <= 0 {
		return nil
	}

	return rate.NewLimiter(
		rate.Limit(float64(requestsPerMinute)/60.0),
		requestsPerMinute,
	)
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter keeps one limiter per client IP for connection attempts.
type ipRateLimiter struct {
	mu                sync.Mutex
	limiters          map[string]*ipLimiter
	requestsPerMinute int
	done              chan struct{}
	once              sync.Once
}

func newIPRateLimiter(requestsPerMinute int) *ipRateLimiter {
	rl := &ipRateLimiter{
		limiters:          make(map[string]*ipLimiter, 64),
		requestsPerMinute: requestsPerMinute,
		done:              make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

func (rl *ipRateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.limiters[ip]
	if !exists {
		entry = &ipLimiter{limiter: newLimiter(rl.requestsPerMinute)}
		rl.limiters[ip] = entry
	}

	entry.lastSeen = time.Now()

	return entry.limiter == nil || entry.limiter.Allow()
}

func (rl *ipRateLimiter) cleanup() {
	ticker := time.NewTicker(rateLimitCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()

			for ip, entry := range rl.limiters {
				if time.Since(entry.lastSeen) > rateLimitEntryTTL {
					delete(rl.limiters, ip)
				}
			}

			rl.mu.Unlock()
		case <-rl.done:
			return
		}
	}
}

func (rl *ipRateLimiter) stop() {
	rl.once.Do(func() { close(rl.done) })
}

// middleware rejects connection attempts above the per-IP rate before the
// WebSocket upgrade.
func (rl *ipRateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(extractIP(r)) {
			writeJSON(w, http.StatusTooManyRequests,
				errorResponse{"rate limit exceeded"})

			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractIP returns the client's IP address from the request.
func extractIP(r *http.Request) string {
	// Check X-Forwarded-For first (common with reverse proxies).
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")

		return strings.TrimSpace(first)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}
