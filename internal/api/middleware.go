package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	apiKeyHeader     = "x-api-key"
	rateLimitMax     = 30
	rateLimitWindow  = 60 * time.Second
	rateLimitMapSize = 4096
)

// requireAPIKey rejects requests missing the configured key. Diagnostics
// endpoints stay open; an empty configured key disables auth entirely.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" || openPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get(apiKeyHeader) != s.cfg.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid or missing api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func openPath(path string) bool {
	return path == "/broker/bridge/status" || path == "/health" || path == "/metrics"
}

type rateWindow struct {
	start time.Time
	count int
}

// rateLimiter is a fixed-window counter keyed by (identity, ip, method,
// path). Windows reset after rateLimitWindow; the map is pruned when it
// grows past rateLimitMapSize.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	max     int
	window  time.Duration
	now     func() time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	if max <= 0 {
		max = rateLimitMax
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &rateLimiter{
		windows: make(map[string]*rateWindow),
		max:     max,
		window:  window,
		now:     time.Now,
	}
}

// Allow reports whether one more request fits the caller's window.
func (rl *rateLimiter) Allow(identity, ip, method, path string) bool {
	key := identity + "|" + ip + "|" + method + "|" + path
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	w := rl.windows[key]
	if w == nil || now.Sub(w.start) >= rl.window {
		if len(rl.windows) >= rateLimitMapSize {
			rl.prune(now)
		}
		rl.windows[key] = &rateWindow{start: now, count: 1}
		return true
	}
	if w.count >= rl.max {
		return false
	}
	w.count++
	return true
}

func (rl *rateLimiter) prune(now time.Time) {
	for k, w := range rl.windows {
		if now.Sub(w.start) >= rl.window {
			delete(rl.windows, k)
		}
	}
}

// limitRate applies the per-caller window ahead of every handler.
func (s *Server) limitRate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := r.Header.Get(apiKeyHeader)
		if identity == "" {
			identity = "anonymous"
		}
		if !s.limiter.Allow(identity, clientIP(r), r.Method, r.URL.Path) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
