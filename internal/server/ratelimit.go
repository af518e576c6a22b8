package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"frameproof/internal/identity"
)

type RateLimitConfig struct {
	// GlobalRPS caps the whole server. Zero disables the global limiter.
	GlobalRPS   float64
	GlobalBurst int
	// ClientRPS caps each identity, or each remote IP for anonymous callers.
	ClientRPS   float64
	ClientBurst int
	// WriteLimit caps mutating requests per client within WriteWindow. When a
	// shared store is configured the count is kept there so every node
	// enforces the same budget.
	WriteLimit  int
	WriteWindow time.Duration
}

type windowStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

type rateLimiter struct {
	global *rate.Limiter

	clientRate  rate.Limit
	clientBurst int
	clientsMu   sync.Mutex
	clients     map[string]*clientLimiter
	lastSweep   time.Time

	writeLimit  int
	writeWindow time.Duration
	store       windowStore
	now         func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	writes   int
	window   time.Time
	lastSeen time.Time
}

func newRateLimiter(cfg RateLimitConfig, store windowStore) *rateLimiter {
	rl := &rateLimiter{
		clients:     make(map[string]*clientLimiter),
		writeLimit:  cfg.WriteLimit,
		writeWindow: cfg.WriteWindow,
		store:       store,
		now:         time.Now,
	}
	if cfg.GlobalRPS > 0 {
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burstFor(cfg.GlobalRPS, cfg.GlobalBurst))
	}
	if cfg.ClientRPS > 0 {
		rl.clientRate = rate.Limit(cfg.ClientRPS)
		rl.clientBurst = burstFor(cfg.ClientRPS, cfg.ClientBurst)
	}
	if rl.writeWindow <= 0 {
		rl.writeWindow = time.Minute
	}
	return rl
}

func burstFor(rps float64, burst int) int {
	if burst > 0 {
		return burst
	}
	if rps < 1 {
		return 1
	}
	return int(rps)
}

func (r *rateLimiter) enabled() bool {
	return r != nil && (r.global != nil || r.clientRate > 0 || r.writeLimit > 0)
}

// AllowRequest applies the global and per-client token buckets.
func (r *rateLimiter) AllowRequest(key string) bool {
	if r == nil {
		return true
	}
	if r.global != nil && !r.global.Allow() {
		return false
	}
	if r.clientRate <= 0 {
		return true
	}
	return r.client(key).limiter.Allow()
}

// AllowWrite applies the fixed-window budget for mutating requests.
func (r *rateLimiter) AllowWrite(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.writeLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		return r.store.Allow(ctx, "frameproof:ratelimit:write:"+key, r.writeLimit, r.writeWindow)
	}
	now := r.now()
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()
	c := r.clientLocked(key, now)
	if now.Sub(c.window) >= r.writeWindow {
		c.window = now
		c.writes = 0
	}
	c.writes++
	if c.writes <= r.writeLimit {
		return true, 0, nil
	}
	return false, c.window.Add(r.writeWindow).Sub(now), nil
}

func (r *rateLimiter) client(key string) *clientLimiter {
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()
	return r.clientLocked(key, r.now())
}

func (r *rateLimiter) clientLocked(key string, now time.Time) *clientLimiter {
	c, ok := r.clients[key]
	if !ok {
		limit, burst := r.clientRate, r.clientBurst
		if limit <= 0 {
			limit, burst = rate.Inf, 1
		}
		c = &clientLimiter{limiter: rate.NewLimiter(limit, burst), window: now}
		r.clients[key] = c
	}
	c.lastSeen = now
	if now.Sub(r.lastSweep) > r.writeWindow {
		r.lastSweep = now
		cutoff := now.Add(-2 * r.writeWindow)
		for k, v := range r.clients {
			if v.lastSeen.Before(cutoff) {
				delete(r.clients, k)
			}
		}
	}
	return c
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !rl.enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)
			if !rl.AllowRequest(key) {
				w.Header().Set("Retry-After", "1")
				writeMiddlewareError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}
			if isWrite(r.Method) {
				allowed, retryAfter, err := rl.AllowWrite(r.Context(), key)
				if err != nil {
					if logger != nil {
						logger.Error("rate limiter store failure", "error", err)
					}
					w.Header().Set("Retry-After", "1")
					writeMiddlewareError(w, http.StatusServiceUnavailable, "transient_storage", "rate limiter unavailable")
					return
				}
				if !allowed {
					seconds := int(retryAfter.Round(time.Second) / time.Second)
					if seconds < 1 {
						seconds = 1
					}
					w.Header().Set("Retry-After", strconv.Itoa(seconds))
					writeMiddlewareError(w, http.StatusTooManyRequests, "rate_limited", "too many writes")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isWrite(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// clientKey prefers the resolved identity so reviewers behind one proxy get
// separate budgets.
func clientKey(r *http.Request) string {
	if who, ok := identity.FromContext(r.Context()); ok {
		return "id:" + who
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
