package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/herbtrace/anchor/pkg/config"
	"github.com/herbtrace/anchor/pkg/metrics"
)

// Outcome is the limiter's decision for one request. The caller settles it
// once the response status is known, which may refund the request.
type Outcome struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time

	key         string
	windowStart time.Time
}

type window struct {
	start time.Time
	count int
}

// RateLimiter is an approximate per-client fixed-window limiter. Refunds
// are applied after the response, so concurrent requests from one client
// can briefly exceed Max.
type RateLimiter struct {
	cfg     config.RateLimitConfig
	now     func() time.Time
	clients *ClientResolver

	mu      sync.Mutex
	windows map[string]*window
	calls   int
}

// NewRateLimiter creates a limiter keyed by the address clients resolves.
// Zero Window or Max fall back to 15m/100.
func NewRateLimiter(cfg config.RateLimitConfig, clients *ClientResolver) *RateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if cfg.Max <= 0 {
		cfg.Max = 100
	}
	return &RateLimiter{cfg: cfg, now: time.Now, clients: clients, windows: make(map[string]*window)}
}

// Allow counts a request against key and reports the outcome.
func (l *RateLimiter) Allow(key string) Outcome {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%1024 == 0 {
		l.sweepLocked(now)
	}

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.cfg.Window {
		w = &window{start: now}
		l.windows[key] = w
	}

	out := Outcome{
		Limit:       l.cfg.Max,
		ResetAt:     w.start.Add(l.cfg.Window),
		key:         key,
		windowStart: w.start,
	}
	if w.count >= l.cfg.Max {
		return out
	}
	w.count++
	out.Allowed = true
	out.Remaining = l.cfg.Max - w.count
	return out
}

// Settle refunds an allowed request when its status class is configured to
// be skipped. Outcomes from an expired window are ignored.
func (l *RateLimiter) Settle(out Outcome, status int) {
	if !out.Allowed {
		return
	}
	failed := status >= http.StatusBadRequest
	if !(failed && l.cfg.SkipFailedRequests) && !(!failed && l.cfg.SkipSuccessful) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[out.key]
	if !ok || !w.start.Equal(out.windowStart) || w.count == 0 {
		return
	}
	w.count--
}

func (l *RateLimiter) sweepLocked(now time.Time) {
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.cfg.Window {
			delete(l.windows, key)
		}
	}
}

// Middleware applies the limiter keyed by client address
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out := l.Allow(l.clients.ClientIP(r))

		w.Header().Set("RateLimit-Limit", strconv.Itoa(out.Limit))
		w.Header().Set("RateLimit-Remaining", strconv.Itoa(out.Remaining))
		w.Header().Set("RateLimit-Reset", strconv.Itoa(int(time.Until(out.ResetAt).Seconds())))

		if !out.Allowed {
			metrics.RateLimitedTotal.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(out.ResetAt).Seconds())+1))
			writeError(w, r, http.StatusTooManyRequests, "too many requests, please try again later", "RATE_LIMITED")
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		l.Settle(out, rec.status)
	})
}
