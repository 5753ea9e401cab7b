package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/herbtrace/anchor/pkg/config"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg config.RateLimitConfig) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewRateLimiter(cfg, nil)
	l.now = clock.Now
	return l, clock
}

func TestRateLimiter_Allow(t *testing.T) {
	l, _ := newTestLimiter(config.RateLimitConfig{Window: time.Minute, Max: 3})

	var remaining []int
	for i := 0; i < 3; i++ {
		out := l.Allow("10.0.0.1")
		assert.True(t, out.Allowed)
		remaining = append(remaining, out.Remaining)
	}
	assert.Equal(t, []int{2, 1, 0}, remaining)

	out := l.Allow("10.0.0.1")
	assert.False(t, out.Allowed)
	assert.Equal(t, 3, out.Limit)

	// other clients have their own window
	assert.True(t, l.Allow("10.0.0.2").Allowed)
}

func TestRateLimiter_WindowResets(t *testing.T) {
	l, clock := newTestLimiter(config.RateLimitConfig{Window: time.Minute, Max: 1})

	assert.True(t, l.Allow("a").Allowed)
	assert.False(t, l.Allow("a").Allowed)

	clock.Advance(time.Minute)
	out := l.Allow("a")
	assert.True(t, out.Allowed)
	assert.Equal(t, clock.Now().Add(time.Minute), out.ResetAt)
}

func TestRateLimiter_Settle(t *testing.T) {
	tests := []struct {
		name       string
		cfg        config.RateLimitConfig
		status     int
		wantRefund bool
	}{
		{name: "no skipping", status: http.StatusOK},
		{name: "skip successful 200", cfg: config.RateLimitConfig{SkipSuccessful: true}, status: http.StatusOK, wantRefund: true},
		{name: "skip successful 500", cfg: config.RateLimitConfig{SkipSuccessful: true}, status: http.StatusInternalServerError},
		{name: "skip failed 404", cfg: config.RateLimitConfig{SkipFailedRequests: true}, status: http.StatusNotFound, wantRefund: true},
		{name: "skip failed 201", cfg: config.RateLimitConfig{SkipFailedRequests: true}, status: http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Window = time.Minute
			tt.cfg.Max = 1
			l, _ := newTestLimiter(tt.cfg)

			l.Settle(l.Allow("c"), tt.status)
			assert.Equal(t, tt.wantRefund, l.Allow("c").Allowed)
		})
	}
}

func TestRateLimiter_SettleAfterWindowRolledOver(t *testing.T) {
	l, clock := newTestLimiter(config.RateLimitConfig{Window: time.Minute, Max: 1, SkipSuccessful: true})

	stale := l.Allow("c")
	clock.Advance(time.Minute)
	assert.True(t, l.Allow("c").Allowed)

	// the refund belongs to the old window and must not free the new one
	l.Settle(stale, http.StatusOK)
	assert.False(t, l.Allow("c").Allowed)
}

func TestRateLimiter_SweepsExpiredWindows(t *testing.T) {
	l, clock := newTestLimiter(config.RateLimitConfig{Window: time.Minute, Max: 5})

	l.Allow("old")
	clock.Advance(2 * time.Minute)
	for i := 0; i < 1023; i++ {
		l.Allow("new")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.windows, "old")
	assert.Contains(t, l.windows, "new")
}

func TestRateLimiter_Middleware(t *testing.T) {
	l, _ := newTestLimiter(config.RateLimitConfig{Window: time.Minute, Max: 2})
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 3)
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/sync/stats", nil)
		req.RemoteAddr = "192.0.2.7:4000"
		last = httptest.NewRecorder()
		h.ServeHTTP(last, req)
		codes = append(codes, last.Code)
	}

	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)
	assert.NotEmpty(t, last.Header().Get("Retry-After"))
	assert.Equal(t, "0", last.Header().Get("RateLimit-Remaining"))
}
