package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

func finish(start time.Time, err error, ok string) Result {
	r := Result{Healthy: err == nil, Message: ok, CheckedAt: start, Duration: time.Since(start)}
	if err != nil {
		r.Message = err.Error()
	}
	return r
}

// FuncChecker adapts an in-process probe such as EventStore.Ping
type FuncChecker struct {
	probe func(ctx context.Context) error
	ok    string
}

// NewFuncChecker reports okMessage whenever probe returns nil
func NewFuncChecker(okMessage string, probe func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{probe: probe, ok: okMessage}
}

func (f *FuncChecker) Check(ctx context.Context) Result {
	start := time.Now()
	err := f.probe(ctx)
	if err != nil {
		err = fmt.Errorf("probe failed: %w", err)
	}
	return finish(start, err, f.ok)
}

// HTTPChecker GETs the ledger peer's health endpoint. Any 2xx is healthy.
type HTTPChecker struct {
	URL    string
	Token  string
	Client *http.Client
}

func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

// WithBearerToken authenticates the probe the same way the gateway does
func (h *HTTPChecker) WithBearerToken(token string) *HTTPChecker {
	h.Token = token
	return h
}

func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}

func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	code, err := h.get(ctx)
	return finish(start, err, fmt.Sprintf("HTTP %d", code))
}

func (h *HTTPChecker) get(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return resp.StatusCode, fmt.Errorf("HTTP %d from %s", resp.StatusCode, h.URL)
	}
	return resp.StatusCode, nil
}

// TCPChecker dials a backing service such as the Redis queue
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address, Timeout: 5 * time.Second}
}

func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	d := net.Dialer{Timeout: t.Timeout}
	conn, err := d.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return finish(start, fmt.Errorf("dial %s: %w", t.Address, err), "")
	}
	_ = conn.Close()
	return finish(start, nil, t.Address+" reachable")
}
