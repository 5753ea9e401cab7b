package api

import (
	"net/http"
	"time"

	"github.com/herbtrace/anchor/pkg/metrics"
)

// HealthResponse is the liveness body
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse is the readiness body. Checks holds one entry per monitored
// component plus "stats", a read against the store and queue made for this
// request.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

func (s *Server) registerHealth(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /ready", s.readyHandler)
	mux.HandleFunc("GET /health/components", metrics.HealthHandler())
	mux.Handle("GET /metrics", metrics.Handler())
}

// healthHandler answers as long as the process can serve requests
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   s.version,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{Status: "ready", Timestamp: time.Now(), Checks: map[string]string{}}
	notReady := func(msg string) {
		if resp.Status == "ready" {
			resp.Message = msg
		}
		resp.Status = "not ready"
	}

	if s.manager == nil {
		resp.Checks["manager"] = "not initialized"
		notReady("manager not initialized")
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	board := metrics.GetReadiness()
	for name, state := range board.Components {
		resp.Checks[name] = state
	}
	if board.Status != metrics.StatusReady {
		notReady(board.Message)
	}

	if _, err := s.manager.Stats(r.Context()); err != nil {
		resp.Checks["stats"] = "error: " + err.Error()
		notReady("storage not accessible")
	} else {
		resp.Checks["stats"] = "ok"
	}

	code := http.StatusOK
	if resp.Status != "ready" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
