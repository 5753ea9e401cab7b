package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	serrors "github.com/herbtrace/anchor/pkg/errors"
	"github.com/herbtrace/anchor/pkg/events"
	"github.com/herbtrace/anchor/pkg/log"
	"github.com/herbtrace/anchor/pkg/manager"
	"github.com/herbtrace/anchor/pkg/types"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBodyBytes     = 1 << 20
)

// Server is the producer and admin HTTP API in front of a Manager
type Server struct {
	manager *manager.Manager
	addr    string
	version string
	limiter *RateLimiter
	handler http.Handler
	logger  zerolog.Logger

	// streamHeartbeat is the interval of SSE keep-alive comments
	streamHeartbeat time.Duration

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer builds the API server and its routes
func NewServer(mgr *manager.Manager, version string) *Server {
	cfg := mgr.Config().HTTP
	s := &Server{
		manager:         mgr,
		addr:            cfg.Addr,
		version:         version,
		logger:          log.WithComponent("api"),
		streamHeartbeat: 15 * time.Second,
	}

	v1 := http.NewServeMux()
	v1.HandleFunc("POST /api/v1/events", s.handleCreateEvent)
	v1.HandleFunc("GET /api/v1/events/failed", s.handleListFailed)
	v1.HandleFunc("GET /api/v1/events/{id}", s.handleGetEvent)
	v1.HandleFunc("GET /api/v1/events/{id}/audit", s.handleAuditTrail)
	v1.HandleFunc("POST /api/v1/events/{id}/sync", s.handleQueueSync)
	v1.HandleFunc("POST /api/v1/sync/retry-failed", s.handleRetryFailed)
	v1.HandleFunc("GET /api/v1/sync/stats", s.handleStats)
	v1.HandleFunc("GET /api/v1/sync/jobs", s.handleListJobs)
	v1.HandleFunc("GET /api/v1/sync/stream", s.handleStream)
	v1.HandleFunc("GET /api/v1/ledger/transactions/{txId}", s.handleQueryTransaction)

	clients := NewClientResolver(cfg.TrustedProxies)
	var routes http.Handler = v1
	if cfg.RateLimit.Enabled {
		s.limiter = NewRateLimiter(cfg.RateLimit, clients)
		routes = s.limiter.Middleware(routes)
	}
	if ac := NewAccessControl(cfg.AccessControl, clients); ac.Enabled() {
		routes = ac.Middleware(routes)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", routes)
	s.registerHealth(mux)

	s.handler = ChainMiddleware(
		RecoveryMiddleware,
		RequestIDMiddleware,
		AccessLogMiddleware,
	)(mux)
	return s
}

// Handler returns the full middleware-wrapped handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until Shutdown is called. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("API server listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// CreateEventResponse is returned by POST /api/v1/events
type CreateEventResponse struct {
	Event *types.CollectionEvent `json:"event"`
	Job   *types.SyncJob         `json:"job"`
}

// EventResponse is returned by GET /api/v1/events/{id}
type EventResponse struct {
	Event *types.CollectionEvent `json:"event"`
	Job   *types.SyncJob         `json:"job,omitempty"`
}

// QueueSyncRequest is the optional body of POST /api/v1/events/{id}/sync
type QueueSyncRequest struct {
	Priority int `json:"priority"`
}

// QueueSyncResponse reports the job and whether this call created it
type QueueSyncResponse struct {
	Job     *types.SyncJob `json:"job"`
	Created bool           `json:"created"`
}

// FailedEventsResponse is returned by GET /api/v1/events/failed
type FailedEventsResponse struct {
	Events []*types.CollectionEvent `json:"events"`
	Count  int                      `json:"count"`
}

// AuditTrailResponse is returned by GET /api/v1/events/{id}/audit
type AuditTrailResponse struct {
	EntityID string              `json:"entityId"`
	Entries  []*types.AuditEntry `json:"entries"`
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var event types.CollectionEvent
	if err := decodeBody(w, r, &event); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error(), string(serrors.KindValidation))
		return
	}

	job, err := s.manager.CreateEvent(r.Context(), &event)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateEventResponse{Event: &event, Job: job})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	event, err := s.manager.GetEvent(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	resp := EventResponse{Event: event}
	if job, err := s.manager.GetJob(r.Context(), id); err == nil {
		resp.Job = job
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListFailed(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	list, err := s.manager.ListFailed(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*types.CollectionEvent{}
	}
	writeJSON(w, http.StatusOK, FailedEventsResponse{Events: list, Count: len(list)})
}

// JobsResponse is returned by GET /api/v1/sync/jobs
type JobsResponse struct {
	State types.JobState   `json:"state"`
	Jobs  []*types.SyncJob `json:"jobs"`
	Count int              `json:"count"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	state := types.JobState(r.URL.Query().Get("state"))
	if state == "" {
		state = types.JobStateFailed
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	jobs, err := s.manager.ListJobs(r.Context(), state, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*types.SyncJob{}
	}
	writeJSON(w, http.StatusOK, JobsResponse{State: state, Jobs: jobs, Count: len(jobs)})
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entries, err := s.manager.AuditTrail(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []*types.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, AuditTrailResponse{EntityID: id, Entries: entries})
}

func (s *Server) handleQueueSync(w http.ResponseWriter, r *http.Request) {
	var req QueueSyncRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error(), string(serrors.KindValidation))
			return
		}
	}

	job, created, err := s.manager.QueueSync(r.Context(), r.PathValue("id"), req.Priority)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	writeJSON(w, status, QueueSyncResponse{Job: job, Created: created})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	result, err := s.manager.RetryFailed(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQueryTransaction(w http.ResponseWriter, r *http.Request) {
	info, err := s.manager.QueryTransaction(r.Context(), r.PathValue("txId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleStream relays lifecycle events as server-sent events. An eventId
// query parameter restricts the stream to one collection event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("eventId")
	rc := http.NewResponseController(w)

	sub := s.manager.Events().Subscribe(events.Filter{EventID: filter})
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_ = rc.SetWriteDeadline(time.Time{})

	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		s.logger.Warn().Err(err).Msg("response writer does not support streaming")
		return
	}

	heartbeat := time.NewTicker(s.streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, ev *events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}

// fail maps an engine error onto an HTTP status
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := serrors.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case serrors.KindNotFound:
		status = http.StatusNotFound
	case serrors.KindValidation:
		status = http.StatusBadRequest
	case serrors.KindConnection:
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).
			Str("path", r.URL.Path).
			Str("request_id", GetRequestID(r.Context())).
			Msg("request failed")
	}
	writeError(w, r, status, err.Error(), string(kind))
}

// parseLimit reads ?limit=, writing a 400 when it is malformed
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, r, http.StatusBadRequest, "limit must be a positive integer", string(serrors.KindValidation))
		return 0, false
	}
	return min(n, maxListLimit), true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

