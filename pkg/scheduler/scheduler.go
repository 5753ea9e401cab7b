package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/herbtrace/anchor/pkg/log"
	"github.com/herbtrace/anchor/pkg/metrics"
	"github.com/herbtrace/anchor/pkg/queue"
	"github.com/herbtrace/anchor/pkg/storage"
	"github.com/herbtrace/anchor/pkg/types"
)

// Enqueuer is the part of the queue the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, eventID string, opts queue.EnqueueOptions) (*types.SyncJob, bool, error)
}

// Auditor records audit entries without failing the caller.
type Auditor interface {
	Record(action types.AuditAction, entityType, entityID string, metadata map[string]any)
}

// Config holds retry scheduler configuration
type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// SweepInterval enables the periodic sweep when positive
	SweepInterval time.Duration
}

// SweepResult summarizes one retry sweep
type SweepResult struct {
	Scanned  int      `json:"scanned"`
	Requeued int      `json:"requeued"`
	Skipped  int      `json:"skipped"`
	Errors   int      `json:"errors"`
	EventIDs []string `json:"eventIds"`
}

// RetryScheduler re-enqueues FAILED events that are still below the retry
// ceiling. Retried jobs get priority -retryCount so fresh events go first,
// and are delayed by the backoff for their retry count.
type RetryScheduler struct {
	store   storage.EventStore
	queue   Enqueuer
	auditor Auditor
	notify  func()
	cfg     Config
	logger  zerolog.Logger

	mu       sync.Mutex // one sweep at a time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRetryScheduler creates a retry scheduler. notify may be nil.
func NewRetryScheduler(store storage.EventStore, q Enqueuer, auditor Auditor, notify func(), cfg Config) *RetryScheduler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	return &RetryScheduler{
		store:   store,
		queue:   q,
		auditor: auditor,
		notify:  notify,
		cfg:     cfg,
		logger:  log.WithComponent("retry-scheduler"),
		stopCh:  make(chan struct{}),
	}
}

// RetryFailed enqueues every retryable FAILED event and resets it to PENDING.
// Enqueue failures are logged and counted; they never abort the sweep, and
// the event stays FAILED with its last error.
func (s *RetryScheduler) RetryFailed(ctx context.Context) (SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	failed, err := s.store.ListRetryable(ctx, s.cfg.MaxRetries)
	if err != nil {
		return SweepResult{}, err
	}

	result := SweepResult{Scanned: len(failed), EventIDs: []string{}}
	for _, event := range failed {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		// a failed enqueue must leave the event FAILED for the next sweep
		opts := s.enqueueOptions(event.RetryCount)
		_, created, err := s.queue.Enqueue(ctx, event.ID, opts)
		if err != nil {
			s.logger.Error().
				Err(err).
				Str("event_id", event.ID).
				Int("retry_count", event.RetryCount).
				Msg("failed to enqueue retry")
			metrics.RetrySweepEventsTotal.WithLabelValues("error").Inc()
			metrics.JobsEnqueuedTotal.WithLabelValues("error").Inc()
			result.Errors++
			continue
		}
		if created {
			metrics.JobsEnqueuedTotal.WithLabelValues("created").Inc()
		} else {
			metrics.JobsEnqueuedTotal.WithLabelValues("duplicate").Inc()
		}

		// the processor also runs jobs for FAILED rows below the ceiling
		reset, err := s.store.ResetForRetry(ctx, event.ID, s.cfg.MaxRetries)
		if err != nil {
			s.logger.Error().Err(err).Str("event_id", event.ID).Msg("failed to reset event for retry")
			metrics.RetrySweepEventsTotal.WithLabelValues("error").Inc()
			result.Errors++
			continue
		}
		if !reset {
			// changed since it was listed
			metrics.RetrySweepEventsTotal.WithLabelValues("skipped").Inc()
			result.Skipped++
			continue
		}

		metrics.RetrySweepEventsTotal.WithLabelValues("requeued").Inc()
		result.Requeued++
		result.EventIDs = append(result.EventIDs, event.ID)
	}

	if s.notify != nil && result.Requeued > 0 {
		s.notify()
	}

	s.auditor.Record(types.AuditRetryFailedEvents, types.EntitySyncQueue, "sync-queue", map[string]any{
		"count":    result.Requeued,
		"scanned":  result.Scanned,
		"errors":   result.Errors,
		"eventIds": result.EventIDs,
	})

	s.logger.Info().
		Int("scanned", result.Scanned).
		Int("requeued", result.Requeued).
		Int("skipped", result.Skipped).
		Int("errors", result.Errors).
		Msg("retry sweep finished")

	return result, nil
}

func (s *RetryScheduler) enqueueOptions(retryCount int) queue.EnqueueOptions {
	remaining := s.cfg.MaxRetries - retryCount
	if remaining < 1 {
		remaining = 1
	}
	return queue.EnqueueOptions{
		Priority:    -retryCount,
		MaxAttempts: remaining,
		Delay:       queue.Backoff(s.cfg.BackoffBase, s.cfg.BackoffMax, retryCount),
	}
}

// Start begins the periodic sweep when SweepInterval is set
func (s *RetryScheduler) Start() {
	if s.cfg.SweepInterval <= 0 {
		return
	}
	go s.run()
}

// Stop stops the periodic sweep
func (s *RetryScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *RetryScheduler) run() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SweepInterval)
			if _, err := s.RetryFailed(ctx); err != nil {
				s.logger.Error().Err(err).Msg("periodic retry sweep failed")
			}
			cancel()
		case <-s.stopCh:
			return
		}
	}
}
