package reconciler

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	serrors "github.com/herbtrace/anchor/pkg/errors"
	"github.com/herbtrace/anchor/pkg/events"
	"github.com/herbtrace/anchor/pkg/log"
	"github.com/herbtrace/anchor/pkg/metrics"
	"github.com/herbtrace/anchor/pkg/queue"
	"github.com/herbtrace/anchor/pkg/storage"
	"github.com/herbtrace/anchor/pkg/types"
)

// Auditor records audit entries without failing the caller.
type Auditor interface {
	Record(action types.AuditAction, entityType, entityID string, metadata map[string]any)
}

// Publisher receives lifecycle notifications.
type Publisher interface {
	Publish(event *events.Event)
}

// Report summarizes one reconciliation cycle
type Report struct {
	Requeued int
	Failed   int
	Pruned   int
}

// Reconciler returns jobs whose worker stopped renewing its lease to the
// queue and trims finished jobs to the retention bounds.
type Reconciler struct {
	queue    queue.Queue
	store    storage.EventStore
	auditor  Auditor
	events   Publisher
	notify   func()
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewReconciler creates a new reconciler. events and notify may be nil.
func NewReconciler(q queue.Queue, store storage.EventStore, auditor Auditor, events Publisher, notify func(), interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Reconciler{
		queue:    q,
		store:    store,
		auditor:  auditor,
		events:   events,
		notify:   notify,
		interval: interval,
		logger:   log.WithComponent("reconciler"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			if _, err := r.Reconcile(ctx); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation failed")
			}
			cancel()
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile performs one cycle: reclaim stalled jobs, then prune.
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

	r.mu.Lock()
	defer r.mu.Unlock()

	var report Report

	res, err := r.queue.ReclaimStalled(ctx)
	if err != nil {
		return report, err
	}

	for _, jobID := range res.Requeued {
		metrics.StalledJobsTotal.WithLabelValues("requeued").Inc()
		r.logger.Warn().Str("job_id", jobID).Msg("stalled job returned to the queue")
		r.publish(&events.Event{
			Type:     events.EventJobStalled,
			EventID:  eventIDFor(jobID),
			Message:  "lease expired, job requeued",
			Metadata: map[string]string{"jobId": jobID},
		})
	}
	report.Requeued = len(res.Requeued)

	for _, job := range res.Failed {
		metrics.StalledJobsTotal.WithLabelValues("failed").Inc()
		r.failStalled(ctx, job)
	}
	report.Failed = len(res.Failed)

	if report.Requeued > 0 && r.notify != nil {
		r.notify()
	}

	pruned, err := r.queue.Prune(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to prune finished jobs")
	}
	report.Pruned = pruned

	if report.Requeued+report.Failed+report.Pruned > 0 {
		r.logger.Info().
			Int("requeued", report.Requeued).
			Int("failed", report.Failed).
			Int("pruned", report.Pruned).
			Msg("reconciliation cycle")
	}
	return report, nil
}

// failStalled marks the event of a poison job FAILED so it shows up in the
// failed listing.
func (r *Reconciler) failStalled(ctx context.Context, job *types.SyncJob) {
	cause := serrors.StalledJob(job.ID, job.StalledCount)
	logger := r.logger.With().Str("job_id", job.ID).Str("event_id", job.EventID()).Logger()

	retryCount, err := r.store.MarkFailed(ctx, job.EventID(), cause.Error())
	if err != nil {
		// already synced or gone; nothing to surface
		logger.Warn().Err(err).Msg("could not mark stalled event failed")
		return
	}

	r.auditor.Record(types.AuditSyncFailed, types.EntityCollectionEvent, job.EventID(), map[string]any{
		"error":   cause.Error(),
		"attempt": retryCount,
	})
	r.publish(&events.Event{
		Type:    events.EventSyncFailed,
		EventID: job.EventID(),
		Message: cause.Error(),
		Metadata: map[string]string{
			"jobId":      job.ID,
			"retryCount": strconv.Itoa(retryCount),
		},
	})
	logger.Error().Int("stalled_count", job.StalledCount).Msg("job stalled too many times")
}

func (r *Reconciler) publish(ev *events.Event) {
	if r.events != nil {
		r.events.Publish(ev)
	}
}

func eventIDFor(jobID string) string {
	return strings.TrimPrefix(jobID, types.JobIDPrefix)
}
