package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	serrors "github.com/herbtrace/anchor/pkg/errors"
	"github.com/herbtrace/anchor/pkg/events"
	"github.com/herbtrace/anchor/pkg/log"
	"github.com/herbtrace/anchor/pkg/metrics"
	"github.com/herbtrace/anchor/pkg/processor"
	"github.com/herbtrace/anchor/pkg/queue"
	"github.com/herbtrace/anchor/pkg/types"
)

// JobProcessor synchronizes one event.
type JobProcessor interface {
	Process(ctx context.Context, eventID string) (processor.Result, error)
}

// Publisher receives lifecycle notifications.
type Publisher interface {
	Publish(event *events.Event)
}

// Config holds worker pool configuration
type Config struct {
	// ID prefixes worker ids; defaults to hostname plus a random suffix
	ID            string
	Concurrency   int
	PollInterval  time.Duration
	LeaseDuration time.Duration
}

// Pool runs a bounded number of workers that claim sync jobs from the queue.
// A job is held under a lease that is renewed while the processor runs, so
// each event has at most one submission in flight.
type Pool struct {
	queue  queue.Queue
	proc   JobProcessor
	events Publisher
	cfg    Config
	logger zerolog.Logger

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	busy   atomic.Int64

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewPool creates a worker pool. events may be nil.
func NewPool(q queue.Queue, proc JobProcessor, events Publisher, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.ID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "anchor"
		}
		cfg.ID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	return &Pool{
		queue:  q,
		proc:   proc,
		events: events,
		cfg:    cfg,
		logger: log.WithComponent("worker"),
		wake:   make(chan struct{}, cfg.Concurrency),
		stopCh: make(chan struct{}),
	}
}

// Start launches the workers. It is a no-op after the first call.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", p.cfg.ID, i)
		p.wg.Add(1)
		go p.run(workerID)
	}

	p.logger.Info().
		Str("pool_id", p.cfg.ID).
		Int("concurrency", p.cfg.Concurrency).
		Dur("lease", p.cfg.LeaseDuration).
		Msg("worker pool started")
}

// Notify wakes one idle worker, typically after an enqueue.
func (p *Pool) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Busy returns the number of workers currently processing a job.
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

// Stop stops claiming new jobs and waits for in-flight jobs to finish or for
// ctx to expire. Jobs still running after ctx expires keep their lease until
// it lapses and the reconciler returns them to the queue.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info().Msg("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn().Int("busy", p.Busy()).Msg("worker pool stop timed out with jobs in flight")
		return ctx.Err()
	}
}

func (p *Pool) run(workerID string) {
	defer p.wg.Done()
	logger := log.WithWorkerID(workerID)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		job, err := p.queue.Claim(context.Background(), workerID)
		if err != nil {
			logger.Error().Err(err).Msg("failed to claim job")
		}
		if job != nil {
			p.execute(workerID, job)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.cfg.PollInterval)

		select {
		case <-p.stopCh:
			return
		case <-p.wake:
		case <-timer.C:
		}
	}
}

// execute processes one claimed job and settles it with the queue. The
// processing context is detached from shutdown so an in-flight ledger
// submission is never abandoned halfway.
func (p *Pool) execute(workerID string, job *types.SyncJob) {
	p.busy.Add(1)
	metrics.WorkersBusy.Inc()
	defer func() {
		p.busy.Add(-1)
		metrics.WorkersBusy.Dec()
	}()

	logger := log.WithJobID(workerID, job.ID)
	logger.Debug().Str("event_id", job.EventID()).Int("attempt", job.AttemptsMade+1).Msg("job claimed")

	ctx, cancel := context.WithCancel(context.WithoutCancel(context.Background()))
	defer cancel()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(ctx, logger, workerID, job.ID)
	}()

	_, procErr := p.proc.Process(ctx, job.EventID())
	cancel()
	<-hbDone

	settleCtx := context.Background()
	if procErr == nil {
		if err := p.queue.Complete(settleCtx, job.ID, workerID); err != nil {
			p.settleError(logger, job, err, "failed to complete job")
			return
		}
		logger.Debug().Msg("job completed")
		return
	}

	failed, err := p.queue.Fail(settleCtx, job.ID, workerID, procErr)
	if err != nil {
		p.settleError(logger, job, err, "failed to record job failure")
		return
	}

	if failed.State == types.JobStateFailed {
		logger.Warn().
			Err(procErr).
			Int("attempts", failed.AttemptsMade).
			Msg("job failed permanently")
		return
	}
	logger.Info().
		Err(procErr).
		Int("attempts", failed.AttemptsMade).
		Time("retry_at", failed.ReadyAt).
		Msg("job scheduled for retry")
}

func (p *Pool) heartbeat(ctx context.Context, logger zerolog.Logger, workerID, jobID string) {
	ticker := time.NewTicker(p.cfg.LeaseDuration / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Heartbeat(ctx, jobID, workerID); err != nil {
				if serrors.IsKind(err, serrors.KindLeaseLost) {
					logger.Warn().Msg("lease lost while processing")
					return
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				logger.Error().Err(err).Msg("failed to renew lease")
			}
		}
	}
}

func (p *Pool) settleError(logger zerolog.Logger, job *types.SyncJob, err error, msg string) {
	if serrors.IsKind(err, serrors.KindLeaseLost) {
		// the reconciler already took the job back
		logger.Warn().Err(err).Msg(msg)
		if p.events != nil {
			p.events.Publish(&events.Event{
				Type:     events.EventJobStalled,
				EventID:  job.EventID(),
				Message:  err.Error(),
				Metadata: map[string]string{"jobId": job.ID},
			})
		}
		return
	}
	logger.Error().Err(err).Msg(msg)
}
