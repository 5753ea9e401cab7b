package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/herbtrace/anchor/pkg/config"
	"github.com/herbtrace/anchor/pkg/types"
)

// Queue is the durable sync job queue. Job ids are derived from event ids,
// so at most one live job exists per event.
type Queue interface {
	// Enqueue inserts a job for eventID. When a live job already exists it
	// returns that job and created=false. A completed or failed job with
	// the same id is replaced.
	Enqueue(ctx context.Context, eventID string, opts EnqueueOptions) (job *types.SyncJob, created bool, err error)

	// Claim leases the next ready job to workerID. It returns nil when no
	// job is ready.
	Claim(ctx context.Context, workerID string) (*types.SyncJob, error)

	// Heartbeat extends the lease held by workerID.
	Heartbeat(ctx context.Context, jobID, workerID string) error

	// Complete finishes a job. The caller must hold the lease.
	Complete(ctx context.Context, jobID, workerID string) error

	// Fail records a failed attempt. Permanent errors and exhausted attempts
	// move the job to failed, anything else is delayed by Backoff.
	Fail(ctx context.Context, jobID, workerID string, cause error) (*types.SyncJob, error)

	// ReclaimStalled returns jobs with expired leases to waiting, or fails
	// them once they have stalled more than MaxStalled times.
	ReclaimStalled(ctx context.Context) (ReclaimResult, error)

	// Prune trims completed and failed jobs to the retention bounds.
	Prune(ctx context.Context) (int, error)

	Counts(ctx context.Context) (types.QueueCounts, error)
	Get(ctx context.Context, jobID string) (*types.SyncJob, error)
	List(ctx context.Context, state types.JobState, limit int) ([]*types.SyncJob, error)
	Close() error
}

// EnqueueOptions are the per-job options.
type EnqueueOptions struct {
	// Priority orders claims; lower values are processed later
	Priority int
	// MaxAttempts overrides the queue default when positive
	MaxAttempts int
	// Delay postpones the first claim
	Delay time.Duration
}

// ReclaimResult lists the jobs touched by a stall sweep.
type ReclaimResult struct {
	Requeued []string
	Failed   []*types.SyncJob
}

// Options configures queue behavior shared by all backends.
type Options struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	LeaseDuration time.Duration
	MaxStalled    int
	KeepCompleted int
	KeepFailed    int

	// Clock overrides time.Now in tests
	Clock func() time.Time
}

// DefaultOptions returns the default queue options.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:   3,
		BackoffBase:   5 * time.Second,
		BackoffMax:    10 * time.Minute,
		LeaseDuration: 30 * time.Second,
		MaxStalled:    1,
		KeepCompleted: 100,
		KeepFailed:    5000,
	}
}

// OptionsFromConfig converts the queue section of the service config.
func OptionsFromConfig(cfg config.QueueConfig) Options {
	return Options{
		MaxAttempts:   cfg.MaxAttempts,
		BackoffBase:   cfg.BackoffBase,
		BackoffMax:    cfg.BackoffMax,
		LeaseDuration: cfg.LeaseDuration,
		MaxStalled:    cfg.MaxStalled,
		KeepCompleted: cfg.KeepCompleted,
		KeepFailed:    cfg.KeepFailed,
	}.withDefaults()
}

// Backoff returns the delay before retrying after the given failed attempt.
func (o Options) Backoff(attempt int) time.Duration {
	return Backoff(o.BackoffBase, o.BackoffMax, attempt)
}

func (o Options) now() time.Time {
	if o.Clock != nil {
		return o.Clock()
	}
	return time.Now()
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = d.LeaseDuration
	}
	if o.MaxStalled <= 0 {
		o.MaxStalled = d.MaxStalled
	}
	// zero retention means the default, negative means unbounded
	if o.KeepCompleted == 0 {
		o.KeepCompleted = d.KeepCompleted
	}
	if o.KeepFailed == 0 {
		o.KeepFailed = d.KeepFailed
	}
	return o
}

func (o Options) maxAttemptsFor(opts EnqueueOptions) int {
	if opts.MaxAttempts > 0 {
		return opts.MaxAttempts
	}
	return o.MaxAttempts
}

// Open creates the backend selected by cfg.
func Open(ctx context.Context, cfg config.QueueConfig) (Queue, error) {
	opts := OptionsFromConfig(cfg)
	switch cfg.Backend {
	case "", "bolt":
		return NewBoltQueue(cfg.Path, opts)
	case "redis":
		return NewRedisQueue(ctx, cfg.RedisURL, cfg.Prefix, opts)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}
