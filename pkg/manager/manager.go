package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/herbtrace/anchor/pkg/audit"
	"github.com/herbtrace/anchor/pkg/config"
	serrors "github.com/herbtrace/anchor/pkg/errors"
	"github.com/herbtrace/anchor/pkg/events"
	"github.com/herbtrace/anchor/pkg/health"
	"github.com/herbtrace/anchor/pkg/ledger"
	"github.com/herbtrace/anchor/pkg/log"
	"github.com/herbtrace/anchor/pkg/metrics"
	"github.com/herbtrace/anchor/pkg/processor"
	"github.com/herbtrace/anchor/pkg/queue"
	"github.com/herbtrace/anchor/pkg/reconciler"
	"github.com/herbtrace/anchor/pkg/scheduler"
	"github.com/herbtrace/anchor/pkg/storage"
	"github.com/herbtrace/anchor/pkg/types"
	"github.com/herbtrace/anchor/pkg/worker"
)

// Store is the persistence the manager needs: events plus the audit log.
type Store interface {
	storage.EventStore
	storage.AuditStore
}

// Components are the externally constructed dependencies of a Manager.
type Components struct {
	Store   Store
	Queue   queue.Queue
	Gateway ledger.Gateway
}

// Manager owns the sync engine: it wires the store, queue, gateway, worker
// pool and background loops, and exposes the enqueue contract and the
// administrative operations.
type Manager struct {
	cfg    *config.Config
	logger zerolog.Logger

	store   Store
	queue   queue.Queue
	gateway ledger.Gateway

	audit      *audit.Logger
	broker     *events.Broker
	processor  *processor.Processor
	pool       *worker.Pool
	retry      *scheduler.RetryScheduler
	reconciler *reconciler.Reconciler
	collector  *metrics.Collector
	monitor    *health.Monitor

	started bool
}

// Open builds the components selected by cfg and returns a manager.
func Open(ctx context.Context, cfg *config.Config) (*Manager, error) {
	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}

	q, err := queue.Open(ctx, cfg.Queue)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}

	gw, err := NewGateway(cfg.Ledger)
	if err != nil {
		q.Close()
		store.Close()
		return nil, err
	}

	return NewManager(cfg, Components{Store: store, Queue: q, Gateway: gw}), nil
}

// NewGateway builds the ledger gateway for the configured mode, rate limited
// when ledger.qps is set.
func NewGateway(cfg config.LedgerConfig) (ledger.Gateway, error) {
	var gw ledger.Gateway
	switch cfg.Mode {
	case "", "mock":
		gw = ledger.NewMockGateway(ledger.MockConfig{
			MinLatency:  cfg.Mock.MinLatency,
			MaxLatency:  cfg.Mock.MaxLatency,
			FailureRate: cfg.Mock.FailureRate,
			Seed:        cfg.Mock.Seed,
		})
	case "http":
		gw = ledger.NewHTTPGateway(ledger.HTTPConfig{
			Endpoint: cfg.Endpoint,
			Channel:  cfg.Channel,
			Token:    cfg.Token,
			Timeout:  cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("unsupported ledger mode: %q", cfg.Mode)
	}
	return ledger.NewRateLimited(gw, cfg.QPS, cfg.Burst), nil
}

// NewManager wires a manager around already constructed components.
func NewManager(cfg *config.Config, c Components) *Manager {
	m := &Manager{
		cfg:     cfg,
		logger:  log.WithComponent("manager"),
		store:   c.Store,
		queue:   c.Queue,
		gateway: c.Gateway,
	}

	m.audit = audit.New(c.Store, audit.Config{
		BufferSize:   cfg.Audit.BufferSize,
		WriteTimeout: cfg.Audit.WriteTimeout,
	})
	m.broker = events.NewBroker()
	m.broker.Start()

	m.processor = processor.New(c.Store, c.Gateway, m.audit, m.broker, processor.Config{
		Chaincode:  cfg.Ledger.Chaincode,
		Function:   cfg.Ledger.Function,
		MaxRetries: cfg.Retry.MaxRetries,
	})
	m.pool = worker.NewPool(c.Queue, m.processor, m.broker, worker.Config{
		Concurrency:   cfg.Worker.Concurrency,
		PollInterval:  cfg.Worker.PollInterval,
		LeaseDuration: cfg.Queue.LeaseDuration,
	})
	m.retry = scheduler.NewRetryScheduler(c.Store, c.Queue, m.audit, m.pool.Notify, scheduler.Config{
		MaxRetries:    cfg.Retry.MaxRetries,
		BackoffBase:   cfg.Queue.BackoffBase,
		BackoffMax:    cfg.Queue.BackoffMax,
		SweepInterval: cfg.Retry.SweepInterval,
	})
	m.reconciler = reconciler.NewReconciler(c.Queue, c.Store, m.audit, m.broker, m.pool.Notify, cfg.Reconciler.Interval)
	m.collector = metrics.NewCollector(m, cfg.Reconciler.Interval)
	m.monitor = m.newMonitor()

	return m
}

func (m *Manager) newMonitor() *health.Monitor {
	mon := health.NewMonitor(health.Config{Interval: m.cfg.Reconciler.Interval}, metrics.UpdateComponent)
	mon.Register("store", health.NewFuncChecker("event store reachable", m.store.Ping))
	mon.Register("queue", health.NewFuncChecker("queue reachable", func(ctx context.Context) error {
		_, err := m.queue.Counts(ctx)
		return err
	}))

	if m.cfg.Ledger.Mode == "http" {
		mon.Register("ledger", health.NewHTTPChecker(strings.TrimRight(m.cfg.Ledger.Endpoint, "/")+"/health").
			WithBearerToken(m.cfg.Ledger.Token))
	} else {
		mon.Register("ledger", health.NewFuncChecker("ledger connected", func(ctx context.Context) error {
			if !m.gateway.Connected() {
				return errors.New("gateway not connected")
			}
			return nil
		}))
	}

	if m.cfg.Queue.Backend == "redis" {
		if opts, err := redis.ParseURL(m.cfg.Queue.RedisURL); err == nil {
			mon.Register("redis", health.NewTCPChecker(opts.Addr))
		}
	}
	return mon
}

// Start connects the ledger gateway and starts the worker pool and the
// background loops. A gateway that cannot be reached aborts startup.
func (m *Manager) Start(ctx context.Context) error {
	if m.started {
		return nil
	}

	metrics.SetCriticalComponents("store", "queue", "ledger")

	if err := ledger.ConnectWithRetry(ctx, m.gateway, m.cfg.Ledger.ConnectAttempts, m.cfg.Ledger.ConnectBackoff); err != nil {
		metrics.RegisterComponent("ledger", false, err.Error())
		return fmt.Errorf("failed to connect to ledger: %w", err)
	}

	m.pool.Start()
	m.reconciler.Start()
	m.retry.Start()
	m.collector.Start()
	m.monitor.Start()
	m.started = true

	m.logger.Info().
		Str("queue_backend", m.cfg.Queue.Backend).
		Str("ledger_mode", m.cfg.Ledger.Mode).
		Int("concurrency", m.cfg.Worker.Concurrency).
		Msg("sync engine started")
	return nil
}

// Shutdown stops claiming jobs, waits for active jobs up to the configured
// shutdown timeout, then releases every component.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.cfg.Worker.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Worker.ShutdownTimeout)
		defer cancel()
	}

	m.retry.Stop()
	m.reconciler.Stop()
	if m.started {
		m.collector.Stop()
	}
	m.monitor.Stop()

	var errs []error
	if err := m.pool.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("worker pool: %w", err))
	}
	if err := m.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("audit: %w", err))
	}
	if err := m.queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("queue: %w", err))
	}
	if err := m.gateway.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("gateway: %w", err))
	}
	m.broker.Stop()
	if err := m.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}

	m.logger.Info().Msg("sync engine stopped")
	return errors.Join(errs...)
}

// QueueSync durably enqueues a sync job for an existing event. Calling it
// again while a job is live returns that job with created=false.
func (m *Manager) QueueSync(ctx context.Context, eventID string, priority int) (*types.SyncJob, bool, error) {
	if _, err := m.store.GetEvent(ctx, eventID); err != nil {
		return nil, false, err
	}

	job, created, err := m.queue.Enqueue(ctx, eventID, queue.EnqueueOptions{Priority: priority})
	if err != nil {
		metrics.JobsEnqueuedTotal.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("failed to enqueue event %s: %w", eventID, err)
	}

	if !created {
		metrics.JobsEnqueuedTotal.WithLabelValues("duplicate").Inc()
		m.logger.Debug().Str("event_id", eventID).Str("state", string(job.State)).Msg("sync job already live")
		return job, false, nil
	}

	metrics.JobsEnqueuedTotal.WithLabelValues("created").Inc()
	m.broker.Publish(&events.Event{
		Type:     events.EventSyncQueued,
		EventID:  eventID,
		Metadata: map[string]string{"jobId": job.ID, "priority": fmt.Sprint(priority)},
	})
	m.pool.Notify()
	return job, true, nil
}

// CreateEvent records a new collection event and queues it for anchoring.
// Events that fail validation are rejected before they reach the store.
func (m *Manager) CreateEvent(ctx context.Context, event *types.CollectionEvent) (*types.SyncJob, error) {
	event.Status = types.SyncStatusPending
	event.RetryCount = 0
	event.LastError, event.TxID, event.BlockHash, event.SyncedAt = nil, nil, nil, nil
	if event.Provenance.Source == "" {
		event.Provenance.Source = types.SourceAPI
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if err := processor.Validate(event); err != nil {
		return nil, err
	}

	if err := m.store.CreateEvent(ctx, event); err != nil {
		return nil, err
	}

	action := types.AuditCollect
	if event.Provenance.Source == types.SourceSMS {
		action = types.AuditSMSCollect
	}
	m.audit.Record(action, types.EntityCollectionEvent, event.ID, map[string]any{
		"species": event.Species,
		"source":  string(event.Provenance.Source),
	})
	m.broker.Publish(&events.Event{
		Type:     events.EventCollected,
		EventID:  event.ID,
		Metadata: map[string]string{"species": event.Species, "source": string(event.Provenance.Source)},
	})

	job, _, err := m.QueueSync(ctx, event.ID, 0)
	return job, err
}

// RetryFailed runs the bulk retry sweep.
func (m *Manager) RetryFailed(ctx context.Context) (scheduler.SweepResult, error) {
	return m.retry.RetryFailed(ctx)
}

// Stats reports counts per event status and per queue state.
func (m *Manager) Stats(ctx context.Context) (types.SyncStats, error) {
	byStatus, err := m.store.CountByStatus(ctx)
	if err != nil {
		return types.SyncStats{}, err
	}
	counts, err := m.queue.Counts(ctx)
	if err != nil {
		return types.SyncStats{}, err
	}
	return types.SyncStats{Events: byStatus, Queue: counts}, nil
}

// ListFailed lists FAILED events, most recently updated first.
func (m *Manager) ListFailed(ctx context.Context, limit int) ([]*types.CollectionEvent, error) {
	return m.store.ListByStatus(ctx, types.SyncStatusFailed, limit)
}

// ListJobs lists sync jobs in one queue state.
func (m *Manager) ListJobs(ctx context.Context, state types.JobState, limit int) ([]*types.SyncJob, error) {
	return m.queue.List(ctx, state, limit)
}

// GetEvent returns one event.
func (m *Manager) GetEvent(ctx context.Context, id string) (*types.CollectionEvent, error) {
	return m.store.GetEvent(ctx, id)
}

// GetJob returns the sync job of an event.
func (m *Manager) GetJob(ctx context.Context, eventID string) (*types.SyncJob, error) {
	return m.queue.Get(ctx, types.JobIDFor(eventID))
}

// AuditTrail returns the audit entries of an entity in write order. Pending
// entries are flushed first so the trail reflects completed transitions.
func (m *Manager) AuditTrail(ctx context.Context, entityID string) ([]*types.AuditEntry, error) {
	flushCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := m.audit.Flush(flushCtx); err != nil {
		m.logger.Debug().Err(err).Msg("audit flush before read did not finish")
	}
	return m.store.ListAudit(ctx, entityID)
}

// QueryTransaction looks up a transaction on the ledger.
func (m *Manager) QueryTransaction(ctx context.Context, txID string) (types.TxInfo, error) {
	if !m.gateway.Connected() {
		return types.TxInfo{}, serrors.Connection("query", errors.New("gateway not connected"))
	}
	return m.gateway.QueryTransaction(ctx, txID)
}

// Events returns the lifecycle event broker.
func (m *Manager) Events() *events.Broker {
	return m.broker
}

// Reconcile runs one stall-detection cycle immediately.
func (m *Manager) Reconcile(ctx context.Context) (reconciler.Report, error) {
	return m.reconciler.Reconcile(ctx)
}

// Config returns the active configuration.
func (m *Manager) Config() *config.Config {
	return m.cfg
}
