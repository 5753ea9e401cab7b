package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herbtrace/anchor/pkg/config"
	serrors "github.com/herbtrace/anchor/pkg/errors"
	"github.com/herbtrace/anchor/pkg/events"
	"github.com/herbtrace/anchor/pkg/ledger"
	"github.com/herbtrace/anchor/pkg/queue"
	"github.com/herbtrace/anchor/pkg/storage"
	"github.com/herbtrace/anchor/pkg/storage/migrations"
	"github.com/herbtrace/anchor/pkg/types"
)

func testConfig(dir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Queue.BackoffBase = 10 * time.Millisecond
	cfg.Queue.BackoffMax = 40 * time.Millisecond
	cfg.Worker.Concurrency = 2
	cfg.Worker.PollInterval = 10 * time.Millisecond
	cfg.Worker.ShutdownTimeout = 5 * time.Second
	cfg.Ledger.ConnectAttempts = 2
	cfg.Ledger.ConnectBackoff = time.Millisecond
	cfg.Resolve()
	return cfg
}

func newTestManager(t *testing.T, gw *ledger.MockGateway) *Manager {
	t.Helper()
	dir := t.TempDir()
	cfg := testConfig(dir)

	store, err := storage.Open(migrations.DriverSQLite, cfg.Database.DSN)
	require.NoError(t, err)
	q, err := queue.NewBoltQueue(cfg.Queue.Path, queue.OptionsFromConfig(cfg.Queue))
	require.NoError(t, err)

	return NewManager(cfg, Components{Store: store, Queue: q, Gateway: gw})
}

func startManager(t *testing.T, gw *ledger.MockGateway) *Manager {
	t.Helper()
	m := newTestManager(t, gw)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

func sampleEvent(id string, source types.Source) *types.CollectionEvent {
	return &types.CollectionEvent{
		ID:          id,
		Species:     "Azadirachta indica",
		Latitude:    28.61,
		Longitude:   77.2,
		CollectedAt: time.Date(2026, 6, 10, 9, 15, 0, 0, time.UTC),
		Provenance:  types.Provenance{Source: source, Device: "feature-phone"},
	}
}

func waitForStatus(t *testing.T, m *Manager, id string, status types.SyncStatus) *types.CollectionEvent {
	t.Helper()
	var event *types.CollectionEvent
	require.Eventually(t, func() bool {
		e, err := m.GetEvent(context.Background(), id)
		if err != nil {
			return false
		}
		event = e
		return e.Status == status
	}, 5*time.Second, 10*time.Millisecond)
	return event
}

func actions(t *testing.T, m *Manager, id string) []types.AuditAction {
	t.Helper()
	trail, err := m.AuditTrail(context.Background(), id)
	require.NoError(t, err)
	var out []types.AuditAction
	for _, e := range trail {
		out = append(out, e.Action)
	}
	return out
}

func TestScenario_SyncOnFirstAttempt(t *testing.T) {
	m := startManager(t, ledger.NewMockGateway(ledger.MockConfig{Seed: 11}))

	job, err := m.CreateEvent(context.Background(), sampleEvent("E1", types.SourceAPI))
	require.NoError(t, err)
	assert.Equal(t, "sync-E1", job.ID)

	e := waitForStatus(t, m, "E1", types.SyncStatusSynced)
	assert.NotNil(t, e.TxID)
	assert.NotNil(t, e.SyncedAt)
	assert.NoError(t, e.CheckInvariants())

	require.Eventually(t, func() bool {
		return len(actions(t, m, "E1")) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []types.AuditAction{types.AuditCollect, types.AuditSync}, actions(t, m, "E1"))
}

func TestScenario_FailTwiceThenSucceed(t *testing.T) {
	m := startManager(t, ledger.NewMockGateway(ledger.MockConfig{Seed: 11, FailFirst: 2}))

	_, err := m.CreateEvent(context.Background(), sampleEvent("E2", types.SourceSMS))
	require.NoError(t, err)

	e := waitForStatus(t, m, "E2", types.SyncStatusSynced)
	assert.Equal(t, 2, e.RetryCount)

	require.Eventually(t, func() bool {
		return len(actions(t, m, "E2")) == 4
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []types.AuditAction{
		types.AuditSMSCollect,
		types.AuditSyncFailed,
		types.AuditSyncFailed,
		types.AuditSync,
	}, actions(t, m, "E2"))
}

func TestScenario_AlwaysFails(t *testing.T) {
	m := startManager(t, ledger.NewMockGateway(ledger.MockConfig{Seed: 11, FailureRate: 1}))
	ctx := context.Background()

	_, err := m.CreateEvent(ctx, sampleEvent("E3", types.SourceAPI))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := m.GetJob(ctx, "E3")
		return err == nil && job.State == types.JobStateFailed
	}, 5*time.Second, 10*time.Millisecond)

	e, err := m.GetEvent(ctx, "E3")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusFailed, e.Status)
	assert.Equal(t, 3, e.RetryCount)

	failed, err := m.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "E3", failed[0].ID)

	// at the ceiling the sweep leaves it alone
	res, err := m.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Requeued)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Events[types.SyncStatusFailed])
	assert.Equal(t, 1, stats.Queue.Failed)
}

func TestQueueSync_Idempotent(t *testing.T) {
	m := newTestManager(t, ledger.NewMockGateway(ledger.MockConfig{Seed: 11}))
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	ctx := context.Background()

	require.NoError(t, m.store.CreateEvent(ctx, sampleEvent("E4", types.SourceBatch)))

	first, created, err := m.QueueSync(ctx, "E4", 0)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := m.QueueSync(ctx, "E4", 5)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 0, second.Priority)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Queue.Waiting)
}

func TestQueueSync_UnknownEvent(t *testing.T) {
	m := newTestManager(t, ledger.NewMockGateway(ledger.MockConfig{Seed: 11}))
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	_, _, err := m.QueueSync(context.Background(), "missing", 0)
	assert.True(t, serrors.IsKind(err, serrors.KindNotFound))
}

func TestCreateEvent_RejectsInvalidPayload(t *testing.T) {
	m := newTestManager(t, ledger.NewMockGateway(ledger.MockConfig{Seed: 11}))
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	bad := sampleEvent("", types.SourceAPI)
	bad.Species = ""
	_, err := m.CreateEvent(context.Background(), bad)
	require.Error(t, err)
	assert.True(t, serrors.IsKind(err, serrors.KindValidation))

	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Queue.Waiting)
}

func TestStart_UnreachableLedgerIsFatal(t *testing.T) {
	m := newTestManager(t, ledger.NewMockGateway(ledger.MockConfig{Seed: 11, Unreachable: true}))
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.True(t, serrors.IsKind(err, serrors.KindConnection))
}

func TestQueryTransaction(t *testing.T) {
	m := startManager(t, ledger.NewMockGateway(ledger.MockConfig{Seed: 11}))
	ctx := context.Background()

	_, err := m.CreateEvent(ctx, sampleEvent("E5", types.SourceAPI))
	require.NoError(t, err)
	e := waitForStatus(t, m, "E5", types.SyncStatusSynced)

	info, err := m.QueryTransaction(ctx, *e.TxID)
	require.NoError(t, err)
	assert.Equal(t, *e.TxID, info.TxID)
	assert.Equal(t, "VALID", info.Status)
}

func TestLifecycleEventsArePublished(t *testing.T) {
	m := startManager(t, ledger.NewMockGateway(ledger.MockConfig{Seed: 11}))
	sub := m.Events().Subscribe(events.Filter{EventID: "E6"})
	defer sub.Close()

	_, err := m.CreateEvent(context.Background(), sampleEvent("E6", types.SourceAPI))
	require.NoError(t, err)

	seen := map[events.EventType]bool{}
	timeout := time.After(5 * time.Second)
	for !seen[events.EventSyncSucceeded] {
		select {
		case ev := <-sub.C():
			seen[ev.Type] = true
		case <-timeout:
			t.Fatalf("lifecycle events seen so far: %v", seen)
		}
	}
	assert.True(t, seen[events.EventCollected])
	assert.True(t, seen[events.EventSyncQueued])
}

func TestNewGateway(t *testing.T) {
	gw, err := NewGateway(config.LedgerConfig{Mode: "mock"})
	require.NoError(t, err)
	_, ok := gw.(*ledger.MockGateway)
	assert.True(t, ok, "no rate limiter without qps")

	gw, err = NewGateway(config.LedgerConfig{Mode: "http", Endpoint: "http://peer:7051", QPS: 5, Burst: 1})
	require.NoError(t, err)
	_, ok = gw.(*ledger.RateLimited)
	assert.True(t, ok)

	_, err = NewGateway(config.LedgerConfig{Mode: "grpc"})
	assert.Error(t, err)
}
