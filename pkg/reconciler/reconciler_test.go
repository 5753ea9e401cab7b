package reconciler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herbtrace/anchor/pkg/events"
	"github.com/herbtrace/anchor/pkg/queue"
	"github.com/herbtrace/anchor/pkg/storage"
	"github.com/herbtrace/anchor/pkg/storage/migrations"
	"github.com/herbtrace/anchor/pkg/types"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu      sync.Mutex
	audits  []types.AuditAction
	publish []*events.Event
}

func (r *recorder) Record(action types.AuditAction, entityType, entityID string, metadata map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = append(r.audits, action)
}

func (r *recorder) Publish(ev *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publish = append(r.publish, ev)
}

func setup(t *testing.T) (*Reconciler, *queue.BoltQueue, *storage.SQLStore, *clock, *recorder) {
	t.Helper()
	dir := t.TempDir()
	clk := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}

	q, err := queue.NewBoltQueue(filepath.Join(dir, "queue.db"), queue.Options{
		LeaseDuration: 30 * time.Second,
		MaxStalled:    1,
		Clock:         clk.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	store, err := storage.Open(migrations.DriverSQLite, filepath.Join(dir, "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rec := &recorder{}
	r := NewReconciler(q, store, rec, rec, nil, time.Hour)
	return r, q, store, clk, rec
}

func uploadingEvent(t *testing.T, store *storage.SQLStore, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateEvent(ctx, &types.CollectionEvent{
		ID:          id,
		Species:     "Centella asiatica",
		CollectedAt: time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC),
		Provenance:  types.Provenance{Source: types.SourceAPI},
	}))
	require.NoError(t, store.MarkUploading(ctx, id))
}

func TestReconcile_RequeuesThenFailsStalledJob(t *testing.T) {
	ctx := context.Background()
	r, q, store, clk, rec := setup(t)
	uploadingEvent(t, store, "E1")

	_, _, err := q.Enqueue(ctx, "E1", queue.EnqueueOptions{})
	require.NoError(t, err)

	notified := 0
	r.notify = func() { notified++ }

	// first crash: the job goes back to waiting
	job, err := q.Claim(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, job)
	clk.Advance(31 * time.Second)

	report, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Requeued: 1}, report)
	assert.Equal(t, 1, notified)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateWaiting, got.State)
	assert.Equal(t, 1, got.StalledCount)

	require.Len(t, rec.publish, 1)
	assert.Equal(t, events.EventJobStalled, rec.publish[0].Type)
	assert.Equal(t, "E1", rec.publish[0].EventID)
	assert.Empty(t, rec.audits)

	// second crash exceeds the stall bound
	job, err = q.Claim(ctx, "worker-b")
	require.NoError(t, err)
	require.NotNil(t, job)
	clk.Advance(31 * time.Second)

	report, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Requeued)

	got, err = q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateFailed, got.State)
	assert.Contains(t, got.LastError, "stalled")

	e, err := store.GetEvent(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusFailed, e.Status)
	assert.Equal(t, 1, e.RetryCount)
	assert.Contains(t, *e.LastError, "STALLED_JOB")
	assert.Equal(t, []types.AuditAction{types.AuditSyncFailed}, rec.audits)
}

func TestReconcile_LiveLeaseIsLeftAlone(t *testing.T) {
	ctx := context.Background()
	r, q, store, clk, _ := setup(t)
	uploadingEvent(t, store, "E2")

	_, _, err := q.Enqueue(ctx, "E2", queue.EnqueueOptions{})
	require.NoError(t, err)
	job, err := q.Claim(ctx, "worker-a")
	require.NoError(t, err)

	clk.Advance(20 * time.Second)
	require.NoError(t, q.Heartbeat(ctx, job.ID, "worker-a"))
	clk.Advance(20 * time.Second)

	report, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateActive, got.State)
}

func TestReconcile_StalledSyncedEventStaysSynced(t *testing.T) {
	ctx := context.Background()
	r, q, store, clk, rec := setup(t)
	uploadingEvent(t, store, "E3")
	require.NoError(t, store.MarkSynced(ctx, "E3", types.LedgerReceipt{TxID: "tx", BlockHash: "bh"}, clk.Now()))

	_, _, err := q.Enqueue(ctx, "E3", queue.EnqueueOptions{})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := q.Claim(ctx, "worker-a")
		require.NoError(t, err)
		clk.Advance(31 * time.Second)
		_, err = r.Reconcile(ctx)
		require.NoError(t, err)
	}

	e, err := store.GetEvent(ctx, "E3")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusSynced, e.Status)
	assert.Empty(t, rec.audits)
}

func TestStartStop(t *testing.T) {
	r, _, _, _, _ := setup(t)
	r.interval = 10 * time.Millisecond
	r.Start()
	time.Sleep(30 * time.Millisecond)
	r.Stop()
	r.Stop()
}
