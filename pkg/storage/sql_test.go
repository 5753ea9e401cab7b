package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/herbtrace/anchor/pkg/errors"
	"github.com/herbtrace/anchor/pkg/storage/migrations"
	"github.com/herbtrace/anchor/pkg/types"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := Open(migrations.DriverSQLite, filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleEvent(id string) *types.CollectionEvent {
	moisture := 11.5
	return &types.CollectionEvent{
		ID:          id,
		Species:     "Withania somnifera",
		Latitude:    26.9124,
		Longitude:   75.7873,
		CollectedAt: time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC),
		Moisture:    &moisture,
		Notes:       "roots, dried",
		Provenance:  types.Provenance{Source: types.SourceSMS, Device: "feature-phone", CollectorID: "c-17"},
		Flags:       map[string]bool{"geofence_ok": true, "seasonal_ok": false},
	}
}

func TestCreateAndGetEvent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateEvent(ctx, sampleEvent("evt-1")))

	got, err := store.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusPending, got.Status)
	assert.Equal(t, "Withania somnifera", got.Species)
	assert.InDelta(t, 26.9124, got.Latitude, 1e-9)
	require.NotNil(t, got.Moisture)
	assert.InDelta(t, 11.5, *got.Moisture, 1e-9)
	assert.Nil(t, got.PhotoHash)
	assert.Equal(t, types.SourceSMS, got.Provenance.Source)
	assert.Equal(t, map[string]bool{"geofence_ok": true, "seasonal_ok": false}, got.Flags)
	assert.True(t, got.CollectedAt.Equal(time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)))
	assert.NoError(t, got.CheckInvariants())

	_, err = store.GetEvent(ctx, "missing")
	assert.True(t, serrors.IsKind(err, serrors.KindNotFound))
}

func TestCreateEvent_AssignsIDAndRejectsInvalid(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := sampleEvent("")
	require.NoError(t, store.CreateEvent(ctx, e))
	_, err := uuid.Parse(e.ID)
	assert.NoError(t, err)

	bad := sampleEvent("evt-bad")
	bad.Status = types.SyncStatusSynced
	err = store.CreateEvent(ctx, bad)
	assert.True(t, serrors.IsKind(err, serrors.KindValidation))

	assert.Error(t, store.CreateEvent(ctx, sampleEvent(e.ID)), "duplicate id")
}

func TestStatusTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateEvent(ctx, sampleEvent("evt-1")))

	require.NoError(t, store.MarkUploading(ctx, "evt-1"))
	got, _ := store.GetEvent(ctx, "evt-1")
	assert.Equal(t, types.SyncStatusUploading, got.Status)

	n, err := store.MarkFailed(ctx, "evt-1", "peer timeout")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _ = store.GetEvent(ctx, "evt-1")
	assert.Equal(t, types.SyncStatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "peer timeout", *got.LastError)
	assert.NoError(t, got.CheckInvariants())

	n, err = store.MarkFailed(ctx, "evt-1", "peer timeout again")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, store.MarkUploading(ctx, "evt-1"))
	at := time.Now()
	require.NoError(t, store.MarkSynced(ctx, "evt-1", types.LedgerReceipt{TxID: "tx-1", BlockHash: "bh-1"}, at))

	got, _ = store.GetEvent(ctx, "evt-1")
	assert.Equal(t, types.SyncStatusSynced, got.Status)
	assert.Equal(t, "tx-1", *got.TxID)
	assert.Equal(t, "bh-1", *got.BlockHash)
	assert.Nil(t, got.LastError)
	assert.Equal(t, at.UnixNano(), got.SyncedAt.UnixNano())
	assert.Equal(t, 2, got.RetryCount)
	assert.NoError(t, got.CheckInvariants())

	assert.Error(t, store.MarkUploading(ctx, "evt-1"), "synced events cannot go back to uploading")
	_, err = store.MarkFailed(ctx, "evt-1", "late failure")
	assert.Error(t, err)
	_, err = store.MarkFailed(ctx, "missing", "x")
	assert.True(t, serrors.IsKind(err, serrors.KindNotFound))
}

func TestResetForRetry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		failures int
		ceiling  int
		want     bool
	}{
		{name: "below ceiling", failures: 1, ceiling: 3, want: true},
		{name: "at ceiling", failures: 3, ceiling: 3, want: false},
		{name: "never failed", failures: 0, ceiling: 3, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := "evt-" + uuid.NewString()
			require.NoError(t, store.CreateEvent(ctx, sampleEvent(id)))
			for i := 0; i < tt.failures; i++ {
				_, err := store.MarkFailed(ctx, id, "boom")
				require.NoError(t, err)
			}

			ok, err := store.ResetForRetry(ctx, id, tt.ceiling)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)

			got, _ := store.GetEvent(ctx, id)
			if tt.want {
				assert.Equal(t, types.SyncStatusPending, got.Status)
				assert.Nil(t, got.LastError)
				assert.Equal(t, tt.failures, got.RetryCount)
			}
			assert.NoError(t, got.CheckInvariants())
		})
	}
}

func TestListingAndCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, failures := range []int{0, 1, 2, 3, 3} {
		id := []string{"a", "b", "c", "d", "e"}[i]
		require.NoError(t, store.CreateEvent(ctx, sampleEvent(id)))
		for j := 0; j < failures; j++ {
			_, err := store.MarkFailed(ctx, id, "boom")
			require.NoError(t, err)
		}
	}

	failed, err := store.ListByStatus(ctx, types.SyncStatusFailed, 0)
	require.NoError(t, err)
	assert.Len(t, failed, 4)

	limited, err := store.ListByStatus(ctx, types.SyncStatusFailed, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	retryable, err := store.ListRetryable(ctx, 3)
	require.NoError(t, err)
	require.Len(t, retryable, 2)
	assert.Equal(t, "b", retryable[0].ID)
	assert.Equal(t, "c", retryable[1].ID)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.SyncStatusPending])
	assert.Equal(t, 4, counts[types.SyncStatusFailed])
	assert.Equal(t, 0, counts[types.SyncStatusSynced])
	assert.Len(t, counts, len(types.AllSyncStatuses))
}

func TestAuditLog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, store.AppendAudit(ctx, &types.AuditEntry{
		Action: types.AuditSyncFailed, EntityType: types.EntityCollectionEvent, EntityID: "evt-1",
		Timestamp: base, Metadata: map[string]any{"error": "boom", "attempt": 1},
	}))
	require.NoError(t, store.AppendAudit(ctx, &types.AuditEntry{
		Action: types.AuditSync, EntityType: types.EntityCollectionEvent, EntityID: "evt-1",
		Timestamp: base.Add(time.Second), Metadata: map[string]any{"txId": "tx-1"},
	}))
	require.NoError(t, store.AppendAudit(ctx, &types.AuditEntry{
		Action: types.AuditSync, EntityType: types.EntityCollectionEvent, EntityID: "evt-2",
	}))

	entries, err := store.ListAudit(ctx, "evt-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, types.AuditSyncFailed, entries[0].Action)
	assert.Equal(t, "boom", entries[0].Metadata["error"])
	assert.Equal(t, float64(1), entries[0].Metadata["attempt"])
	assert.Equal(t, types.AuditSync, entries[1].Action)
	assert.NotEmpty(t, entries[1].ID)
}

func TestRebind(t *testing.T) {
	tests := []struct {
		driver string
		in     string
		want   string
	}{
		{driver: migrations.DriverSQLite, in: "a = ? AND b = ?", want: "a = ? AND b = ?"},
		{driver: migrations.DriverPostgres, in: "a = ? AND b = ?", want: "a = $1 AND b = $2"},
		{driver: migrations.DriverPostgres, in: "no params", want: "no params"},
	}
	for _, tt := range tests {
		s := &SQLStore{driver: tt.driver}
		assert.Equal(t, tt.want, s.rebind(tt.in))
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	store, err := Open(migrations.DriverPostgres, dsn)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	id := "pg-" + uuid.NewString()
	require.NoError(t, store.CreateEvent(ctx, sampleEvent(id)))
	n, err := store.MarkFailed(ctx, id, "boom")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err := store.ResetForRetry(ctx, id, 3)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.MarkSynced(ctx, id, types.LedgerReceipt{TxID: "tx", BlockHash: "bh"}, time.Now()))
	got, err := store.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusSynced, got.Status)
}
