package storage

import (
	"context"
	"time"

	"github.com/herbtrace/anchor/pkg/types"
)

// EventStore is the authoritative record of collection events and their
// sync status. Status transitions are single-row updates so the worker
// holding an event's job is the only writer of that row.
type EventStore interface {
	CreateEvent(ctx context.Context, event *types.CollectionEvent) error
	GetEvent(ctx context.Context, id string) (*types.CollectionEvent, error)

	// MarkUploading moves a non-synced event to UPLOADING
	MarkUploading(ctx context.Context, id string) error
	// MarkSynced records the ledger receipt and clears lastError
	MarkSynced(ctx context.Context, id string, receipt types.LedgerReceipt, at time.Time) error
	// MarkFailed sets FAILED, increments retryCount and returns the new count
	MarkFailed(ctx context.Context, id string, lastError string) (int, error)
	// ResetForRetry moves a FAILED event below the ceiling back to PENDING and
	// clears lastError. It reports false when the event was not eligible.
	ResetForRetry(ctx context.Context, id string, ceiling int) (bool, error)

	ListByStatus(ctx context.Context, status types.SyncStatus, limit int) ([]*types.CollectionEvent, error)
	ListRetryable(ctx context.Context, ceiling int) ([]*types.CollectionEvent, error)
	CountByStatus(ctx context.Context) (map[types.SyncStatus]int, error)

	Ping(ctx context.Context) error
	Close() error
}

// AuditStore is the append-only audit log.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *types.AuditEntry) error
	ListAudit(ctx context.Context, entityID string) ([]*types.AuditEntry, error)
}
