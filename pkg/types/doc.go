/*
Package types defines the core data structures shared by every anchor component.

The package contains the collection event record owned by the event store, the
sync job owned by the durable queue, the append-only audit entry, and the small
value types returned by the ledger gateway and the administrative surface.

# Core Types

Events:
  - CollectionEvent: a locally recorded collection awaiting ledger anchoring
  - SyncStatus: PENDING, UPLOADING, SYNCED, FAILED
  - Provenance: capture channel (api, sms, batch), device and collector

Queue:
  - SyncJob: one durable unit of work, keyed by JobIDFor(eventID)
  - JobState: waiting, delayed, active, completed, failed
  - QueueCounts: per-state job counts

Audit:
  - AuditEntry: immutable record with an AuditAction tag and free-form metadata

Ledger:
  - LedgerReceipt: transaction id and block hash of an anchored event
  - TxInfo: reconciliation view of a transaction

# State Machine

Events move through:

	PENDING → UPLOADING → SYNCED
	                    ↘ FAILED → (retry sweep) → PENDING

A FAILED event only returns to PENDING through an explicit retry sweep and only
while its RetryCount is below the configured ceiling.

# Invariants

CheckInvariants enforces the coupling between status and ledger fields:

	status == SYNCED  ⇔  TxID != nil && SyncedAt != nil
	status == FAILED  ⇒  LastError != nil

# Job Identity

Job ids are derived from event ids ("sync-" + eventID). Because the id is
deterministic, at most one live job can exist for a given event, which is what
serializes ledger submissions per event.
*/
package types
