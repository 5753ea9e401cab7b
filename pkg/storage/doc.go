/*
Package storage provides the relational event store and audit log.

SQLStore implements both EventStore and AuditStore over database/sql. Two
drivers are supported: SQLite through mattn/go-sqlite3 (the default, a single
file under the data directory) and PostgreSQL through the pgx stdlib adapter.
The schema lives in the migrations subpackage and is applied on Open.

# Tables

	collection_events  one row per event, status + retry bookkeeping + receipt
	audit_log          append-only, indexed by (entity_id, ts)

Timestamps are stored as unix nanoseconds in BIGINT columns so the same
statements run unchanged on both engines. Placeholders are written as ? and
rebound to $n for PostgreSQL.

# Status Updates

Every transition is a single conditional UPDATE:

	MarkUploading   status <> SYNCED           → UPLOADING
	MarkSynced      any                        → SYNCED, txId, blockHash, syncedAt, lastError=NULL
	MarkFailed      status <> SYNCED           → FAILED, retryCount+1, lastError
	ResetForRetry   FAILED, retryCount < ceil  → PENDING, lastError=NULL

A synced event is never moved back by the processor, so a duplicate job that
survives a crash window cannot clobber a recorded receipt.
*/
package storage
