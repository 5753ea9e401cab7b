/*
Package manager wires the sync engine together and exposes its external
surface.

	producers ──► CreateEvent / QueueSync ──► queue ──► worker.Pool
	                                                     │
	                                          processor.Process
	                                                     │
	              store ◄──── status, receipt ───────────┤
	              audit ◄──── SYNC / SYNC_FAILED ────────┤
	              events ◄─── lifecycle notifications ───┘

	operators ──► RetryFailed, Stats, ListFailed, GetEvent, AuditTrail,
	              QueryTransaction

Open builds the event store, the queue and the ledger gateway from the
service configuration; NewManager accepts them pre-built, which is how tests
inject a mock gateway.

# Lifecycle

Start connects the gateway with retry. If the ledger peer cannot be reached
within ledger.connect_attempts, Start returns the connection error and the
service must not come up. After that it starts the worker pool, the
reconciler, the optional periodic retry sweep, the metrics collector and the
health monitor.

Shutdown stops the background loops, waits for active jobs up to
worker.shutdown_timeout, drains the audit writer, and closes the queue, the
gateway and the store in that order.
*/
package manager
