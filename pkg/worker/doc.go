/*
Package worker implements the bounded pool that drains the sync job queue.

Each worker loops: claim the next ready job, run the event processor to
completion, then settle the job with the queue (Complete on success, Fail with
the classified error otherwise). While the processor runs, a heartbeat
goroutine renews the job's lease every LeaseDuration/3 so the reconciler does
not mistake a slow ledger call for a crashed worker.

	┌──────────── Pool ────────────┐
	│  worker-0 … worker-N-1        │
	│     │ Claim                   │
	│     ▼                         │
	│  Processor.Process(eventID)   │──► ledger gateway
	│     │            ▲            │
	│     │  Heartbeat │            │
	│     ▼                         │
	│  Complete / Fail              │
	└───────────────────────────────┘

Idle workers sleep for PollInterval or until Notify is called after an
enqueue. Delayed retries become claimable when their backoff elapses; the next
Claim promotes them.

# Shutdown

Stop closes the pool to new claims and waits for in-flight jobs. Processing
runs on a context detached from shutdown, so a ledger submission that has
started always finishes and its outcome is recorded. If the shutdown context
expires first, Stop returns its error and the job's lease eventually lapses.
*/
package worker
