/*
Package queue implements the durable sync job queue.

One job exists per event to anchor. Its id is "sync-" + eventID, so enqueue is
idempotent: while a job is waiting, delayed or active a second Enqueue returns
the existing job. Completed and failed jobs are replaced by a fresh job.

# Job States

	          Enqueue                Claim (lease)
	(none) ─────────────→ waiting ─────────────→ active ──Complete──→ completed
	          │ Delay>0      ↑                    │ │
	          ↓              │ ready              │ └──Fail (permanent or
	        delayed ─────────┘                    │        attempts exhausted)──→ failed
	          ↑                                   │
	          └────────Fail (retryable)───────────┘

A claim grants a lease owned by the worker. Heartbeat extends it. Complete and
Fail require the caller to still hold it. ReclaimStalled moves jobs whose lease
expired back to waiting, or to failed once StalledCount exceeds MaxStalled.

Claims take the highest priority first, then the earliest ready time, then
insertion order. Retries use negative priorities so fresh work goes first.

# Backends

BoltQueue keeps everything in one bbolt file: a jobs bucket holding the record
and one index bucket per state with sortable keys. RedisQueue keeps a hash per
job and a sorted set per state; transitions are Lua scripts.

Backoff is a pure function: base·2^(attempt-1), capped at BackoffMax.
*/
package queue
