/*
Package reconciler recovers from crashed workers and keeps the queue bounded.

Every interval the reconciler runs one cycle:

	┌──────────────────────────────┐
	│   Reconciliation Loop        │
	│   (every interval, def 10s)  │
	└──────────────┬───────────────┘
	               │
	    ┌──────────┴──────────┐
	    ▼                     ▼
	ReclaimStalled          Prune
	    │                     │
	    ├─ lease expired      └─ trim completed/failed
	    │  → waiting             jobs to keep_* bounds
	    └─ stalled > max
	       → failed, event FAILED

A lease expires when its worker stops sending heartbeats, which happens when
the process died mid-job. The job goes back to waiting and its StalledCount
grows; once it exceeds the stall bound the job is failed with a StalledJob
error and its event is marked FAILED so it appears in the failed listing and
can be retried by an operator.

Status gauges are refreshed separately by metrics.Collector.
*/
package reconciler
