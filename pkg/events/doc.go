/*
Package events provides an in-memory broker for sync lifecycle notifications.

Components publish an Event whenever a collection event changes state (queued,
started, succeeded, failed, skipped, retried, stalled). The API streams them to
operators as server-sent events.

	Publish → queue (100) → fan-out loop → Subscription.C() (50 each)

A Subscription carries a Filter on event id and type, so the SSE stream for
one collection event only sees that event. Publishing never blocks the sync
path: a full subscription misses the notification and counts it in Dropped. Delivery is best
effort and nothing is persisted; the audit log is the durable record.
*/
package events
