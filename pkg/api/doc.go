/*
Package api implements the HTTP surface of the anchor service.

Producers post collection events here and operators inspect and drive the
sync engine. Every route is a thin translation onto a manager.Manager call.

# Routes

	POST /api/v1/events                       record an event and queue its sync
	GET  /api/v1/events/failed?limit=N        FAILED events, newest first
	GET  /api/v1/events/{id}                  one event plus its sync job
	GET  /api/v1/events/{id}/audit            audit trail of one event
	POST /api/v1/events/{id}/sync             queue a sync, body {"priority": n}
	POST /api/v1/sync/retry-failed            run the bulk retry sweep
	GET  /api/v1/sync/stats                   counts per status and queue state
	GET  /api/v1/sync/jobs?state=S&limit=N    sync jobs in one queue state
	GET  /api/v1/sync/stream[?eventId=]       lifecycle events as text/event-stream
	GET  /api/v1/ledger/transactions/{txId}   ledger view of a transaction

	GET  /health                              liveness
	GET  /health/components                   per-component health
	GET  /ready                               readiness
	GET  /metrics                             Prometheus metrics

# Errors

Failures are returned as ErrorResponse with the error kind:

	NOT_FOUND   → 404
	VALIDATION  → 400
	CONNECTION  → 503
	otherwise   → 500

# Rate Limiting

When http.rate_limit.enabled is set, /api/v1 routes are limited per client
address with a fixed window. The limiter is approximate: skipped successful
or failed requests are refunded after the response is written.

http.access_control restricts /api/v1 to allowed addresses or CIDR ranges;
deny rules take precedence and filtered clients get 403.

Both key on the TCP peer address. X-Forwarded-For and X-Real-IP are read only
when the peer is listed in http.trusted_proxies.
*/
package api
