/*
Package metrics provides Prometheus metrics and the component health registry
for the anchor service.

All collectors are package-level variables registered with the default
Prometheus registry at init and exposed through Handler() on /metrics.

# Metrics Catalog

State gauges (refreshed by Collector from a Stats snapshot; a failed scrape
marks the non-critical "collector" component down):

	anchor_events{status}                       events per sync status
	anchor_queue_jobs{state}                    jobs per queue state

Sync path:

	anchor_jobs_enqueued_total{result}          created, duplicate, error
	anchor_sync_attempts_total{outcome}         synced, failed, skipped
	anchor_ledger_submit_duration_seconds{outcome}
	anchor_workers_busy

Recovery:

	anchor_stalled_jobs_total{outcome}          requeued, failed
	anchor_retry_sweep_events_total{result}     requeued, skipped, error
	anchor_reconciliation_duration_seconds
	anchor_audit_write_errors_total
	anchor_component_up{component}             1 while the component reports healthy

API:

	anchor_api_requests_total{method, status}
	anchor_api_request_duration_seconds{method}
	anchor_api_rate_limited_total

# Timer Helper

	timer := metrics.NewTimer()
	receipt, err := gw.SubmitTransaction(ctx, cc, fn, args...)
	timer.ObserveDurationVec(metrics.LedgerSubmitDuration, outcome)

# Health

Components report their state with RegisterComponent or UpdateComponent.
A critical component (store, queue, ledger by default) that is down makes
GetHealth unhealthy; any other component only degrades it. GetReadiness
also waits for critical components that have not reported yet.
HealthHandler serves the summary plus per-component details.
*/
package metrics
