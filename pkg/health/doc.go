/*
Package health probes the components the sync engine depends on.

Three probes implement the Checker interface:

  - FuncChecker wraps an in-process probe such as EventStore.Ping or a queue
    count query
  - HTTPChecker calls the ledger peer's health endpoint
  - TCPChecker dials a backing service such as the Redis queue

A Monitor runs every registered checker on an interval, tracks consecutive
failures in a Status, and reports each component to a Reporter. The service
passes metrics.UpdateComponent as the reporter so /health and /ready reflect
the latest probe results.

A component turns unhealthy only after Retries consecutive failures, and
failures during StartPeriod are ignored. A single success restores it.
*/
package health
