/*
Package scheduler implements the retry sweep for events stuck in FAILED.

The queue's own attempt counter and backoff drive the first line of retries.
Once a job has exhausted its attempts, its event stays FAILED until an
operator (or the optional periodic sweep) calls RetryFailed. The sweep:

 1. lists FAILED events whose retryCount is below the ceiling
 2. resets each one to PENDING and clears lastError
 3. enqueues it with priority -retryCount, an attempt budget of
    ceiling-retryCount and a delay of Backoff(retryCount)
 4. writes a RETRY_FAILED_EVENTS audit entry for the batch

Events at the ceiling are never touched. An event whose job is still live in
the queue is reset but not duplicated, because enqueue is idempotent on the
job id.
*/
package scheduler
