/*
Package log provides structured logging for anchor using zerolog.

A single global Logger is configured once at startup with Init. Components
derive child loggers that carry a fixed field, so every line emitted while
processing a job can be correlated:

	logger := log.WithComponent("worker")
	logger.Info().
		Str("job_id", job.ID).
		Int("attempt", job.AttemptsMade).
		Msg("job claimed")

Console output is used for interactive runs; JSON output for production,
where lines are shipped to a log pipeline. The level applies globally.
*/
package log
