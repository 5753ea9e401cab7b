package queue

import "time"

// Backoff computes base·2^(attempt-1), capped at max when max is positive.
// Attempts below one are treated as the first attempt.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		if max > 0 && d >= max {
			return max
		}
		// stop doubling before overflow
		if d > (1<<62)/2 {
			break
		}
		d *= 2
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
