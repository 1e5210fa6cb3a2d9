package pipeline

import "time"

// BackoffDelay returns base·2^(n-1) capped at ceiling, for n consecutive rate limits.
// n <= 0 means no backoff.
func BackoffDelay(base, ceiling time.Duration, n int) time.Duration {
	if n <= 0 || base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < n; i++ {
		delay *= 2
		if ceiling > 0 && delay >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && delay > ceiling {
		return ceiling
	}
	return delay
}
