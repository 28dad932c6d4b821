// internal/queue/backoff.go
package queue

import "time"

// Backoff returns min(base * 2^retry, ceiling) for the zero-based retry index.
func Backoff(base, ceiling time.Duration, retry int) time.Duration {
	if base <= 0 {
		return 0
	}
	if retry < 0 {
		retry = 0
	}
	d := base
	for i := 0; i < retry; i++ {
		if ceiling > 0 && d >= ceiling {
			return ceiling
		}
		d *= 2
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}
