package dispatcher

import "time"

// Backoff returns min(base * 2^attempts, limit). A non-positive limit means
// no cap, in which case the exponent stops growing at 30.
func Backoff(base, limit time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempts && i < 30; i++ {
		if limit > 0 && delay >= limit {
			break
		}
		delay *= 2
	}
	if limit > 0 && delay > limit {
		return limit
	}
	return delay
}
