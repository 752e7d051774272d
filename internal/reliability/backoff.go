package reliability

import (
	"strings"
	"time"
)

// IsRetryableBackendError classifies backend error messages that are
// worth an automatic redial, as opposed to terminal failures like
// authentication or quota removal.
func IsRetryableBackendError(message string) bool {
	msg := strings.ToLower(message)
	for _, marker := range []string{"rate limit", "rate_limited", "resource_exhausted", "overloaded", "temporarily unavailable", "timeout"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
