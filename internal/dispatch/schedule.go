package dispatch

import "time"

// Retry schedule for transient submit failures: up to three attempts total.
var retryDelays = [...]time.Duration{
	1 * time.Second,
	4 * time.Second,
	10 * time.Second,
}

const maxSubmitAttempts = 3

// retryDelay returns the sleep before retry number n (1-based), honoring the
// provider's Retry-After hint when it stretches the scheduled delay. The
// hint may not push total wall time past what the remaining schedule would
// have spent.
func retryDelay(n int, retryAfter time.Duration) time.Duration {
	delay := retryDelays[len(retryDelays)-1]
	if n-1 < len(retryDelays) {
		delay = retryDelays[n-1]
	}
	if retryAfter > delay {
		delay = retryAfter
		if budget := remainingRetryBudget(n); delay > budget {
			delay = budget
		}
	}
	return delay
}

// remainingRetryBudget sums the scheduled delays from retry n onward.
func remainingRetryBudget(n int) time.Duration {
	start := n - 1
	if start >= len(retryDelays) {
		start = len(retryDelays) - 1
	}
	var total time.Duration
	for _, d := range retryDelays[start:] {
		total += d
	}
	return total
}

// Polling schedule: first probe after 2s, then multiply by 1.5 up to a 10s
// ceiling. The descriptor's attempt cap bounds total wall clock.
const (
	pollInitialInterval = 2 * time.Second
	pollIntervalFactor  = 1.5
	pollMaxInterval     = 10 * time.Second
)

func nextPollInterval(prev time.Duration) time.Duration {
	next := time.Duration(float64(prev) * pollIntervalFactor)
	if next > pollMaxInterval {
		return pollMaxInterval
	}
	return next
}
