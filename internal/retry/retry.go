package retry

import (
	"math"
	"time"

	"github.com/kursadbilgin/webhook-engine/internal/domain"
)

// MaxDelay caps a single backoff step regardless of the policy.
const MaxDelay = 24 * time.Hour

// Decision is the outcome of evaluating a failed attempt against a retry policy.
type Decision struct {
	Retry bool
	Delay time.Duration
	// Overrun counts attempts already made past MaxRetries, which happens when
	// the policy is lowered while a sequence is in flight.
	Overrun int
}

// Evaluate decides whether the failed attempt (0-indexed) is retried and after
// how long: delay = retryDelay * backoffMultiplier^attempt.
func Evaluate(attempt int, policy domain.RetryPolicy) Decision {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= policy.MaxRetries {
		return Decision{Overrun: attempt - max(policy.MaxRetries, 0)}
	}
	return Decision{Retry: true, Delay: Delay(attempt, policy)}
}

// Delay returns the backoff before the retry that follows attempt.
func Delay(attempt int, policy domain.RetryPolicy) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	multiplier := policy.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(policy.RetryDelay()) * math.Pow(multiplier, float64(attempt))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(MaxDelay) {
		return MaxDelay
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}
