// Package backoff centralizes retry and reconnect delay math so one-shot
// requests and long-lived streams share the same policy evaluation.
package backoff

import (
	"math/rand"
	"time"
)

// Strategy defines the interface for backoff calculation algorithms.
// Attempt numbering is 1-based: attempt 1 is the first retry.
type Strategy interface {
	// Calculate returns the backoff duration for the given attempt number and parameters.
	Calculate(attempt int, initialBackoff, maxBackoff time.Duration, multiplier, jitter float64) time.Duration
}

// ExponentialStrategy implements deterministic exponential backoff:
// min(initial * multiplier^(attempt-1), max). With multiplier >= 1 the
// resulting delays are non-decreasing across attempts.
type ExponentialStrategy struct{}

// Calculate implements the Strategy interface. The jitter parameter is ignored.
func (s ExponentialStrategy) Calculate(attempt int, initialBackoff, maxBackoff time.Duration, multiplier, _ float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	// Prevent overflow by limiting the exponent
	exp := attempt - 1
	if exp > 30 {
		exp = 30
	}

	backoff := time.Duration(float64(initialBackoff) * pow(multiplier, exp))
	if backoff < 0 || backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// ExponentialJitterStrategy implements exponential backoff with uniform jitter
// added on top of the deterministic delay to avoid thundering herds.
type ExponentialJitterStrategy struct{}

// Calculate implements the Strategy interface for exponential backoff with jitter.
func (s ExponentialJitterStrategy) Calculate(attempt int, initialBackoff, maxBackoff time.Duration, multiplier, jitter float64) time.Duration {
	backoff := ExponentialStrategy{}.Calculate(attempt, initialBackoff, maxBackoff, multiplier, 0)

	jitter = clampJitter(jitter)
	if jitter > 0 {
		jitterAmount := time.Duration(float64(backoff) * jitter * rand.Float64())
		if backoff+jitterAmount > maxBackoff {
			backoff = maxBackoff
		} else {
			backoff += jitterAmount
		}
	}
	return backoff
}

// DecorrelatedJitterStrategy implements decorrelated jitter as per the AWS
// architecture blog. Provides smoother tail latencies than uniform jitter.
type DecorrelatedJitterStrategy struct{}

// Calculate implements the Strategy interface for decorrelated jitter.
func (s DecorrelatedJitterStrategy) Calculate(attempt int, initialBackoff, maxBackoff time.Duration, multiplier, jitter float64) time.Duration {
	// Formula: random_between(base, min(cap, base * 3^attempt))
	if attempt <= 0 {
		return initialBackoff
	}

	// Prevent overflow by limiting attempt
	if attempt > 10 {
		attempt = 10
	}

	base := float64(initialBackoff)
	upper := base * pow(3.0, attempt)

	maxBackoffFloat := float64(maxBackoff)
	if upper > maxBackoffFloat || upper < 0 {
		upper = maxBackoffFloat
	}
	if upper < base {
		upper = base
	}

	delay := base + rand.Float64()*(upper-base)

	result := time.Duration(delay)
	if result < 0 || result > maxBackoff {
		result = maxBackoff
	}
	return result
}

// clampJitter ensures jitter is within valid bounds [0, 1].
func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}

// pow calculates base^exponent using integer exponentiation.
func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}

// Pow is the exported version of pow for callers computing bounds.
func Pow(base float64, exponent int) float64 {
	return pow(base, exponent)
}
