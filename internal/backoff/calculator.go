package backoff

import (
	"time"
)

// Calculator provides backoff calculation using a configurable strategy. Both
// the request retry path and the stream reconnect path consume it, keeping the
// delay math in one place.
type Calculator struct {
	strategy Strategy
}

// NewCalculator creates a new backoff calculator with the specified strategy.
func NewCalculator(strategy Strategy) *Calculator {
	return &Calculator{
		strategy: strategy,
	}
}

// Calculate computes the backoff duration for the given attempt and parameters.
func (c *Calculator) Calculate(attempt int, initialBackoff, maxBackoff time.Duration, multiplier, jitter float64) time.Duration {
	return c.strategy.Calculate(attempt, initialBackoff, maxBackoff, multiplier, jitter)
}

// SetStrategy updates the backoff strategy used by this calculator.
func (c *Calculator) SetStrategy(strategy Strategy) {
	c.strategy = strategy
}

// GetStrategy returns the current strategy being used by this calculator.
func (c *Calculator) GetStrategy() Strategy {
	return c.strategy
}

// GetExponentialCalculator returns a calculator with the deterministic
// exponential strategy.
func GetExponentialCalculator() *Calculator {
	return NewCalculator(ExponentialStrategy{})
}

// GetExponentialJitterCalculator returns a calculator configured with the
// exponential jitter strategy.
func GetExponentialJitterCalculator() *Calculator {
	return NewCalculator(ExponentialJitterStrategy{})
}

// GetDecorrelatedJitterCalculator returns a calculator configured with
// AWS-style decorrelated jitter.
func GetDecorrelatedJitterCalculator() *Calculator {
	return NewCalculator(DecorrelatedJitterStrategy{})
}
