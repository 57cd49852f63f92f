package backoff

import (
	"testing"
	"time"
)

func TestExponentialStrategy(t *testing.T) {
	strategy := ExponentialStrategy{}

	tests := []struct {
		name       string
		attempt    int
		initial    time.Duration
		max        time.Duration
		multiplier float64
		expected   time.Duration
	}{
		{
			name:       "attempt 1 returns initial",
			attempt:    1,
			initial:    100 * time.Millisecond,
			max:        5 * time.Second,
			multiplier: 2.0,
			expected:   100 * time.Millisecond,
		},
		{
			name:       "attempt 2 doubles",
			attempt:    2,
			initial:    100 * time.Millisecond,
			max:        5 * time.Second,
			multiplier: 2.0,
			expected:   200 * time.Millisecond,
		},
		{
			name:       "attempt 3 doubles again",
			attempt:    3,
			initial:    100 * time.Millisecond,
			max:        5 * time.Second,
			multiplier: 2.0,
			expected:   400 * time.Millisecond,
		},
		{
			name:       "capped at max",
			attempt:    20,
			initial:    100 * time.Millisecond,
			max:        5 * time.Second,
			multiplier: 2.0,
			expected:   5 * time.Second,
		},
		{
			name:       "attempt below 1 clamped",
			attempt:    0,
			initial:    100 * time.Millisecond,
			max:        5 * time.Second,
			multiplier: 2.0,
			expected:   100 * time.Millisecond,
		},
		{
			name:       "multiplier 1 stays flat",
			attempt:    7,
			initial:    250 * time.Millisecond,
			max:        5 * time.Second,
			multiplier: 1.0,
			expected:   250 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := strategy.Calculate(tt.attempt, tt.initial, tt.max, tt.multiplier, 0)
			if result != tt.expected {
				t.Errorf("Calculate(%d, %v, %v, %f) = %v, want %v",
					tt.attempt, tt.initial, tt.max, tt.multiplier, result, tt.expected)
			}
		})
	}
}

func TestExponentialStrategyMonotone(t *testing.T) {
	strategy := ExponentialStrategy{}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 40; attempt++ {
		d := strategy.Calculate(attempt, 50*time.Millisecond, 30*time.Second, 2.0, 0)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > 30*time.Second {
			t.Fatalf("delay exceeded max at attempt %d: %v", attempt, d)
		}
		prev = d
	}
}

func TestExponentialJitterStrategy(t *testing.T) {
	strategy := ExponentialJitterStrategy{}

	// With jitter 0 the result is deterministic.
	result := strategy.Calculate(2, 100*time.Millisecond, 5*time.Second, 2.0, 0.0)
	if result != 200*time.Millisecond {
		t.Errorf("Calculate with zero jitter = %v, want 200ms", result)
	}

	// With jitter the result stays within [base, base*(1+jitter)].
	for i := 0; i < 100; i++ {
		d := strategy.Calculate(3, 100*time.Millisecond, 5*time.Second, 2.0, 0.5)
		if d < 400*time.Millisecond || d > 600*time.Millisecond {
			t.Fatalf("jittered delay %v outside [400ms, 600ms]", d)
		}
	}

	// Jitter never pushes past the max.
	for i := 0; i < 100; i++ {
		d := strategy.Calculate(30, 100*time.Millisecond, 5*time.Second, 2.0, 1.0)
		if d > 5*time.Second {
			t.Fatalf("jittered delay %v exceeded max", d)
		}
	}
}

func TestDecorrelatedJitterStrategy(t *testing.T) {
	strategy := DecorrelatedJitterStrategy{}

	for attempt := 1; attempt <= 12; attempt++ {
		d := strategy.Calculate(attempt, 100*time.Millisecond, 5*time.Second, 2.0, 0.5)
		if d < 100*time.Millisecond {
			t.Fatalf("attempt %d: delay %v below initial", attempt, d)
		}
		if d > 5*time.Second {
			t.Fatalf("attempt %d: delay %v above max", attempt, d)
		}
	}

	if d := strategy.Calculate(0, 100*time.Millisecond, 5*time.Second, 2.0, 0); d != 100*time.Millisecond {
		t.Errorf("attempt 0 = %v, want initial", d)
	}
}

func TestClampJitter(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{-0.5, 0},
		{0, 0},
		{0.3, 0.3},
		{1, 1},
		{2.5, 1},
	}
	for _, tt := range tests {
		if got := clampJitter(tt.in); got != tt.want {
			t.Errorf("clampJitter(%f) = %f, want %f", tt.in, got, tt.want)
		}
	}
}

func TestPow(t *testing.T) {
	if got := Pow(2, 10); got != 1024 {
		t.Errorf("Pow(2, 10) = %f, want 1024", got)
	}
	if got := Pow(3, 0); got != 1 {
		t.Errorf("Pow(3, 0) = %f, want 1", got)
	}
}
