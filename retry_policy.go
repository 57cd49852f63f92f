package ultrafast

import (
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	internalbackoff "github.com/techgopal/ultrafast-client/internal/backoff"
)

// RetryPolicy decides whether a failed attempt should be retried and with
// what delay. Attempt numbering is 1-based; attempt 1 is the first try.
type RetryPolicy interface {
	ShouldRetry(req *Request, resp *Response, err error, attempt int) (time.Duration, bool)
}

// BackoffStrategy selects the delay calculation used between retries.
type BackoffStrategy int

const (
	// Exponential is the deterministic min(initial*factor^(n-1), max) ramp.
	Exponential BackoffStrategy = iota
	// ExponentialJitter adds uniform jitter on top of the exponential ramp.
	ExponentialJitter
	// DecorrelatedJitter uses AWS-style decorrelated jitter.
	DecorrelatedJitter
)

// DefaultRetryPolicy retries transient failures with configurable backoff.
// Non-idempotent methods are never retried once a response was produced,
// since producing one implies the request body reached the server.
type DefaultRetryPolicy struct {
	config            RetryConfig
	backoffStrategy   BackoffStrategy
	backoffCalculator *internalbackoff.Calculator
	isIdempotent      func(method string) bool
}

// NewDefaultRetryPolicy creates a retry policy from config using deterministic
// exponential backoff with the configured jitter fraction.
func NewDefaultRetryPolicy(config RetryConfig) *DefaultRetryPolicy {
	strategy := Exponential
	if config.Jitter > 0 {
		strategy = ExponentialJitter
	}
	return NewDefaultRetryPolicyWithStrategy(config, strategy)
}

// NewDefaultRetryPolicyWithStrategy creates a retry policy with a specific
// backoff strategy.
func NewDefaultRetryPolicyWithStrategy(config RetryConfig, strategy BackoffStrategy) *DefaultRetryPolicy {
	policy := &DefaultRetryPolicy{
		config:          config,
		backoffStrategy: strategy,
		isIdempotent:    DefaultIsIdempotent,
	}

	switch strategy {
	case ExponentialJitter:
		policy.backoffCalculator = internalbackoff.GetExponentialJitterCalculator()
	case DecorrelatedJitter:
		policy.backoffCalculator = internalbackoff.GetDecorrelatedJitterCalculator()
	default:
		policy.backoffCalculator = internalbackoff.GetExponentialCalculator()
	}

	return policy
}

// ShouldRetry implements the RetryPolicy interface.
func (p *DefaultRetryPolicy) ShouldRetry(req *Request, resp *Response, err error, attempt int) (time.Duration, bool) {
	if attempt > p.config.MaxRetries {
		return 0, false
	}

	// A response means the body, if any, reached the server.
	if resp != nil && req != nil && !p.isIdempotent(req.Method) {
		return 0, false
	}

	shouldRetry := false
	var delay time.Duration

	if err != nil {
		shouldRetry = IsTransient(err)
	} else if resp != nil {
		if p.isRetryableStatus(resp.StatusCode) {
			shouldRetry = true
			delay = parseRetryAfter(resp.GetHeader("Retry-After"))
		}
	}

	if !shouldRetry {
		return 0, false
	}

	if delay == 0 {
		delay = p.calculateBackoff(attempt)
	}

	return delay, true
}

func (p *DefaultRetryPolicy) isRetryableStatus(status int) bool {
	if len(p.config.RetryStatusCodes) == 0 {
		return status == 429 || status >= 500
	}
	for _, code := range p.config.RetryStatusCodes {
		if status == code {
			return true
		}
	}
	return false
}

func (p *DefaultRetryPolicy) calculateBackoff(attempt int) time.Duration {
	return p.backoffCalculator.Calculate(attempt, p.config.InitialDelay, p.config.MaxDelay, p.config.BackoffFactor, p.config.Jitter)
}

// DefaultIsIdempotent returns true for idempotent HTTP methods.
func DefaultIsIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	default:
		return false
	}
}

// parseRetryAfter parses the Retry-After header value. It supports both
// delay-seconds format and HTTP-date format, capped at one hour.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > time.Hour {
				delay = time.Hour
			}
			return delay
		}
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay > 0 && delay <= time.Hour {
			return delay
		}
	}

	return 0
}

// RetryBudget bounds how many retries may fire within a rolling window,
// protecting downstreams from retry storms across concurrent calls.
type RetryBudget struct {
	maxRetries  int64
	perWindow   time.Duration
	current     int64
	windowStart int64
}

// NewRetryBudget creates a new retry budget tracker.
func NewRetryBudget(maxRetries int, perWindow time.Duration) *RetryBudget {
	return &RetryBudget{
		maxRetries:  int64(maxRetries),
		perWindow:   perWindow,
		windowStart: time.Now().UnixNano(),
	}
}

// Allow checks if a retry is allowed under the current budget.
func (rb *RetryBudget) Allow() bool {
	now := time.Now().UnixNano()
	windowStart := atomic.LoadInt64(&rb.windowStart)

	if now-windowStart >= int64(rb.perWindow) {
		if atomic.CompareAndSwapInt64(&rb.windowStart, windowStart, now) {
			atomic.StoreInt64(&rb.current, 0)
		}
	}

	current := atomic.LoadInt64(&rb.current)
	if current >= rb.maxRetries {
		return false
	}

	newCurrent := atomic.AddInt64(&rb.current, 1)
	return newCurrent <= rb.maxRetries
}

// GetStats returns current retry budget statistics.
func (rb *RetryBudget) GetStats() (current, max int64, windowStart time.Time) {
	return atomic.LoadInt64(&rb.current),
		rb.maxRetries,
		time.Unix(0, atomic.LoadInt64(&rb.windowStart))
}
