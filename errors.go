package ultrafast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorType classifies a ClientError into the engine's error taxonomy.
type ErrorType string

const (
	ErrorTypeConnection    ErrorType = "ConnectionError"
	ErrorTypeTimeout       ErrorType = "TimeoutError"
	ErrorTypeProtocol      ErrorType = "ProtocolError"
	ErrorTypeHTTPStatus    ErrorType = "HTTPStatusError"
	ErrorTypeRateLimit     ErrorType = "RateLimitError"
	ErrorTypeAuth          ErrorType = "AuthError"
	ErrorTypeStream        ErrorType = "StreamError"
	ErrorTypeConfig        ErrorType = "ConfigError"
	ErrorTypeSerialization ErrorType = "SerializationError"
)

// Sentinel errors for common failure scenarios
var (
	// ErrRateLimitExceeded is returned when admission is denied and the limiter
	// is configured to reject rather than delay.
	ErrRateLimitExceeded = errors.New("ultrafast: rate limit exceeded")

	// ErrFallbackExhausted is returned when every protocol in the fallback
	// chain failed to negotiate.
	ErrFallbackExhausted = errors.New("ultrafast: protocol fallback chain exhausted")

	// ErrReconnectExhausted is returned by a stream when the reconnect budget
	// runs out.
	ErrReconnectExhausted = errors.New("ultrafast: reconnect attempts exhausted")

	// ErrHTTP3Unsupported is returned when HTTP/3 is selected but no QUIC
	// transport is available in this build.
	ErrHTTP3Unsupported = errors.New("ultrafast: http/3 transport not available")

	// ErrCircuitOpen is returned when the target's circuit breaker is open
	// and the recovery timeout has not yet elapsed.
	ErrCircuitOpen = errors.New("ultrafast: circuit breaker open")

	// ErrInvalidConfig is returned on first use when construction-time
	// validation failed.
	ErrInvalidConfig = errors.New("ultrafast: invalid configuration")

	// ErrStreamClosed is returned when sending or receiving on a stream that
	// has been closed by the caller.
	ErrStreamClosed = errors.New("ultrafast: stream closed")

	// ErrStreamStarted is returned by Connect on a stream whose controller is
	// already running.
	ErrStreamStarted = errors.New("ultrafast: stream already started")

	// ErrBodyConsumed is returned when a retry would need to resend body bytes
	// that were already written to the wire.
	ErrBodyConsumed = errors.New("ultrafast: request body already sent")
)

// ClientError represents an error from the client with diagnostic context.
type ClientError struct {
	Type       ErrorType
	Message    string
	Cause      error
	RequestID  string
	Method     string
	URL        string
	Endpoint   string
	StatusCode int
	Attempt    int
	MaxRetries int
	Timestamp  time.Time
	Duration   time.Duration
}

// IsTransient determines if an error represents a transient failure that might
// succeed on retry. Returns true for connection errors, timeouts, 5xx server
// responses, and rate limiting (429). Returns false for other 4xx statuses and
// configuration errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrRateLimitExceeded) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Type {
		case ErrorTypeConnection, ErrorTypeTimeout, ErrorTypeRateLimit:
			return true
		case ErrorTypeHTTPStatus:
			return clientErr.StatusCode == 429 || clientErr.StatusCode >= 500
		default:
			return false
		}
	}

	return false
}

// Error implements error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}
	var msg string
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Cause)
	} else {
		msg = fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxRetries)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *ClientError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.Endpoint != "" {
		info += fmt.Sprintf("Endpoint: %s\n", e.Endpoint)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxRetries)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// classifyError wraps a transport-level error into the taxonomy. Already
// classified errors pass through unchanged.
func classifyError(err error) *ClientError {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr
	}

	ce := &ClientError{Cause: err, Timestamp: time.Now()}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		ce.Type = ErrorTypeTimeout
		ce.Message = "deadline exceeded"
	case errors.Is(err, context.Canceled):
		ce.Type = ErrorTypeTimeout
		ce.Message = "request canceled"
	case errors.Is(err, ErrRateLimitExceeded):
		ce.Type = ErrorTypeRateLimit
		ce.Message = "rate limit exceeded"
	case errors.Is(err, ErrFallbackExhausted), errors.Is(err, ErrHTTP3Unsupported):
		ce.Type = ErrorTypeProtocol
		ce.Message = "protocol negotiation failed"
	case errors.Is(err, ErrReconnectExhausted), errors.Is(err, ErrStreamClosed):
		ce.Type = ErrorTypeStream
		ce.Message = "stream failure"
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			ce.Type = ErrorTypeTimeout
			ce.Message = "network timeout"
		} else {
			ce.Type = ErrorTypeConnection
			ce.Message = "connection failure"
		}
	}
	return ce
}
