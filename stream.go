package ultrafast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	internalbackoff "github.com/techgopal/ultrafast-client/internal/backoff"
)

// StreamState is the lifecycle position of a long-lived stream.
type StreamState int32

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamConnected
	StreamInterrupted
	StreamReconnecting
	// StreamDisconnectedFinal is terminal: the reconnect budget is exhausted
	// or reconnection is disabled.
	StreamDisconnectedFinal
)

// String returns the state name.
func (s StreamState) String() string {
	switch s {
	case StreamDisconnected:
		return "Disconnected"
	case StreamConnecting:
		return "Connecting"
	case StreamConnected:
		return "Connected"
	case StreamInterrupted:
		return "Interrupted"
	case StreamReconnecting:
		return "Reconnecting"
	case StreamDisconnectedFinal:
		return "DisconnectedFinal"
	default:
		return "Unknown"
	}
}

// ReconnectPolicy shapes stream reconnection. It mirrors the retry policy so
// one backoff implementation serves requests and streams alike.
type ReconnectPolicy struct {
	AutoReconnect bool
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultSSEReconnectPolicy matches the SSE client defaults.
func DefaultSSEReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		AutoReconnect: true,
		MaxAttempts:   10,
		InitialDelay:  5 * time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
	}
}

// DefaultWebSocketReconnectPolicy matches the WebSocket client defaults.
func DefaultWebSocketReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		AutoReconnect: true,
		MaxAttempts:   5,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// StreamController keeps a long-lived connection alive: it drives the connect
// callback, classifies interruptions, and applies bounded backoff between
// reconnect attempts. One controller serves one stream.
type StreamController struct {
	policy     ReconnectPolicy
	calculator *internalbackoff.Calculator
	kind       string
	logger     Logger
	metrics    *MetricsCollector

	state    int32
	attempts int32

	mu            sync.RWMutex
	onStateChange func(StreamState)
}

// NewStreamController creates a controller for one stream of the given kind
// ("websocket" or "sse").
func NewStreamController(policy ReconnectPolicy, kind string, logger Logger, metrics *MetricsCollector) *StreamController {
	return &StreamController{
		policy:     policy,
		calculator: internalbackoff.GetExponentialCalculator(),
		kind:       kind,
		logger:     logger,
		metrics:    metrics,
		state:      int32(StreamDisconnected),
	}
}

// State returns the current lifecycle state.
func (c *StreamController) State() StreamState {
	return StreamState(atomic.LoadInt32(&c.state))
}

// OnStateChange registers a hook invoked on every transition.
func (c *StreamController) OnStateChange(fn func(StreamState)) {
	c.mu.Lock()
	c.onStateChange = fn
	c.mu.Unlock()
}

func (c *StreamController) setState(s StreamState) {
	atomic.StoreInt32(&c.state, int32(s))
	c.mu.RLock()
	hook := c.onStateChange
	c.mu.RUnlock()
	if hook != nil {
		hook(s)
	}
}

// MarkConnected must be called by the connect callback once its handshake
// succeeds. It resets the reconnect budget.
func (c *StreamController) MarkConnected() {
	atomic.StoreInt32(&c.attempts, 0)
	c.setState(StreamConnected)
}

// Run drives the stream until the connect callback returns nil (clean close),
// the context ends, or the reconnect budget is exhausted. A non-nil return
// from connect is an interruption; whether it triggers reconnection depends
// on the policy.
func (c *StreamController) Run(ctx context.Context, connect func(ctx context.Context) error) error {
	for {
		c.setState(StreamConnecting)
		err := connect(ctx)
		if err == nil {
			c.setState(StreamDisconnected)
			return nil
		}

		c.setState(StreamInterrupted)
		if c.logger != nil {
			c.logger.Warn("stream interrupted", "kind", c.kind, "error", err)
		}

		if !c.policy.AutoReconnect {
			c.setState(StreamDisconnectedFinal)
			return &ClientError{
				Type:      ErrorTypeStream,
				Message:   "stream interrupted and reconnection is disabled",
				Cause:     err,
				Timestamp: time.Now(),
			}
		}

		attempt := int(atomic.AddInt32(&c.attempts, 1))
		if attempt > c.policy.MaxAttempts {
			c.setState(StreamDisconnectedFinal)
			return &ClientError{
				Type:       ErrorTypeStream,
				Message:    "reconnect attempts exhausted",
				Cause:      ErrReconnectExhausted,
				Attempt:    attempt - 1,
				MaxRetries: c.policy.MaxAttempts,
				Timestamp:  time.Now(),
			}
		}

		c.setState(StreamReconnecting)
		c.metrics.RecordStreamReconnect(c.kind)
		delay := c.calculator.Calculate(attempt, c.policy.InitialDelay, c.policy.MaxDelay, c.policy.BackoffFactor, 0)
		if c.logger != nil {
			c.logger.Info("stream reconnecting", "kind", c.kind, "attempt", attempt, "maxAttempts", c.policy.MaxAttempts, "backoff", delay)
		}
		if sleepErr := sleepContext(ctx, delay); sleepErr != nil {
			c.setState(StreamDisconnectedFinal)
			return &ClientError{
				Type:      ErrorTypeStream,
				Message:   "stream canceled during reconnect backoff",
				Cause:     sleepErr,
				Timestamp: time.Now(),
			}
		}
	}
}
