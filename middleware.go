package ultrafast

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// maxHeaderSize bounds injected header values.
const maxHeaderSize = 8192

// Middleware observes and transforms requests, responses, and errors around
// every call. Before hooks run in registration order; After hooks run in the
// same registration order, a pipeline of transforms rather than a nested
// unwind, so the middleware registered first also observes the response
// first. OnError may recover by returning a response.
type Middleware interface {
	Before(ctx context.Context, req *Request) error
	After(ctx context.Context, req *Request, resp *Response) error
	OnError(ctx context.Context, req *Request, err error) (*Response, error)
}

// MiddlewareChain is the ordered set of middleware wrapped around each call.
type MiddlewareChain struct {
	middlewares []Middleware
}

// NewMiddlewareChain creates a chain from the given middleware, in order.
func NewMiddlewareChain(middlewares ...Middleware) *MiddlewareChain {
	return &MiddlewareChain{middlewares: middlewares}
}

// Use appends a middleware to the chain.
func (c *MiddlewareChain) Use(m Middleware) {
	c.middlewares = append(c.middlewares, m)
}

// Len returns the number of registered middleware.
func (c *MiddlewareChain) Len() int {
	return len(c.middlewares)
}

// RunBefore executes all Before hooks in registration order.
func (c *MiddlewareChain) RunBefore(ctx context.Context, req *Request) error {
	for _, m := range c.middlewares {
		if err := m.Before(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// RunAfter executes all After hooks in registration order.
func (c *MiddlewareChain) RunAfter(ctx context.Context, req *Request, resp *Response) error {
	for _, m := range c.middlewares {
		if err := m.After(ctx, req, resp); err != nil {
			return err
		}
	}
	return nil
}

// RunOnError offers the error to each middleware in order. The first one to
// return a recovered response short-circuits; otherwise the (possibly
// transformed) error propagates.
func (c *MiddlewareChain) RunOnError(ctx context.Context, req *Request, callErr error) (*Response, error) {
	err := callErr
	for _, m := range c.middlewares {
		resp, merr := m.OnError(ctx, req, err)
		if resp != nil {
			return resp, nil
		}
		if merr != nil {
			err = merr
		}
	}
	return nil, err
}

// NopMiddleware provides no-op hooks for embedding in middleware that only
// care about a subset.
type NopMiddleware struct{}

func (NopMiddleware) Before(context.Context, *Request) error { return nil }

func (NopMiddleware) After(context.Context, *Request, *Response) error { return nil }

func (NopMiddleware) OnError(_ context.Context, _ *Request, err error) (*Response, error) {
	return nil, err
}

// LoggingMiddleware logs requests, responses, and errors through the client's
// Logger.
type LoggingMiddleware struct {
	NopMiddleware
	Logger    Logger
	LogBodies bool
}

// NewLoggingMiddleware creates a logging middleware.
func NewLoggingMiddleware(logger Logger, logBodies bool) *LoggingMiddleware {
	return &LoggingMiddleware{Logger: logger, LogBodies: logBodies}
}

func (m *LoggingMiddleware) Before(ctx context.Context, req *Request) error {
	if m.Logger == nil {
		return nil
	}
	if m.LogBodies && len(req.Body) > 0 {
		m.Logger.Info("request", "method", req.Method, "url", req.URL, "requestId", requestIDFromContext(ctx), "body", string(req.Body))
	} else {
		m.Logger.Info("request", "method", req.Method, "url", req.URL, "requestId", requestIDFromContext(ctx))
	}
	return nil
}

func (m *LoggingMiddleware) After(ctx context.Context, req *Request, resp *Response) error {
	if m.Logger == nil {
		return nil
	}
	if m.LogBodies && len(resp.Content) > 0 {
		m.Logger.Info("response", "method", req.Method, "url", req.URL, "status", resp.StatusCode, "elapsed", resp.Elapsed, "body", resp.Text())
	} else {
		m.Logger.Info("response", "method", req.Method, "url", req.URL, "status", resp.StatusCode, "elapsed", resp.Elapsed)
	}
	return nil
}

func (m *LoggingMiddleware) OnError(ctx context.Context, req *Request, err error) (*Response, error) {
	if m.Logger != nil {
		m.Logger.Error("request failed", "method", req.Method, "url", req.URL, "error", err)
	}
	return nil, err
}

// HeaderMiddleware injects static headers into requests that do not already
// carry them.
type HeaderMiddleware struct {
	NopMiddleware
	headers map[string]string
}

// NewHeaderMiddleware validates and stores the headers to inject. Invalid
// headers are rejected up front so misconfiguration fails fast.
func NewHeaderMiddleware(headers map[string]string) (*HeaderMiddleware, error) {
	for name, value := range headers {
		if err := validateHeader(name, value); err != nil {
			return nil, err
		}
	}
	return &HeaderMiddleware{headers: headers}, nil
}

func (m *HeaderMiddleware) Before(_ context.Context, req *Request) error {
	for name, value := range m.headers {
		if req.Headers.Get(name) == "" {
			req.Headers.Set(name, value)
		}
	}
	return nil
}

func validateHeader(name, value string) error {
	if strings.TrimSpace(name) == "" {
		return &ClientError{Type: ErrorTypeConfig, Message: "header name must not be empty", Timestamp: time.Now()}
	}
	if strings.ContainsRune(name, 0) || strings.ContainsRune(value, 0) {
		return &ClientError{Type: ErrorTypeConfig, Message: "header must not contain NUL bytes", Timestamp: time.Now()}
	}
	if len(name)+len(value) > maxHeaderSize {
		return &ClientError{Type: ErrorTypeConfig, Message: "header exceeds maximum size", Timestamp: time.Now()}
	}
	return nil
}

// RetrySignalMiddleware annotates outgoing requests with the current attempt
// number so servers and logs can correlate retries, and surfaces Retry-After
// hints on responses.
type RetrySignalMiddleware struct {
	NopMiddleware
	Logger Logger
}

func (m *RetrySignalMiddleware) Before(ctx context.Context, req *Request) error {
	if attempt := attemptFromContext(ctx); attempt > 1 {
		req.Headers.Set("X-Retry-Attempt", strconv.Itoa(attempt))
	}
	return nil
}

func (m *RetrySignalMiddleware) After(ctx context.Context, req *Request, resp *Response) error {
	if m.Logger == nil {
		return nil
	}
	if ra := resp.GetHeader("Retry-After"); ra != "" {
		m.Logger.Debug("server requested backoff", "url", req.URL, "retryAfter", ra)
	}
	return nil
}

// MetricsMiddleware captures request counts, error counts, and cumulative
// response time, and forwards observations to an optional Prometheus
// collector.
type MetricsMiddleware struct {
	NopMiddleware
	collector *MetricsCollector

	totalRequests   int64
	errorCount      int64
	totalRespTimeNs int64
}

// MiddlewareMetrics is a snapshot of the counters kept by MetricsMiddleware.
type MiddlewareMetrics struct {
	TotalRequests     int64
	ErrorCount        int64
	TotalResponseTime time.Duration
}

// NewMetricsMiddleware creates a metrics middleware; collector may be nil.
func NewMetricsMiddleware(collector *MetricsCollector) *MetricsMiddleware {
	return &MetricsMiddleware{collector: collector}
}

func (m *MetricsMiddleware) Before(ctx context.Context, req *Request) error {
	atomic.AddInt64(&m.totalRequests, 1)
	return nil
}

func (m *MetricsMiddleware) After(ctx context.Context, req *Request, resp *Response) error {
	atomic.AddInt64(&m.totalRespTimeNs, int64(resp.Elapsed))
	m.collector.RecordRequest(req.Method, endpointOf(req.URL), resp.StatusCode, resp.Elapsed)
	return nil
}

func (m *MetricsMiddleware) OnError(ctx context.Context, req *Request, err error) (*Response, error) {
	atomic.AddInt64(&m.errorCount, 1)
	m.collector.RecordError(errorTypeOf(err), req.Method, endpointOf(req.URL))
	return nil, err
}

// Snapshot returns the counters accumulated so far.
func (m *MetricsMiddleware) Snapshot() MiddlewareMetrics {
	return MiddlewareMetrics{
		TotalRequests:     atomic.LoadInt64(&m.totalRequests),
		ErrorCount:        atomic.LoadInt64(&m.errorCount),
		TotalResponseTime: time.Duration(atomic.LoadInt64(&m.totalRespTimeNs)),
	}
}

// InterceptorMiddleware adapts caller-supplied functions into the chain. Nil
// functions are skipped.
type InterceptorMiddleware struct {
	OnRequest   func(ctx context.Context, req *Request) error
	OnResponse  func(ctx context.Context, req *Request, resp *Response) error
	OnErrorFunc func(ctx context.Context, req *Request, err error) (*Response, error)
}

func (m *InterceptorMiddleware) Before(ctx context.Context, req *Request) error {
	if m.OnRequest == nil {
		return nil
	}
	return m.OnRequest(ctx, req)
}

func (m *InterceptorMiddleware) After(ctx context.Context, req *Request, resp *Response) error {
	if m.OnResponse == nil {
		return nil
	}
	return m.OnResponse(ctx, req, resp)
}

func (m *InterceptorMiddleware) OnError(ctx context.Context, req *Request, err error) (*Response, error) {
	if m.OnErrorFunc == nil {
		return nil, err
	}
	return m.OnErrorFunc(ctx, req, err)
}

// Context plumbing shared by the executor and middleware.
type contextKey string

const (
	attemptContextKey   contextKey = "ultrafast_attempt"
	requestIDContextKey contextKey = "ultrafast_request_id"
)

func contextWithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptContextKey, attempt)
}

func attemptFromContext(ctx context.Context) int {
	if attempt, ok := ctx.Value(attemptContextKey).(int); ok {
		return attempt
	}
	return 0
}

func contextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDContextKey, id)
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDContextKey).(string); ok {
		return id
	}
	return ""
}

func errorTypeOf(err error) string {
	ce := classifyError(err)
	return string(ce.Type)
}
