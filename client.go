package ultrafast

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a resilient HTTP client that layers protocol negotiation,
// connection pooling, retries, rate limiting, middleware and metrics around
// every call. It is safe for concurrent use.
type Client struct {
	retryConfig     RetryConfig
	timeouts        TimeoutConfig
	poolConfig      PoolConfig
	protocolConfig  ProtocolConfig
	rateLimitConfig RateLimitConfig
	sslConfig       SSLConfig
	compression     CompressionConfig
	proxy           *ProxyConfig

	pool       *ConnectionPool
	negotiator *ProtocolNegotiator
	limiter    *rateLimiterRegistry
	breakers   *circuitBreakerRegistry

	retryPolicy RetryPolicy
	retryBudget *RetryBudget

	chain *MiddlewareChain
	auth  *AuthConfig

	metrics *MetricsCollector
	debug   *DebugConfig
	logger  Logger

	raiseForStatus  bool
	validationError error
}

// New constructs a Client using the provided functional options. A best effort
// validation is performed; call IsValid / ValidationError for errors.
func New(options ...Option) *Client {
	client := &Client{
		retryConfig:     DefaultRetryConfig(),
		timeouts:        DefaultTimeoutConfig(),
		poolConfig:      DefaultPoolConfig(),
		protocolConfig:  DefaultProtocolConfig(),
		rateLimitConfig: DefaultRateLimitConfig(),
		sslConfig:       DefaultSSLConfig(),
		compression:     DefaultCompressionConfig(),
		chain:           NewMiddlewareChain(),
		debug:           DefaultDebugConfig(),
	}
	client.debug.Enabled = false

	for _, option := range options {
		option(client)
	}

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}

	if client.retryPolicy == nil {
		client.retryPolicy = NewDefaultRetryPolicy(client.retryConfig)
	}
	client.negotiator = NewProtocolNegotiator(client.protocolConfig, client.sslConfig, client.proxy, client.timeouts)
	client.pool = NewConnectionPool(client.poolConfig, client.negotiator.Dialer())
	client.limiter = newRateLimiterRegistry(client.rateLimitConfig)

	return client
}

// Get performs an HTTP GET.
func (c *Client) Get(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, NewRequest(http.MethodGet, url, opts...))
}

// Post performs an HTTP POST.
func (c *Client) Post(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, NewRequest(http.MethodPost, url, opts...))
}

// Put performs an HTTP PUT.
func (c *Client) Put(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, NewRequest(http.MethodPut, url, opts...))
}

// Patch performs an HTTP PATCH.
func (c *Client) Patch(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, NewRequest(http.MethodPatch, url, opts...))
}

// Delete performs an HTTP DELETE.
func (c *Client) Delete(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, NewRequest(http.MethodDelete, url, opts...))
}

// Head performs an HTTP HEAD.
func (c *Client) Head(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, NewRequest(http.MethodHead, url, opts...))
}

// Options performs an HTTP OPTIONS.
func (c *Client) Options(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, NewRequest(http.MethodOptions, url, opts...))
}

// NewRequest builds a Request from a method, URL and per-call options.
func NewRequest(method, url string, opts ...RequestOption) *Request {
	req := &Request{
		Method:  method,
		URL:     url,
		Headers: http.Header{},
	}
	for _, opt := range opts {
		opt(req)
	}
	return req
}

// Use appends middleware to the client's chain. Hooks run in the order they
// were added, for requests and responses alike.
func (c *Client) Use(m Middleware) {
	c.chain.Use(m)
}

// Pool exposes pool statistics for observability.
func (c *Client) Pool() PoolStats {
	return c.pool.Stats()
}

// Close releases idle pooled connections.
func (c *Client) Close() {
	c.pool.Close()
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

// ValidateConfigurationStrict panics if configuration is invalid.
func (c *Client) ValidateConfigurationStrict() {
	if err := c.ValidateConfiguration(); err != nil {
		panic(fmt.Sprintf("invalid client configuration: %v", err))
	}
}

func (c *Client) createClientError(errorType ErrorType, message string, cause error, requestID string, req *Request, attempt int, duration time.Duration) *ClientError {
	return &ClientError{
		Type:       errorType,
		Message:    message,
		Cause:      cause,
		RequestID:  requestID,
		Method:     req.Method,
		URL:        req.URL,
		Attempt:    attempt,
		MaxRetries: c.retryConfig.MaxRetries,
		Timestamp:  time.Now(),
		Duration:   duration,
		Endpoint:   endpointOf(req.URL),
	}
}

// endpointOf reduces a URL to host+path for metric labels.
func endpointOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}

	var builder strings.Builder
	builder.WriteString(u.Host)
	if u.Path != "" && u.Path != "/" {
		builder.WriteString(u.Path)
	} else {
		builder.WriteByte('/')
	}
	return builder.String()
}

// hostPortOf splits a parsed URL into pool key components, defaulting the
// port from the scheme.
func hostPortOf(u *url.URL) (host, port string) {
	host = u.Hostname()
	port = u.Port()
	if port == "" {
		if u.Scheme == "https" || u.Scheme == "wss" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return host, port
}

func (c *Client) debugEnabled(flag bool) bool {
	return c.debug != nil && c.debug.Enabled && flag && c.logger != nil
}
