package ultrafast

import (
	"fmt"
	"time"
)

// WithRetryConfig replaces the retry settings.
func WithRetryConfig(config RetryConfig) Option {
	return func(c *Client) {
		c.retryConfig = config
	}
}

// WithMaxRetries sets the maximum number of retry attempts.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.retryConfig.MaxRetries = n
	}
}

// WithInitialDelay sets the first retry delay.
func WithInitialDelay(d time.Duration) Option {
	return func(c *Client) {
		c.retryConfig.InitialDelay = d
	}
}

// WithMaxDelay caps the retry delay.
func WithMaxDelay(d time.Duration) Option {
	return func(c *Client) {
		c.retryConfig.MaxDelay = d
	}
}

// WithBackoffFactor sets the delay growth factor between attempts.
func WithBackoffFactor(f float64) Option {
	return func(c *Client) {
		c.retryConfig.BackoffFactor = f
	}
}

// WithJitter sets the jitter fraction applied to retry delays (0.0 to 1.0).
func WithJitter(f float64) Option {
	return func(c *Client) {
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		c.retryConfig.Jitter = f
	}
}

// WithRetryPolicy sets a custom retry decision policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) {
		c.retryPolicy = policy
	}
}

// WithRetryBudget caps retries per sliding window across all requests.
func WithRetryBudget(maxRetries int, perWindow time.Duration) Option {
	return func(c *Client) {
		c.retryBudget = NewRetryBudget(maxRetries, perWindow)
	}
}

// WithTimeoutConfig replaces the per-phase timeout settings.
func WithTimeoutConfig(config TimeoutConfig) Option {
	return func(c *Client) {
		c.timeouts = config
	}
}

// WithTimeout sets the total request timeout, retries included.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeouts.Total = d
	}
}

// WithConnectTimeout bounds connection establishment.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeouts.Connect = d
	}
}

// WithPoolConfig replaces the connection pool settings.
func WithPoolConfig(config PoolConfig) Option {
	return func(c *Client) {
		c.poolConfig = config
	}
}

// WithProtocolConfig replaces the protocol negotiation settings.
func WithProtocolConfig(config ProtocolConfig) Option {
	return func(c *Client) {
		c.protocolConfig = config
	}
}

// WithPreferredVersion pins the preferred protocol version.
func WithPreferredVersion(v HTTPVersion) Option {
	return func(c *Client) {
		c.protocolConfig.PreferredVersion = v
	}
}

// WithFallbackStrategy sets the protocol downgrade chain.
func WithFallbackStrategy(s FallbackStrategy) Option {
	return func(c *Client) {
		c.protocolConfig.FallbackStrategy = s
	}
}

// WithRateLimit replaces the rate limiter settings and enables it.
func WithRateLimit(config RateLimitConfig) Option {
	return func(c *Client) {
		config.Enabled = true
		c.rateLimitConfig = config
	}
}

// WithRequestsPerSecond enables a token bucket limiter at the given rate.
func WithRequestsPerSecond(rps float64, burst int) Option {
	return func(c *Client) {
		c.rateLimitConfig.Enabled = true
		c.rateLimitConfig.RequestsPerSecond = rps
		c.rateLimitConfig.BurstSize = burst
	}
}

// WithSSLConfig replaces the TLS settings.
func WithSSLConfig(config SSLConfig) Option {
	return func(c *Client) {
		c.sslConfig = config
	}
}

// WithInsecureSkipVerify disables certificate verification. Test use only.
func WithInsecureSkipVerify() Option {
	return func(c *Client) {
		c.sslConfig.Verify = false
	}
}

// WithCompression replaces the Accept-Encoding settings.
func WithCompression(config CompressionConfig) Option {
	return func(c *Client) {
		c.compression = config
	}
}

// WithProxy routes requests through a forward proxy.
func WithProxy(proxyURL string, noProxy ...string) Option {
	return func(c *Client) {
		c.proxy = &ProxyConfig{URL: proxyURL, NoProxy: noProxy}
	}
}

// WithCircuitBreaker enables a circuit breaker around request execution.
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.breakers = newCircuitBreakerRegistry(config)
	}
}

// WithAuth sets client-level authentication applied to every request that
// does not already carry a credential.
func WithAuth(auth *AuthConfig) Option {
	return func(c *Client) {
		c.auth = auth
	}
}

// WithMiddleware adds middleware to the client.
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		for _, m := range middleware {
			c.chain.Use(m)
		}
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector.
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithRaiseForStatus makes Do return an HTTPStatusError for 4xx and 5xx
// responses instead of handing back the envelope alone.
func WithRaiseForStatus() Option {
	return func(c *Client) {
		c.raiseForStatus = true
	}
}

// WithDebug enables debug logging with default configuration.
func WithDebug() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
		if c.logger == nil {
			c.logger = NewSimpleLogger()
		}
	}
}

// WithDebugConfig sets custom debug configuration. A nil config keeps the
// current one so the debug field stays usable by the request path.
func WithDebugConfig(config *DebugConfig) Option {
	return func(c *Client) {
		if config == nil {
			return
		}
		c.debug = config
	}
}

// WithLogger sets a custom logger for debug output.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSimpleLogger enables debug logging with a simple console logger.
func WithSimpleLogger() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
		c.logger = NewSimpleLogger()
	}
}

// WithRequestIDGenerator sets a custom function for generating request IDs.
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.RequestIDGen = gen
	}
}

// ValidateConfiguration validates the client configuration and returns an
// error if invalid.
func (c *Client) ValidateConfiguration() error {
	var errors []string

	errors = append(errors, c.validateRetryConfig()...)
	errors = append(errors, c.validateTimeoutConfig()...)
	errors = append(errors, c.validatePoolConfig()...)
	errors = append(errors, c.validateProtocolConfig()...)
	errors = append(errors, c.validateRateLimitConfig()...)
	errors = append(errors, c.validateCircuitBreakerConfig()...)
	errors = append(errors, c.validateDebugConfig()...)
	errors = append(errors, c.validateMiddlewareConfig()...)
	errors = append(errors, c.validateExtremeValues()...)

	if len(errors) > 0 {
		return &ClientError{
			Type:      ErrorTypeConfig,
			Message:   "configuration validation failed",
			Cause:     fmt.Errorf("validation errors: %v", errors),
			Timestamp: time.Now(),
		}
	}

	return nil
}

// validateRetryConfig validates retry-related configuration
func (c *Client) validateRetryConfig() []string {
	var errors []string

	if c.retryConfig.MaxRetries < 0 {
		errors = append(errors, "maxRetries must be non-negative")
	}

	if c.retryConfig.InitialDelay <= 0 {
		errors = append(errors, "initialDelay must be positive")
	}

	if c.retryConfig.MaxDelay < c.retryConfig.InitialDelay {
		errors = append(errors, "maxDelay must be greater than or equal to initialDelay")
	}

	if c.retryConfig.BackoffFactor <= 0 {
		errors = append(errors, "backoffFactor must be positive")
	}

	// Note: jitter is clamped to [0,1] in WithJitter, so this validation
	// only catches values set directly on the struct
	if c.retryConfig.Jitter < 0 || c.retryConfig.Jitter > 1 {
		errors = append(errors, "jitter must be between 0 and 1")
	}

	for _, code := range c.retryConfig.RetryStatusCodes {
		if code < 100 || code > 599 {
			errors = append(errors, fmt.Sprintf("retry status code %d out of range", code))
		}
	}

	return errors
}

// validateTimeoutConfig validates timeout configuration
func (c *Client) validateTimeoutConfig() []string {
	var errors []string

	if c.timeouts.Connect <= 0 {
		errors = append(errors, "connect timeout must be positive")
	}
	if c.timeouts.Read <= 0 {
		errors = append(errors, "read timeout must be positive")
	}
	if c.timeouts.Write <= 0 {
		errors = append(errors, "write timeout must be positive")
	}
	if c.timeouts.Total <= 0 {
		errors = append(errors, "total timeout must be positive")
	}

	return errors
}

// validatePoolConfig validates connection pool configuration
func (c *Client) validatePoolConfig() []string {
	var errors []string

	if c.poolConfig.MaxIdleConnections < 0 {
		errors = append(errors, "maxIdleConnections must be non-negative")
	}
	if c.poolConfig.MaxIdlePerHost < 0 {
		errors = append(errors, "maxIdlePerHost must be non-negative")
	}
	if c.poolConfig.MaxIdlePerHost > c.poolConfig.MaxIdleConnections {
		errors = append(errors, "maxIdlePerHost must not exceed maxIdleConnections")
	}
	if c.poolConfig.IdleTimeout <= 0 {
		errors = append(errors, "idleTimeout must be positive")
	}
	if c.poolConfig.AcquireTimeout <= 0 {
		errors = append(errors, "acquireTimeout must be positive")
	}

	return errors
}

// validateProtocolConfig validates protocol negotiation configuration
func (c *Client) validateProtocolConfig() []string {
	var errors []string

	switch c.protocolConfig.PreferredVersion {
	case VersionAuto:
	case VersionHTTP1:
	case VersionHTTP2:
		if !c.protocolConfig.EnableHTTP2 {
			errors = append(errors, "preferred version HTTP/2 requires EnableHTTP2")
		}
	case VersionHTTP3:
		if !c.protocolConfig.EnableHTTP3 {
			errors = append(errors, "preferred version HTTP/3 requires EnableHTTP3")
		}
	default:
		errors = append(errors, "unknown preferred protocol version")
	}

	if c.protocolConfig.NegotiationCacheTTL < 0 {
		errors = append(errors, "negotiationCacheTTL must be non-negative")
	}

	return errors
}

// validateRateLimitConfig validates rate limiter configuration
func (c *Client) validateRateLimitConfig() []string {
	var errors []string

	if !c.rateLimitConfig.Enabled {
		return errors
	}

	if c.rateLimitConfig.RequestsPerSecond <= 0 {
		errors = append(errors, "requestsPerSecond must be positive when rate limiting is enabled")
	}
	if c.rateLimitConfig.BurstSize <= 0 {
		errors = append(errors, "burstSize must be positive when rate limiting is enabled")
	}
	switch c.rateLimitConfig.Algorithm {
	case AlgorithmTokenBucket, AlgorithmLeakyBucket, AlgorithmFixedWindow, AlgorithmSlidingWindow:
	default:
		errors = append(errors, fmt.Sprintf("unknown rate limit algorithm %q", c.rateLimitConfig.Algorithm))
	}
	if c.rateLimitConfig.QueueRequests && c.rateLimitConfig.MaxQueueSize <= 0 {
		errors = append(errors, "maxQueueSize must be positive when queueing is enabled")
	}

	return errors
}

// validateCircuitBreakerConfig validates circuit breaker configuration
func (c *Client) validateCircuitBreakerConfig() []string {
	var errors []string

	if c.breakers != nil {
		if c.breakers.config.FailureThreshold <= 0 {
			errors = append(errors, "circuitBreaker FailureThreshold must be positive")
		}
		if c.breakers.config.RecoveryTimeout <= 0 {
			errors = append(errors, "circuitBreaker RecoveryTimeout must be positive")
		}
		if c.breakers.config.SuccessThreshold <= 0 {
			errors = append(errors, "circuitBreaker SuccessThreshold must be positive")
		}
	}

	return errors
}

// validateDebugConfig validates debug configuration
func (c *Client) validateDebugConfig() []string {
	var errors []string

	if c.debug != nil && c.debug.Enabled {
		if c.debug.RequestIDGen == nil {
			errors = append(errors, "debug RequestIDGen must be set when debug is enabled")
		}
		if c.logger == nil {
			errors = append(errors, "logger must be set when debug is enabled")
		}
	}

	return errors
}

// validateMiddlewareConfig validates middleware configuration
func (c *Client) validateMiddlewareConfig() []string {
	var errors []string

	for i, m := range c.chain.middlewares {
		if m == nil {
			errors = append(errors, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}

	return errors
}

// validateExtremeValues validates that configuration values are within
// reasonable bounds
func (c *Client) validateExtremeValues() []string {
	var errors []string

	if c.retryConfig.MaxRetries > 100 {
		errors = append(errors, "maxRetries > 100 may cause excessive resource usage")
	}

	if c.retryConfig.InitialDelay > 10*time.Minute {
		errors = append(errors, "initialDelay > 10m may cause very long delays")
	}
	if c.retryConfig.MaxDelay > time.Hour {
		errors = append(errors, "maxDelay > 1h may cause extremely long delays")
	}

	if c.timeouts.Total > time.Hour {
		errors = append(errors, "total timeout > 1h may cause requests to hang for too long")
	}

	if c.rateLimitConfig.Enabled && c.rateLimitConfig.RequestsPerSecond > 1000000 {
		errors = append(errors, "requestsPerSecond > 1M may cause excessive CPU usage")
	}

	if c.poolConfig.MaxIdleConnections > 100000 {
		errors = append(errors, "maxIdleConnections > 100k may cause memory issues")
	}

	return errors
}
