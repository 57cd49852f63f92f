package ultrafast

import "time"

// RetryConfig controls retry behavior for failed requests.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// RetryStatusCodes lists response statuses treated as retryable.
	RetryStatusCodes []int
	// Jitter randomizes delays to avoid thundering herds; fraction of the
	// computed delay, 0 disables.
	Jitter float64
}

// DefaultRetryConfig returns the standard retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:       3,
		InitialDelay:     time.Second,
		MaxDelay:         60 * time.Second,
		BackoffFactor:    2.0,
		RetryStatusCodes: []int{408, 429, 500, 502, 503, 504},
		Jitter:           0.5,
	}
}

// TimeoutConfig bounds each phase of a request. Total bounds the whole call
// including retries; retries do not reset it.
type TimeoutConfig struct {
	Connect time.Duration
	Read    time.Duration
	Write   time.Duration
	Total   time.Duration
}

// DefaultTimeoutConfig returns the standard timeouts.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Connect: 10 * time.Second,
		Read:    30 * time.Second,
		Write:   30 * time.Second,
		Total:   60 * time.Second,
	}
}

// PoolConfig controls idle connection retention.
type PoolConfig struct {
	MaxIdleConnections int
	MaxIdlePerHost     int
	IdleTimeout        time.Duration
	AcquireTimeout     time.Duration
}

// DefaultPoolConfig returns the standard pool limits.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConnections: 100,
		MaxIdlePerHost:     10,
		IdleTimeout:        90 * time.Second,
		AcquireTimeout:     30 * time.Second,
	}
}

// HTTPVersion selects an application-layer protocol version.
type HTTPVersion int

const (
	// VersionAuto defers to the fallback chain starting from the highest
	// enabled protocol.
	VersionAuto HTTPVersion = iota
	VersionHTTP1
	VersionHTTP2
	VersionHTTP3
)

// String returns the wire-style name of the version.
func (v HTTPVersion) String() string {
	switch v {
	case VersionHTTP1:
		return "HTTP/1.1"
	case VersionHTTP2:
		return "HTTP/2"
	case VersionHTTP3:
		return "HTTP/3"
	default:
		return "AUTO"
	}
}

// FallbackStrategy names the ordered protocol downgrade chain used when
// negotiation fails.
type FallbackStrategy int

const (
	FallbackHTTP1Only FallbackStrategy = iota
	FallbackHTTP2ToHTTP1
	FallbackHTTP3ToHTTP2ToHTTP1
)

// chain returns the strategy's protocol order, highest first.
func (s FallbackStrategy) chain() []HTTPVersion {
	switch s {
	case FallbackHTTP3ToHTTP2ToHTTP1:
		return []HTTPVersion{VersionHTTP3, VersionHTTP2, VersionHTTP1}
	case FallbackHTTP2ToHTTP1:
		return []HTTPVersion{VersionHTTP2, VersionHTTP1}
	default:
		return []HTTPVersion{VersionHTTP1}
	}
}

// ProtocolConfig controls protocol negotiation.
type ProtocolConfig struct {
	PreferredVersion HTTPVersion
	FallbackStrategy FallbackStrategy
	EnableHTTP2      bool
	EnableHTTP3      bool
	// HTTP2PriorKnowledge dials HTTP/2 over cleartext without upgrade.
	HTTP2PriorKnowledge bool
	// NegotiationCacheTTL bounds how long a per-host negotiation outcome is
	// trusted before renegotiating.
	NegotiationCacheTTL time.Duration
}

// DefaultProtocolConfig prefers HTTP/2 with fallback to HTTP/1.1.
func DefaultProtocolConfig() ProtocolConfig {
	return ProtocolConfig{
		PreferredVersion:    VersionAuto,
		FallbackStrategy:    FallbackHTTP2ToHTTP1,
		EnableHTTP2:         true,
		EnableHTTP3:         false,
		NegotiationCacheTTL: time.Hour,
	}
}

// RateLimitAlgorithm selects the admission algorithm.
type RateLimitAlgorithm string

const (
	AlgorithmTokenBucket   RateLimitAlgorithm = "token_bucket"
	AlgorithmLeakyBucket   RateLimitAlgorithm = "leaky_bucket"
	AlgorithmFixedWindow   RateLimitAlgorithm = "fixed_window"
	AlgorithmSlidingWindow RateLimitAlgorithm = "sliding_window"
)

// RateLimitConfig controls outbound traffic shaping.
type RateLimitConfig struct {
	Enabled           bool
	Algorithm         RateLimitAlgorithm
	RequestsPerSecond float64
	BurstSize         int
	// PerHost keys limiter state by target host instead of sharing one
	// limiter across all requests.
	PerHost bool
	// QueueRequests delays over-limit requests instead of rejecting them.
	QueueRequests bool
	MaxQueueSize  int
}

// DefaultRateLimitConfig returns a disabled limiter with sane knobs.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           false,
		Algorithm:         AlgorithmTokenBucket,
		RequestsPerSecond: 10,
		BurstSize:         10,
		PerHost:           true,
		QueueRequests:     true,
		MaxQueueSize:      100,
	}
}

// SSLConfig controls TLS verification for outbound connections.
type SSLConfig struct {
	Verify        bool
	CertFile      string
	KeyFile       string
	CABundle      string
	MinTLSVersion uint16
}

// DefaultSSLConfig verifies peer certificates.
func DefaultSSLConfig() SSLConfig {
	return SSLConfig{Verify: true}
}

// CompressionConfig controls the Accept-Encoding header sent with requests.
// Response decoding is handled by the transport.
type CompressionConfig struct {
	Enabled            bool
	Gzip               bool
	Deflate            bool
	Brotli             bool
	MinCompressionSize int
}

// DefaultCompressionConfig accepts gzip and deflate.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		Enabled:            true,
		Gzip:               true,
		Deflate:            true,
		Brotli:             false,
		MinCompressionSize: 1024,
	}
}

// AcceptEncoding renders the header value for the enabled codings, empty when
// compression is off.
func (c CompressionConfig) AcceptEncoding() string {
	if !c.Enabled {
		return ""
	}
	var parts []byte
	add := func(name string) {
		if len(parts) > 0 {
			parts = append(parts, ", "...)
		}
		parts = append(parts, name...)
	}
	if c.Gzip {
		add("gzip")
	}
	if c.Deflate {
		add("deflate")
	}
	if c.Brotli {
		add("br")
	}
	return string(parts)
}

// ProxyConfig routes requests through a forward proxy.
type ProxyConfig struct {
	URL     string
	NoProxy []string
}
