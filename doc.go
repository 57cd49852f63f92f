// Package ultrafast provides a resilient HTTP client with composable reliability primitives:
//
//   - Protocol negotiation (HTTP/1.1, HTTP/2) with per-host caching and configurable fallback chains
//   - Connection pooling with exclusive leases, idle timeouts and per-host caps
//   - Retries with exponential backoff + jitter and Retry-After awareness
//   - Rate limiting (token bucket, leaky bucket, fixed window, sliding window), per host or shared
//   - Middleware chain for cross-cutting concerns (auth, logging, tracing, etc.)
//   - Sessions with base URL resolution, default headers, auth and cookie persistence
//   - Streaming via Server-Sent Events and WebSockets with automatic reconnection
//   - Prometheus metrics and lightweight structured debug logging
//
// Design goals:
//   - Small surface area – functional options configure everything
//   - Zero allocations on hot paths where practical
//   - Safe concurrent use of a single *Client instance
//   - Extensibility via user supplied middleware & pluggable retry policies / metrics
//
// Typical usage:
//
//	client := ultrafast.New(
//	    ultrafast.WithMaxRetries(3),
//	    ultrafast.WithRequestsPerSecond(10, 10),
//	    ultrafast.WithFallbackStrategy(ultrafast.FallbackHTTP2ToHTTP1),
//	)
//	resp, err := client.Get(ctx, "https://api.example.com/data")
//
// Only transient errors and configured status codes trigger retries by default; override with
// WithRetryPolicy. The library avoids opinionated logging: provide a Logger (e.g. via
// WithSimpleLogger) + enable debug flags selectively (WithDebug / WithDebugConfig) for insight
// without noise.
package ultrafast
