package ultrafast

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"
)

// Do executes the request through the full pipeline: admission, protocol
// resolution, connection acquisition, middleware, send, and retry. The
// returned envelope is owned by the caller.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if c.validationError != nil {
		return nil, &ClientError{
			Type:      ErrorTypeConfig,
			Message:   "client configuration is invalid",
			Cause:     c.validationError,
			Timestamp: time.Now(),
		}
	}
	if req.jsonErr != nil {
		return nil, req.jsonErr
	}

	parsed, err := url.Parse(req.URL)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return nil, &ClientError{
			Type:      ErrorTypeConfig,
			Message:   "request URL must be absolute",
			Cause:     err,
			URL:       req.URL,
			Timestamp: time.Now(),
		}
	}
	if req.Headers == nil {
		req.Headers = http.Header{}
	}

	var requestID string
	if c.debug != nil && c.debug.Enabled && c.debug.RequestIDGen != nil {
		requestID = c.debug.RequestIDGen()
	}
	ctx = contextWithRequestID(ctx, requestID)

	// The total timeout bounds the whole call including retries; retries do
	// not reset the clock.
	total := c.timeouts.Total
	if req.Timeout > 0 {
		total = req.Timeout
	}
	if total > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, total)
		defer cancel()
	}

	endpoint := endpointOf(req.URL)
	start := time.Now()

	if c.debugEnabled(c.debug.LogRequests) {
		c.logger.Debug("starting request", "requestID", requestID, "method", req.Method, "url", req.URL)
	}
	c.metrics.RecordRequestStart(req.Method, endpoint)
	defer c.metrics.RecordRequestEnd(req.Method, endpoint)

	resp, err := c.runStateMachine(ctx, req, parsed, requestID, start)

	duration := time.Since(start)
	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
	}
	c.metrics.RecordRequest(req.Method, endpoint, statusCode, duration)
	c.metrics.RecordPoolStats(c.pool.Stats())

	if err != nil {
		c.metrics.RecordError(errorTypeOf(err), req.Method, endpoint)
		return resp, err
	}
	if c.raiseForStatus {
		if statusErr := resp.RaiseForStatus(); statusErr != nil {
			return resp, statusErr
		}
	}
	return resp, nil
}

// DoAsync runs Do as an independently scheduled unit of work and delivers the
// outcome on the returned channel. Decision logic is identical to Do.
func (c *Client) DoAsync(ctx context.Context, req *Request) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		resp, err := c.Do(ctx, req)
		out <- Result{Response: resp, Err: err}
		close(out)
	}()
	return out
}

// runStateMachine loops attempts until success, a terminal error, or retry
// exhaustion. Every loop iteration re-enters the full pipeline: fresh
// admission, fresh negotiation, fresh connection acquisition.
func (c *Client) runStateMachine(ctx context.Context, req *Request, parsed *url.URL, requestID string, start time.Time) (*Response, error) {
	host, port := hostPortOf(parsed)
	endpoint := endpointOf(req.URL)

	attempt := 1
	for {
		attemptCtx := contextWithAttempt(ctx, attempt)

		if attempt > 1 {
			if c.debugEnabled(c.debug.LogRetries) {
				c.logger.Info("retry attempt", "requestID", requestID, "attempt", attempt, "maxRetries", c.retryConfig.MaxRetries)
			}
			c.metrics.RecordRetry(req.Method, endpoint, attempt)
		}

		// AdmissionCheck
		if err := c.admit(attemptCtx, host, requestID, req, attempt, start); err != nil {
			return nil, err
		}

		var breaker *CircuitBreaker
		if c.breakers != nil {
			breaker = c.breakers.ForHost(host)
			if !breaker.Allow() {
				return nil, c.createClientError(ErrorTypeConnection, "circuit breaker is open", ErrCircuitOpen, requestID, req, attempt, time.Since(start))
			}
		}

		resp, bodySent, err := c.attemptOnce(attemptCtx, req, parsed, host, port, requestID)
		if breaker != nil {
			if err != nil || (resp != nil && resp.StatusCode >= 500) {
				breaker.RecordFailure()
			} else {
				breaker.RecordSuccess()
			}
		}

		// RetryDecision
		retryResp, retry, retryErr := c.decideRetry(attemptCtx, req, resp, err, attempt, bodySent, requestID, start)
		if !retry {
			return retryResp, retryErr
		}
		attempt++
	}
}

// admit consults the rate limiter and honors a delayed admission without
// busy-waiting. Rejection surfaces as a RateLimitError.
func (c *Client) admit(ctx context.Context, host, requestID string, req *Request, attempt int, start time.Time) error {
	admission := c.limiter.AdmitHost(host)
	switch admission.Decision {
	case AdmissionRejected:
		if c.debugEnabled(c.debug.LogRateLimit) {
			c.logger.Warn("rate limit rejected request", "requestID", requestID, "host", host)
		}
		c.metrics.RecordRateLimitRejection(host)
		err := c.createClientError(ErrorTypeRateLimit, "rate limit exceeded", ErrRateLimitExceeded, requestID, req, attempt, time.Since(start))
		return err
	case AdmissionDelayed:
		if c.debugEnabled(c.debug.LogRateLimit) {
			c.logger.Debug("rate limit delaying request", "requestID", requestID, "host", host, "delay", admission.Delay)
		}
		c.metrics.RecordRateLimitDelay(host)
		if err := sleepContext(ctx, admission.Delay); err != nil {
			return c.createClientError(ErrorTypeTimeout, "canceled while awaiting rate limit admission", err, requestID, req, attempt, time.Since(start))
		}
	}
	return nil
}

// attemptOnce runs one pass: protocol resolve, acquire, pre-middleware, send,
// await, post-middleware, release. The lease is released exactly once on
// every path. bodySent reports whether any request body bytes reached the
// wire, which gates non-idempotent retries.
func (c *Client) attemptOnce(ctx context.Context, req *Request, parsed *url.URL, host, port string, requestID string) (*Response, bool, error) {
	// ProtocolResolve
	candidates := c.negotiator.CandidateChain(host)
	_, cached := c.negotiator.Cached(host)

	// Cleartext targets can only speak HTTP/2 with prior knowledge and can
	// never speak HTTP/3, so those versions are dropped from the chain.
	if parsed.Scheme == "http" {
		filtered := candidates[:0]
		for _, v := range candidates {
			if v == VersionHTTP3 {
				continue
			}
			if v == VersionHTTP2 && !c.protocolConfig.HTTP2PriorKnowledge {
				continue
			}
			filtered = append(filtered, v)
		}
		candidates = filtered
		if len(candidates) == 0 {
			candidates = []HTTPVersion{VersionHTTP1}
		}
	}

	// PreMiddleware
	attemptReq := req.Clone()
	if err := c.applyAuth(ctx, attemptReq); err != nil {
		return nil, false, err
	}
	c.applyCompression(attemptReq)
	if err := c.chain.RunBefore(ctx, attemptReq); err != nil {
		resp, rerr := c.chain.RunOnError(ctx, attemptReq, err)
		return resp, false, rerr
	}

	// ConnectionAcquire and Send, walking the fallback chain. Transports dial
	// lazily, so a version mismatch may only surface at send time; falling to
	// the next candidate is safe as long as no body bytes reached the wire.
	var lastErr error
	for i, candidate := range candidates {
		key := PoolKey{Host: host, Port: port, Protocol: candidate}
		lease, err := c.pool.Acquire(ctx, key)
		if err != nil {
			lastErr = err
			if c.debugEnabled(c.debug.LogProtocol) {
				c.logger.Debug("protocol attempt failed", "requestID", requestID, "host", host, "version", candidate.String(), "error", err)
			}
			c.negotiator.RecordFailure(host)
			continue
		}

		resp, bodySent, sendErr := c.sendLeased(ctx, attemptReq, parsed, lease, candidate, requestID)
		if sendErr != nil {
			c.negotiator.RecordFailure(host)
			if !bodySent && i < len(candidates)-1 && ctx.Err() == nil {
				if c.debugEnabled(c.debug.LogProtocol) {
					c.logger.Debug("protocol attempt failed", "requestID", requestID, "host", host, "version", candidate.String(), "error", sendErr)
				}
				lastErr = sendErr
				continue
			}
			recovered, rerr := c.chain.RunOnError(ctx, attemptReq, sendErr)
			return recovered, bodySent, rerr
		}
		c.negotiator.RecordSuccess(host, candidate)
		c.metrics.RecordNegotiation(host, candidate.String(), cached)

		// PostMiddleware
		if err := c.chain.RunAfter(ctx, attemptReq, resp); err != nil {
			recovered, rerr := c.chain.RunOnError(ctx, attemptReq, err)
			return recovered, bodySent, rerr
		}
		return resp, bodySent, nil
	}

	if lastErr == nil {
		lastErr = ErrFallbackExhausted
	}
	return nil, false, &ClientError{
		Type:      ErrorTypeProtocol,
		Message:   "no protocol in the fallback chain could connect",
		Cause:     lastErr,
		RequestID: requestID,
		Method:    req.Method,
		URL:       req.URL,
		Timestamp: time.Now(),
	}
}

// sendLeased sends over the leased transport, releasing the lease exactly
// once: back to the pool on success, closed on failure.
func (c *Client) sendLeased(ctx context.Context, req *Request, parsed *url.URL, lease *Lease, version HTTPVersion, requestID string) (*Response, bool, error) {
	healthy := false
	defer func() { lease.Release(healthy) }()

	resp, bodySent, err := c.send(ctx, req, parsed, lease, version, requestID)
	if err != nil {
		return nil, bodySent, err
	}
	healthy = true
	return resp, bodySent, nil
}

// send issues the wire request over the leased transport and materializes the
// response envelope.
func (c *Client) send(ctx context.Context, req *Request, parsed *url.URL, lease *Lease, version HTTPVersion, requestID string) (*Response, bool, error) {
	target := *parsed
	if len(req.Params) > 0 {
		query := target.Query()
		for k, vs := range req.Params {
			for _, v := range vs {
				query.Add(k, v)
			}
		}
		target.RawQuery = query.Encode()
	}

	var counter *countingReader
	var body io.Reader
	if len(req.Body) > 0 {
		counter = &countingReader{r: bytes.NewReader(req.Body)}
		body = counter
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, false, &ClientError{
			Type:      ErrorTypeConfig,
			Message:   "failed to build wire request",
			Cause:     err,
			RequestID: requestID,
			Method:    req.Method,
			URL:       req.URL,
			Timestamp: time.Now(),
		}
	}
	for k, vs := range req.Headers {
		httpReq.Header[k] = vs
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", defaultUserAgent())
	}
	if len(req.Body) > 0 {
		httpReq.ContentLength = int64(len(req.Body))
		httpReq.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(req.Body)), nil
		}
	}

	attemptStart := time.Now()
	httpResp, err := lease.Transport().RoundTrip(httpReq)
	bodySent := counter != nil && counter.count() > 0
	if err != nil {
		ce := classifyError(err)
		ce.RequestID = requestID
		ce.Method = req.Method
		ce.URL = req.URL
		ce.Duration = time.Since(attemptStart)
		return nil, bodySent, ce
	}
	firstByte := time.Since(attemptStart)
	// A response implies the full request, body included, was written.
	if counter != nil {
		bodySent = true
	}

	content, err := io.ReadAll(httpResp.Body)
	closeErr := httpResp.Body.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		ce := classifyError(err)
		ce.RequestID = requestID
		ce.Method = req.Method
		ce.URL = req.URL
		ce.StatusCode = httpResp.StatusCode
		ce.Duration = time.Since(attemptStart)
		return nil, bodySent, ce
	}

	elapsed := time.Since(attemptStart)
	protocol := httpResp.Proto
	if protocol == "" {
		protocol = version.String()
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Content:    content,
		URL:        target.String(),
		Protocol:   protocol,
		Elapsed:    elapsed,
		Timing: Timing{
			Start:     attemptStart,
			FirstByte: firstByte,
			Total:     elapsed,
		},
		RequestID: requestID,
	}, true, nil
}

// decideRetry applies the retry policy, the non-idempotent body-sent rule,
// and the retry budget, sleeping the computed backoff when a retry is due.
func (c *Client) decideRetry(ctx context.Context, req *Request, resp *Response, err error, attempt int, bodySent bool, requestID string, start time.Time) (*Response, bool, error) {
	if err == nil && resp != nil && !c.retryableStatus(resp.StatusCode) {
		return resp, false, nil
	}

	delay, shouldRetry := c.retryPolicy.ShouldRetry(req, resp, err, attempt)

	// Non-idempotent requests are only retried when the failure happened
	// before any body bytes were written, so side effects never run twice.
	if shouldRetry && bodySent && !DefaultIsIdempotent(req.Method) {
		shouldRetry = false
	}

	if shouldRetry && c.retryBudget != nil && !c.retryBudget.Allow() {
		if c.debugEnabled(c.debug.LogRetries) {
			c.logger.Warn("retry budget exceeded", "requestID", requestID, "url", req.URL)
		}
		shouldRetry = false
	}

	if !shouldRetry {
		if err != nil {
			return nil, false, err
		}
		return resp, false, nil
	}

	if c.debugEnabled(c.debug.LogRetries) {
		c.logger.Info("scheduling retry", "requestID", requestID, "attempt", attempt+1, "backoff", delay)
	}
	if sleepErr := sleepContext(ctx, delay); sleepErr != nil {
		timeoutErr := c.createClientError(ErrorTypeTimeout, "total timeout elapsed during retry backoff", sleepErr, requestID, req, attempt, time.Since(start))
		return nil, false, timeoutErr
	}
	return nil, true, nil
}

func (c *Client) retryableStatus(status int) bool {
	for _, code := range c.retryConfig.RetryStatusCodes {
		if status == code {
			return true
		}
	}
	return false
}

// applyCompression advertises the configured codings unless the caller set
// Accept-Encoding explicitly.
func (c *Client) applyCompression(req *Request) {
	if req.Headers.Get("Accept-Encoding") != "" {
		return
	}
	if accept := c.compression.AcceptEncoding(); accept != "" {
		req.Headers.Set("Accept-Encoding", accept)
	}
}

// sleepContext waits for d or until the context is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// countingReader tracks how many body bytes were handed to the transport.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	atomic.AddInt64(&cr.n, int64(n))
	return n, err
}

func (cr *countingReader) count() int64 {
	return atomic.LoadInt64(&cr.n)
}
