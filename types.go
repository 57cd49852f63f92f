package ultrafast

import (
	"net/http"
	"net/url"
	"time"
)

// Request describes one outbound call. It layers per-request overrides on top
// of client and session defaults and is treated as immutable once submitted,
// except for header annotation by middleware before the send.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Params  url.Values
	Body    []byte

	// Timeout overrides the client's total timeout for this call, retries
	// included. Zero means use the client default.
	Timeout time.Duration

	// jsonErr holds a deferred body-marshal failure, surfaced at execution.
	jsonErr error
}

// Clone returns a deep copy safe for middleware mutation during one attempt.
func (r *Request) Clone() *Request {
	cp := *r
	cp.Headers = cloneHeader(r.Headers)
	if r.Params != nil {
		cp.Params = url.Values{}
		for k, vs := range r.Params {
			cp.Params[k] = append([]string(nil), vs...)
		}
	}
	return &cp
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	cp := make(http.Header, len(h))
	for k, vs := range h {
		cp[k] = append([]string(nil), vs...)
	}
	return cp
}

// Result carries the outcome of a non-blocking call.
type Result struct {
	Response *Response
	Err      error
}

// Option represents a client configuration option.
type Option func(*Client)

// RequestOption customizes a single verb call (Get, Post, ...).
type RequestOption func(*Request)

// WithHeaders merges headers into the request.
func WithHeaders(headers map[string]string) RequestOption {
	return func(r *Request) {
		if r.Headers == nil {
			r.Headers = http.Header{}
		}
		for k, v := range headers {
			r.Headers.Set(k, v)
		}
	}
}

// WithHeader sets one request header.
func WithHeader(name, value string) RequestOption {
	return func(r *Request) {
		if r.Headers == nil {
			r.Headers = http.Header{}
		}
		r.Headers.Set(name, value)
	}
}

// WithParams merges query parameters into the request URL.
func WithParams(params map[string]string) RequestOption {
	return func(r *Request) {
		if r.Params == nil {
			r.Params = url.Values{}
		}
		for k, v := range params {
			r.Params.Set(k, v)
		}
	}
}

// WithBody sets a raw request body.
func WithBody(body []byte) RequestOption {
	return func(r *Request) { r.Body = body }
}

// WithJSONBody marshals v as the request body and sets the content type.
// Marshal errors surface when the request executes.
func WithJSONBody(v interface{}) RequestOption {
	return func(r *Request) {
		body, err := marshalJSON(v)
		if err != nil {
			// Deferred to execution so verb signatures stay one-valued.
			r.Body = nil
			r.jsonErr = err
			return
		}
		if r.Headers == nil {
			r.Headers = http.Header{}
		}
		r.Headers.Set("Content-Type", "application/json")
		r.Body = body
	}
}

// WithFormBody encodes fields as application/x-www-form-urlencoded.
func WithFormBody(fields map[string]string) RequestOption {
	return func(r *Request) {
		form := url.Values{}
		for k, v := range fields {
			form.Set(k, v)
		}
		if r.Headers == nil {
			r.Headers = http.Header{}
		}
		r.Headers.Set("Content-Type", "application/x-www-form-urlencoded")
		r.Body = []byte(form.Encode())
	}
}

// WithRequestTimeout overrides the total timeout for this call.
func WithRequestTimeout(d time.Duration) RequestOption {
	return func(r *Request) { r.Timeout = d }
}
