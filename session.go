package ultrafast

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"
)

// Session layers a base URL, default headers, credentials, scratch data, and
// an optional cookie jar over one client. Sessions are independent: scratch
// data and cookies never leak between them. Safe for concurrent use.
type Session struct {
	client         *Client
	baseURL        *url.URL
	defaultHeaders http.Header
	auth           *AuthConfig

	mu   sync.RWMutex
	data map[string]string

	jar *cookiejar.Jar
}

// SessionOption configures a Session at construction.
type SessionOption func(*Session) error

// WithBaseURL resolves relative request paths against base.
func WithBaseURL(base string) SessionOption {
	return func(s *Session) error {
		u, err := url.Parse(base)
		if err != nil || !u.IsAbs() {
			return &ClientError{Type: ErrorTypeConfig, Message: "base URL must be absolute", Cause: err, URL: base, Timestamp: time.Now()}
		}
		s.baseURL = u
		return nil
	}
}

// WithSessionHeaders sets default headers applied to requests that do not
// already carry them.
func WithSessionHeaders(headers map[string]string) SessionOption {
	return func(s *Session) error {
		for k, v := range headers {
			if err := validateHeader(k, v); err != nil {
				return err
			}
			s.defaultHeaders.Set(k, v)
		}
		return nil
	}
}

// WithSessionAuth attaches credentials applied before the client's own.
func WithSessionAuth(auth *AuthConfig) SessionOption {
	return func(s *Session) error {
		s.auth = auth
		return nil
	}
}

// WithPersistCookies enables the session cookie jar.
func WithPersistCookies() SessionOption {
	return func(s *Session) error {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return err
		}
		s.jar = jar
		return nil
	}
}

// NewSession creates a session over the client.
func NewSession(client *Client, opts ...SessionOption) (*Session, error) {
	s := &Session{
		client:         client,
		defaultHeaders: http.Header{},
		data:           make(map[string]string),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ResolveURL joins a relative path with the session base URL. Absolute URLs
// override the base entirely.
func (s *Session) ResolveURL(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", &ClientError{Type: ErrorTypeConfig, Message: "invalid request URL", Cause: err, URL: target, Timestamp: time.Now()}
	}
	if u.IsAbs() {
		return target, nil
	}
	if s.baseURL == nil {
		return "", &ClientError{Type: ErrorTypeConfig, Message: "relative URL requires a session base URL", URL: target, Timestamp: time.Now()}
	}
	return s.baseURL.ResolveReference(u).String(), nil
}

// Do executes a request with session defaults applied.
func (s *Session) Do(ctx context.Context, req *Request) (*Response, error) {
	resolved, err := s.ResolveURL(req.URL)
	if err != nil {
		return nil, err
	}
	req = req.Clone()
	req.URL = resolved

	for name, values := range s.defaultHeaders {
		if req.Headers.Get(name) == "" {
			for _, v := range values {
				req.Headers.Add(name, v)
			}
		}
	}

	if s.auth != nil {
		if err := s.auth.Apply(ctx, req); err != nil {
			return nil, err
		}
	}

	if s.jar != nil {
		if u, err := url.Parse(resolved); err == nil {
			for _, cookie := range s.jar.Cookies(u) {
				req.Headers.Add("Cookie", cookie.String())
			}
		}
	}

	resp, doErr := s.client.Do(ctx, req)

	if s.jar != nil && resp != nil {
		if u, err := url.Parse(resp.URL); err == nil {
			setCookies := (&http.Response{Header: resp.Headers}).Cookies()
			if len(setCookies) > 0 {
				s.jar.SetCookies(u, setCookies)
			}
		}
	}

	return resp, doErr
}

// Get performs a session-scoped GET.
func (s *Session) Get(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return s.Do(ctx, NewRequest(http.MethodGet, url, opts...))
}

// Post performs a session-scoped POST.
func (s *Session) Post(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return s.Do(ctx, NewRequest(http.MethodPost, url, opts...))
}

// Put performs a session-scoped PUT.
func (s *Session) Put(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return s.Do(ctx, NewRequest(http.MethodPut, url, opts...))
}

// Patch performs a session-scoped PATCH.
func (s *Session) Patch(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return s.Do(ctx, NewRequest(http.MethodPatch, url, opts...))
}

// Delete performs a session-scoped DELETE.
func (s *Session) Delete(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return s.Do(ctx, NewRequest(http.MethodDelete, url, opts...))
}

// Head performs a session-scoped HEAD.
func (s *Session) Head(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return s.Do(ctx, NewRequest(http.MethodHead, url, opts...))
}

// Options performs a session-scoped OPTIONS.
func (s *Session) Options(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return s.Do(ctx, NewRequest(http.MethodOptions, url, opts...))
}

// SetData stores a scratch value on the session.
func (s *Session) SetData(key, value string) {
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
}

// GetData returns a scratch value and whether it exists.
func (s *Session) GetData(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// RemoveData deletes one scratch value.
func (s *Session) RemoveData(key string) {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
}

// ClearData deletes all scratch values.
func (s *Session) ClearData() {
	s.mu.Lock()
	s.data = make(map[string]string)
	s.mu.Unlock()
}

// SetCookie stores a cookie against the session base URL. No-op without a
// jar or base URL.
func (s *Session) SetCookie(name, value string) {
	if s.jar == nil || s.baseURL == nil {
		return
	}
	s.jar.SetCookies(s.baseURL, []*http.Cookie{{Name: name, Value: value}})
}

// Cookies returns the jar's cookies for the base URL.
func (s *Session) Cookies() []*http.Cookie {
	if s.jar == nil || s.baseURL == nil {
		return nil
	}
	return s.jar.Cookies(s.baseURL)
}
