package ultrafast

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newAuthRequest() *Request {
	return &Request{Method: http.MethodGet, URL: "https://api.example.com", Headers: http.Header{}}
}

func TestBasicAuthApply(t *testing.T) {
	auth := NewBasicAuth("u", "p")
	req := newAuthRequest()

	if err := auth.Apply(context.Background(), req); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := req.Headers.Get("Authorization"); got != "Basic dTpw" {
		t.Errorf("Authorization = %q, want %q", got, "Basic dTpw")
	}
}

func TestBearerAuthApply(t *testing.T) {
	req := newAuthRequest()
	if err := NewBearerAuth("tok-123").Apply(context.Background(), req); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := req.Headers.Get("Authorization"); got != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer tok-123")
	}

	if err := NewBearerAuth("").Apply(context.Background(), newAuthRequest()); err == nil {
		t.Error("an empty bearer token must be rejected")
	}
}

func TestAPIKeyAuthApply(t *testing.T) {
	req := newAuthRequest()
	if err := NewAPIKeyAuth("X-Api-Key", "secret").Apply(context.Background(), req); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := req.Headers.Get("X-Api-Key"); got != "secret" {
		t.Errorf("X-Api-Key = %q, want %q", got, "secret")
	}

	broken := &AuthConfig{Type: AuthAPIKey}
	if err := broken.Apply(context.Background(), newAuthRequest()); err == nil {
		t.Error("a missing header name must be rejected")
	}
}

func TestNilAuthIsNoop(t *testing.T) {
	var auth *AuthConfig
	req := newAuthRequest()
	if err := auth.Apply(context.Background(), req); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(req.Headers) != 0 {
		t.Errorf("headers = %v, want none", req.Headers)
	}
}

func TestOAuth2TokenExpiry(t *testing.T) {
	tests := []struct {
		name  string
		token *OAuth2Token
		want  bool
	}{
		{"nil token", nil, true},
		{"empty access token", &OAuth2Token{}, true},
		{"fresh", &OAuth2Token{AccessToken: "t", ExpiresIn: 3600, IssuedAt: time.Now()}, false},
		{"within skew", &OAuth2Token{AccessToken: "t", ExpiresIn: 60, IssuedAt: time.Now().Add(-40 * time.Second)}, true},
		{"expired", &OAuth2Token{AccessToken: "t", ExpiresIn: 60, IssuedAt: time.Now().Add(-2 * time.Minute)}, true},
		{"no expiry", &OAuth2Token{AccessToken: "t"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.token.IsExpired(); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func oauthTokenServer(t *testing.T, fetches *int64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if gt := r.PostFormValue("grant_type"); gt != "client_credentials" {
			t.Errorf("grant_type = %q", gt)
		}
		n := atomic.AddInt64(fetches, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"token-%d","token_type":"Bearer","expires_in":3600}`, n)
	}))
}

func TestOAuth2AppliesAndCachesToken(t *testing.T) {
	var fetches int64
	server := oauthTokenServer(t, &fetches)
	defer server.Close()

	auth := NewOAuth2Auth("client-id", "client-secret", server.URL, "read")

	req := newAuthRequest()
	if err := auth.Apply(context.Background(), req); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := req.Headers.Get("Authorization"); got != "Bearer token-1" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer token-1")
	}

	// A second apply reuses the cached token.
	if err := auth.Apply(context.Background(), newAuthRequest()); err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}
	if got := atomic.LoadInt64(&fetches); got != 1 {
		t.Errorf("token fetches = %d, want 1", got)
	}
}

func TestOAuth2RefreshesExpiredToken(t *testing.T) {
	var fetches int64
	server := oauthTokenServer(t, &fetches)
	defer server.Close()

	auth := NewOAuth2Auth("client-id", "client-secret", server.URL, "")
	auth.cachedToken = &OAuth2Token{
		AccessToken: "stale",
		ExpiresIn:   60,
		IssuedAt:    time.Now().Add(-2 * time.Minute),
	}

	req := newAuthRequest()
	if err := auth.Apply(context.Background(), req); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := req.Headers.Get("Authorization"); got != "Bearer token-1" {
		t.Errorf("Authorization = %q, want a refreshed token", got)
	}
	if got := atomic.LoadInt64(&fetches); got != 1 {
		t.Errorf("token fetches = %d, want 1", got)
	}
}

func TestOAuth2ConcurrentRefreshCoalesces(t *testing.T) {
	var fetches int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&fetches, 1)
		time.Sleep(30 * time.Millisecond)
		fmt.Fprint(w, `{"access_token":"shared","token_type":"Bearer","expires_in":3600}`)
	}))
	defer server.Close()

	auth := NewOAuth2Auth("client-id", "client-secret", server.URL, "")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := auth.Apply(context.Background(), newAuthRequest()); err != nil {
				t.Errorf("Apply() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&fetches); got != 1 {
		t.Errorf("token fetches = %d, concurrent refreshes must coalesce", got)
	}
}

func TestOAuth2TokenEndpointErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"rejection", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "not json")
		}},
		{"missing access token", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"token_type":"Bearer"}`)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			auth := NewOAuth2Auth("client-id", "client-secret", server.URL, "")
			err := auth.Apply(context.Background(), newAuthRequest())
			var clientErr *ClientError
			if !errors.As(err, &clientErr) || clientErr.Type != ErrorTypeAuth {
				t.Errorf("err = %v, want an AuthError", err)
			}
		})
	}
}

func TestApplyAuthRespectsExistingHeader(t *testing.T) {
	client := New(WithAuth(NewBasicAuth("client", "creds")))
	defer client.Close()

	req := newAuthRequest()
	req.Headers.Set("Authorization", "Bearer session-token")
	if err := client.applyAuth(context.Background(), req); err != nil {
		t.Fatalf("applyAuth() error = %v", err)
	}
	if got := req.Headers.Get("Authorization"); got != "Bearer session-token" {
		t.Errorf("Authorization = %q, an existing credential must not be replaced", got)
	}
}
