package ultrafast

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/techgopal/ultrafast-client/internal/singleflight"
)

// AuthType enumerates the supported credential schemes.
type AuthType int

const (
	AuthNone AuthType = iota
	AuthBasic
	AuthBearer
	AuthAPIKey
	AuthOAuth2
)

// OAuth2Token is a cached access token with its issue time. Expiry is checked
// before each use; refresh happens synchronously on the calling path.
type OAuth2Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	IssuedAt    time.Time
}

// IsExpired reports whether the token is past its lifetime, with a 30 second
// skew so tokens are refreshed before servers reject them.
func (t *OAuth2Token) IsExpired() bool {
	if t == nil || t.AccessToken == "" {
		return true
	}
	if t.ExpiresIn <= 0 {
		return false
	}
	lifetime := time.Duration(t.ExpiresIn)*time.Second - 30*time.Second
	return time.Since(t.IssuedAt) >= lifetime
}

// AuthConfig is the closed set of credential variants the engine attaches to
// requests. Safe for concurrent use by many in-flight calls.
type AuthConfig struct {
	Type AuthType

	// Basic
	Username string
	Password string

	// Bearer
	Token string

	// APIKey
	HeaderName  string
	HeaderValue string

	// OAuth2 client credentials
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scope        string

	mu          sync.RWMutex
	cachedToken *OAuth2Token
	refreshing  *singleflight.Group
	tokenClient *http.Client
}

// NewBasicAuth creates Basic credentials.
func NewBasicAuth(username, password string) *AuthConfig {
	return &AuthConfig{Type: AuthBasic, Username: username, Password: password}
}

// NewBearerAuth creates a static Bearer token credential.
func NewBearerAuth(token string) *AuthConfig {
	return &AuthConfig{Type: AuthBearer, Token: token}
}

// NewAPIKeyAuth sends a fixed header with each request.
func NewAPIKeyAuth(headerName, headerValue string) *AuthConfig {
	return &AuthConfig{Type: AuthAPIKey, HeaderName: headerName, HeaderValue: headerValue}
}

// NewOAuth2Auth creates client-credentials OAuth2 with on-path token refresh.
func NewOAuth2Auth(clientID, clientSecret, tokenURL, scope string) *AuthConfig {
	return &AuthConfig{
		Type:         AuthOAuth2,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scope:        scope,
		refreshing:   singleflight.New(),
		tokenClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Apply attaches the credential to the request, refreshing OAuth2 tokens if
// expired. Missing or unrefreshable credentials yield an AuthError.
func (a *AuthConfig) Apply(ctx context.Context, req *Request) error {
	if a == nil || a.Type == AuthNone {
		return nil
	}
	if req.Headers == nil {
		req.Headers = http.Header{}
	}

	switch a.Type {
	case AuthBasic:
		cred := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
		req.Headers.Set("Authorization", "Basic "+cred)
	case AuthBearer:
		if a.Token == "" {
			return &ClientError{Type: ErrorTypeAuth, Message: "bearer token is empty", Timestamp: time.Now()}
		}
		req.Headers.Set("Authorization", "Bearer "+a.Token)
	case AuthAPIKey:
		if a.HeaderName == "" {
			return &ClientError{Type: ErrorTypeAuth, Message: "api key header name is empty", Timestamp: time.Now()}
		}
		req.Headers.Set(a.HeaderName, a.HeaderValue)
	case AuthOAuth2:
		token, err := a.currentToken(ctx)
		if err != nil {
			return err
		}
		req.Headers.Set("Authorization", "Bearer "+token.AccessToken)
	}
	return nil
}

// currentToken returns the cached token, refreshing it when expired.
// Concurrent refreshes for the same credential coalesce into one fetch.
func (a *AuthConfig) currentToken(ctx context.Context) (*OAuth2Token, error) {
	a.mu.RLock()
	token := a.cachedToken
	a.mu.RUnlock()
	if !token.IsExpired() {
		return token, nil
	}

	val, err := a.refreshing.Do("token", func() (interface{}, error) {
		a.mu.RLock()
		cached := a.cachedToken
		a.mu.RUnlock()
		if !cached.IsExpired() {
			return cached, nil
		}

		fresh, err := a.fetchToken(ctx)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.cachedToken = fresh
		a.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return val.(*OAuth2Token), nil
}

func (a *AuthConfig) fetchToken(ctx context.Context) (*OAuth2Token, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", a.ClientID)
	form.Set("client_secret", a.ClientSecret)
	if a.Scope != "" {
		form.Set("scope", a.Scope)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &ClientError{Type: ErrorTypeAuth, Message: "invalid token URL", Cause: err, Timestamp: time.Now()}
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.tokenClient.Do(httpReq)
	if err != nil {
		return nil, &ClientError{Type: ErrorTypeAuth, Message: "token refresh request failed", Cause: err, Timestamp: time.Now()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ClientError{Type: ErrorTypeAuth, Message: "failed to read token response", Cause: err, Timestamp: time.Now()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ClientError{
			Type:       ErrorTypeAuth,
			Message:    "token endpoint rejected refresh",
			StatusCode: resp.StatusCode,
			URL:        a.TokenURL,
			Timestamp:  time.Now(),
		}
	}

	token := &OAuth2Token{IssuedAt: time.Now()}
	if err := json.Unmarshal(body, token); err != nil {
		return nil, &ClientError{Type: ErrorTypeAuth, Message: "malformed token response", Cause: err, Timestamp: time.Now()}
	}
	if token.AccessToken == "" {
		return nil, &ClientError{Type: ErrorTypeAuth, Message: "token response missing access_token", Timestamp: time.Now()}
	}
	return token, nil
}

// applyAuth attaches the client-level credential during the pre-middleware
// phase. Session-level credentials already on the request take precedence.
func (c *Client) applyAuth(ctx context.Context, req *Request) error {
	if c.auth == nil || c.auth.Type == AuthNone {
		return nil
	}
	target := "Authorization"
	if c.auth.Type == AuthAPIKey {
		target = c.auth.HeaderName
	}
	if req.Headers.Get(target) != "" {
		return nil
	}
	return c.auth.Apply(ctx, req)
}
