package ultrafast

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// ProtocolState records the last successfully negotiated protocol for a host.
// The cache is advisory: a later connection attempt may still renegotiate.
type ProtocolState struct {
	Version      HTTPVersion
	NegotiatedAt time.Time
}

// ProtocolNegotiator decides which protocol versions to attempt per target
// and builds the transport for each, applying the configured fallback chain.
type ProtocolNegotiator struct {
	config   ProtocolConfig
	ssl      SSLConfig
	proxy    *ProxyConfig
	timeouts TimeoutConfig

	mu        sync.RWMutex
	hostState map[string]ProtocolState
}

// NewProtocolNegotiator creates a negotiator with the given protocol, TLS,
// proxy, and timeout settings.
func NewProtocolNegotiator(config ProtocolConfig, ssl SSLConfig, proxy *ProxyConfig, timeouts TimeoutConfig) *ProtocolNegotiator {
	return &ProtocolNegotiator{
		config:    config,
		ssl:       ssl,
		proxy:     proxy,
		timeouts:  timeouts,
		hostState: make(map[string]ProtocolState),
	}
}

// enabled reports whether client flags permit the version at all.
func (n *ProtocolNegotiator) enabled(v HTTPVersion) bool {
	switch v {
	case VersionHTTP1:
		return true
	case VersionHTTP2:
		return n.config.EnableHTTP2
	case VersionHTTP3:
		return n.config.EnableHTTP3
	default:
		return false
	}
}

// CandidateChain returns the protocol versions to attempt for the host, in
// order. A fresh cached negotiation leads the chain; an explicit enabled
// preference comes next; the fallback chain follows, filtered to enabled
// versions. Disabled versions never appear.
func (n *ProtocolNegotiator) CandidateChain(host string) []HTTPVersion {
	var chain []HTTPVersion
	seen := make(map[HTTPVersion]bool)
	add := func(v HTTPVersion) {
		if !seen[v] && n.enabled(v) {
			seen[v] = true
			chain = append(chain, v)
		}
	}

	if state, ok := n.Cached(host); ok {
		add(state.Version)
	}
	if n.config.PreferredVersion != VersionAuto {
		add(n.config.PreferredVersion)
	}
	for _, v := range n.config.FallbackStrategy.chain() {
		add(v)
	}
	// HTTP/1.1 is the floor when everything else is filtered out.
	add(VersionHTTP1)
	return chain
}

// Cached returns the host's negotiation state if still within its validity
// window.
func (n *ProtocolNegotiator) Cached(host string) (ProtocolState, bool) {
	n.mu.RLock()
	state, ok := n.hostState[host]
	n.mu.RUnlock()
	if !ok {
		return ProtocolState{}, false
	}
	if n.config.NegotiationCacheTTL > 0 && time.Since(state.NegotiatedAt) > n.config.NegotiationCacheTTL {
		return ProtocolState{}, false
	}
	return state, true
}

// RecordSuccess caches a successful negotiation outcome for the host.
func (n *ProtocolNegotiator) RecordSuccess(host string, v HTTPVersion) {
	n.mu.Lock()
	n.hostState[host] = ProtocolState{Version: v, NegotiatedAt: time.Now()}
	n.mu.Unlock()
}

// RecordFailure drops the host's cached state so the next call renegotiates.
func (n *ProtocolNegotiator) RecordFailure(host string) {
	n.mu.Lock()
	delete(n.hostState, host)
	n.mu.Unlock()
}

// Dialer returns the pool's dial function: it builds a transport for the
// key's protocol version.
func (n *ProtocolNegotiator) Dialer() DialFunc {
	return func(ctx context.Context, key PoolKey) (Transport, error) {
		switch key.Protocol {
		case VersionHTTP1:
			return n.dialHTTP1()
		case VersionHTTP2:
			return n.dialHTTP2()
		case VersionHTTP3:
			return nil, ErrHTTP3Unsupported
		default:
			return nil, fmt.Errorf("ultrafast: no transport for %s", key.Protocol)
		}
	}
}

type http1Transport struct {
	*http.Transport
}

func (t *http1Transport) Close() error {
	t.CloseIdleConnections()
	return nil
}

func (n *ProtocolNegotiator) dialHTTP1() (Transport, error) {
	tlsConfig, err := n.tlsConfig(nil)
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   n.timeouts.Connect,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     false,
		MaxIdleConnsPerHost:   1,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: n.timeouts.Read,
		Proxy:                 n.proxyFunc(),
	}
	return &http1Transport{transport}, nil
}

type http2Transport struct {
	*http2.Transport
}

func (t *http2Transport) Close() error {
	t.CloseIdleConnections()
	return nil
}

func (n *ProtocolNegotiator) dialHTTP2() (Transport, error) {
	tlsConfig, err := n.tlsConfig([]string{"h2"})
	if err != nil {
		return nil, err
	}
	transport := &http2.Transport{
		TLSClientConfig: tlsConfig,
	}
	if n.config.HTTP2PriorKnowledge {
		transport.AllowHTTP = true
		transport.DialTLSContext = func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			d := &net.Dialer{
				Timeout:   n.timeouts.Connect,
				KeepAlive: 30 * time.Second,
			}
			return d.DialContext(ctx, network, addr)
		}
	}
	return &http2Transport{transport}, nil
}

func (n *ProtocolNegotiator) tlsConfig(nextProtos []string) (*tls.Config, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: !n.ssl.Verify,
		MinVersion:         n.ssl.MinTLSVersion,
		NextProtos:         nextProtos,
	}
	if n.ssl.CABundle != "" {
		pem, err := os.ReadFile(n.ssl.CABundle)
		if err != nil {
			return nil, &ClientError{Type: ErrorTypeConfig, Message: "failed to read CA bundle", Cause: err, Timestamp: time.Now()}
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, &ClientError{Type: ErrorTypeConfig, Message: "no certificates found in CA bundle", Timestamp: time.Now()}
		}
		cfg.RootCAs = pool
	}
	if n.ssl.CertFile != "" && n.ssl.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(n.ssl.CertFile, n.ssl.KeyFile)
		if err != nil {
			return nil, &ClientError{Type: ErrorTypeConfig, Message: "failed to load client certificate", Cause: err, Timestamp: time.Now()}
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func (n *ProtocolNegotiator) proxyFunc() func(*http.Request) (*url.URL, error) {
	if n.proxy == nil || n.proxy.URL == "" {
		return http.ProxyFromEnvironment
	}
	proxyURL, err := url.Parse(n.proxy.URL)
	if err != nil {
		return func(*http.Request) (*url.URL, error) {
			return nil, &ClientError{Type: ErrorTypeConfig, Message: "invalid proxy URL", Cause: err, Timestamp: time.Now()}
		}
	}
	noProxy := n.proxy.NoProxy
	return func(req *http.Request) (*url.URL, error) {
		host := req.URL.Hostname()
		for _, skip := range noProxy {
			if host == skip || strings.HasSuffix(host, "."+skip) {
				return nil, nil
			}
		}
		return proxyURL, nil
	}
}
