// File: internal/network/httpclient.go
package network

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/xkilldash9x/scamhunter/internal/config"
)

// Defaults tuned for many short fetches against unrelated hosts.
const (
	DefaultDialTimeout           = 5 * time.Second
	DefaultKeepAliveInterval     = 15 * time.Second
	DefaultTLSHandshakeTimeout   = 5 * time.Second
	DefaultResponseHeaderTimeout = 10 * time.Second
	DefaultRequestTimeout        = 15 * time.Second

	DefaultMaxIdleConns        = 64
	DefaultMaxIdleConnsPerHost = 4
	DefaultIdleConnTimeout     = 30 * time.Second
)

// ClientConfig holds the configuration for the HTTP client and transport layers.
type ClientConfig struct {
	IgnoreTLSErrors bool

	RequestTimeout        time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	ForceHTTP2 bool
	// FollowRedirects lets net/http chase redirects. When false the caller sees every
	// 3xx and decides, which is what the safe fetcher needs to record hops.
	FollowRedirects bool
	// DisableCompression stops the transport from asking for gzip on our behalf, so
	// the caller can decode Content-Encoding itself (brotli included).
	DisableCompression bool
	// BlockPrivateNetworks refuses to dial loopback, private, link-local and
	// reserved addresses. It checks the dialed address, so it has no effect on
	// the target host when ProxyURL is set.
	BlockPrivateNetworks bool

	ProxyURL *url.URL

	Logger *zap.Logger
}

// NewDefaultClientConfig returns sane defaults for outbound OSINT traffic.
func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		RequestTimeout:        DefaultRequestTimeout,
		DialTimeout:           DefaultDialTimeout,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		ForceHTTP2:            true,
		FollowRedirects:       true,
		Logger:                zap.NewNop(),
	}
}

// FetchClientConfig derives the safe fetcher's client settings from the fetch section.
// The per-request timeout is applied by the fetcher through the request context.
func FetchClientConfig(cfg config.FetchConfig, logger *zap.Logger) (*ClientConfig, error) {
	cc := NewDefaultClientConfig()
	cc.RequestTimeout = 0
	cc.FollowRedirects = false
	cc.DisableCompression = true
	cc.BlockPrivateNetworks = !cfg.AllowPrivateNetworks
	cc.Logger = logger

	if cfg.Proxy.Enabled && cfg.Proxy.Address != "" {
		u, err := url.Parse(cfg.Proxy.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid fetch.proxy.address: %w", err)
		}
		cc.ProxyURL = u
		if cc.BlockPrivateNetworks {
			logger.Warn("Private network guard does not apply to proxied fetches", zap.String("proxy", u.Redacted()))
			cc.BlockPrivateNetworks = false
		}
	}
	return cc, nil
}

// NewHTTPTransport creates and configures an http.Transport based on the provided configuration.
func NewHTTPTransport(cfg *ClientConfig) *http.Transport {
	if cfg == nil {
		cfg = NewDefaultClientConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: DefaultKeepAliveInterval,
	}
	if cfg.BlockPrivateNetworks {
		dialer.Control = publicOnlyControl
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       configureTLS(cfg),
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		DisableCompression:    cfg.DisableCompression,
		ForceAttemptHTTP2:     cfg.ForceHTTP2,
	}

	if cfg.ProxyURL != nil {
		transport.Proxy = http.ProxyURL(cfg.ProxyURL)
	}

	if cfg.ForceHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			cfg.Logger.Warn("Failed to configure HTTP/2 transport, falling back to HTTP/1.1", zap.Error(err))
		}
	} else if len(transport.TLSClientConfig.NextProtos) == 0 {
		transport.TLSClientConfig.NextProtos = []string{"http/1.1"}
	}

	return transport
}

// NewClient builds an *http.Client on top of NewHTTPTransport.
func NewClient(cfg *ClientConfig) *http.Client {
	if cfg == nil {
		cfg = NewDefaultClientConfig()
	}

	client := &http.Client{
		Transport: NewHTTPTransport(cfg),
		Timeout:   cfg.RequestTimeout,
	}
	if !cfg.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client
}

func configureTLS(cfg *ClientConfig) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ClientSessionCache: tls.NewLRUClientSessionCache(256),
		InsecureSkipVerify: cfg.IgnoreTLSErrors,
	}
}
