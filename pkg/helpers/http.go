// Package helpers provides convenience functions for integrating the swarm
// proxy with common Go patterns. It simplifies pointing standard library
// HTTP clients either at the proxy frontend or directly at one circuit's
// SOCKS endpoint.
package helpers

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// HTTPClientConfig configures the HTTP client transports built here.
type HTTPClientConfig struct {
	// Timeout for HTTP requests (default: 30s)
	Timeout time.Duration

	// DialTimeout for establishing connections (default: 10s)
	DialTimeout time.Duration

	// TLSHandshakeTimeout for TLS handshake (default: 10s)
	TLSHandshakeTimeout time.Duration

	// MaxIdleConns controls the maximum number of idle connections (default: 10)
	MaxIdleConns int

	// IdleConnTimeout controls how long idle connections are kept (default: 90s)
	IdleConnTimeout time.Duration

	// DisableKeepAlives disables HTTP keep-alives (default: false)
	DisableKeepAlives bool
}

// DefaultHTTPClientConfig returns sensible defaults.
func DefaultHTTPClientConfig() *HTTPClientConfig {
	return &HTTPClientConfig{
		Timeout:             30 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		DisableKeepAlives:   false,
	}
}

// NewProxyHTTPClient creates an http.Client that sends every request
// through the swarm's HTTP proxy frontend at proxyAddr (host:port).
func NewProxyHTTPClient(proxyAddr string, config *HTTPClientConfig) (*http.Client, error) {
	if proxyAddr == "" {
		return nil, fmt.Errorf("proxyAddr cannot be empty")
	}
	if config == nil {
		config = DefaultHTTPClientConfig()
	}

	proxyURL, err := url.Parse("http://" + proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse proxy address: %w", err)
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyURL(proxyURL),
		MaxIdleConns:          config.MaxIdleConns,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		DisableKeepAlives:     config.DisableKeepAlives,
		ResponseHeaderTimeout: config.Timeout,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
	}, nil
}

// NewDialerHTTPClient creates an http.Client whose connections are
// established through the given dialer. A circuit's instrumented dialer
// cannot be reused across requests, so this takes the reusable SOCKS-level
// dialer (for example socks.SOCKS4a against one circuit's endpoint).
func NewDialerHTTPClient(dialer proxy.ContextDialer, config *HTTPClientConfig) (*http.Client, error) {
	if dialer == nil {
		return nil, fmt.Errorf("dialer cannot be nil")
	}
	if config == nil {
		config = DefaultHTTPClientConfig()
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if config.DialTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, config.DialTimeout)
				defer cancel()
			}
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:        config.MaxIdleConns,
		IdleConnTimeout:     config.IdleConnTimeout,
		TLSHandshakeTimeout: config.TLSHandshakeTimeout,
		DisableKeepAlives:   config.DisableKeepAlives,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
	}, nil
}
