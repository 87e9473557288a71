// Package httpclient builds the HTTP clients used to reach inference backends.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// ClientConfig holds configuration options for creating HTTP clients
type ClientConfig struct {
	// MaxIdleConns controls the maximum number of idle (keep-alive) connections across all hosts
	MaxIdleConns int

	// MaxIdleConnsPerHost controls the maximum idle (keep-alive) connections to keep per-host
	MaxIdleConnsPerHost int

	// IdleConnTimeout is the maximum amount of time an idle connection will remain idle before closing itself
	IdleConnTimeout time.Duration

	// Timeout specifies a time limit for requests made by the client
	Timeout time.Duration

	// DialTimeout is the maximum amount of time a dial will wait for a connect to complete
	DialTimeout time.Duration

	// KeepAlive specifies the interval between keep-alive messages on an active network connection
	KeepAlive time.Duration

	// TLSHandshakeTimeout specifies the maximum amount of time to wait for a TLS handshake
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout specifies the amount of time to wait for a server's response headers.
	// Vision models may spend a long time before the first byte, so this defaults high.
	ResponseHeaderTimeout time.Duration
}

// DefaultConfig returns a ClientConfig suited to a local inference server.
func DefaultConfig() ClientConfig {
	return ClientConfig{
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		Timeout:               10 * time.Minute,
		DialTimeout:           10 * time.Second,
		KeepAlive:             30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Minute,
	}
}

// NewHTTPClient creates a new HTTP client with the provided configuration.
// If config is nil, DefaultConfig() is used. Zero durations fall back to the defaults.
func NewHTTPClient(config *ClientConfig) *http.Client {
	cfg := DefaultConfig()
	if config != nil {
		cfg = merge(cfg, *config)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: cfg.KeepAlive,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
}

// NewDefaultHTTPClient is equivalent to NewHTTPClient(nil).
func NewDefaultHTTPClient() *http.Client {
	return NewHTTPClient(nil)
}

func merge(base, override ClientConfig) ClientConfig {
	if override.MaxIdleConns > 0 {
		base.MaxIdleConns = override.MaxIdleConns
	}
	if override.MaxIdleConnsPerHost > 0 {
		base.MaxIdleConnsPerHost = override.MaxIdleConnsPerHost
	}
	if override.IdleConnTimeout > 0 {
		base.IdleConnTimeout = override.IdleConnTimeout
	}
	if override.Timeout > 0 {
		base.Timeout = override.Timeout
	}
	if override.DialTimeout > 0 {
		base.DialTimeout = override.DialTimeout
	}
	if override.KeepAlive > 0 {
		base.KeepAlive = override.KeepAlive
	}
	if override.TLSHandshakeTimeout > 0 {
		base.TLSHandshakeTimeout = override.TLSHandshakeTimeout
	}
	if override.ResponseHeaderTimeout > 0 {
		base.ResponseHeaderTimeout = override.ResponseHeaderTimeout
	}
	return base
}
