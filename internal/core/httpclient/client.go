// Package httpclient configures the HTTP client used to call the listing API.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

type Options struct {
	// Timeout covers the whole exchange; listing pages can be large, so the
	// default is generous.
	Timeout time.Duration
	// MaxConnsPerHost caps parallel connections to the single upstream host.
	MaxConnsPerHost int
}

const (
	defaultTimeout         = 60 * time.Second
	defaultMaxConnsPerHost = 16
)

// NewOutbound builds a pooled client tuned for one upstream host.
func NewOutbound(opts Options) *http.Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxConnsPerHost <= 0 {
		opts.MaxConnsPerHost = defaultMaxConnsPerHost
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          opts.MaxConnsPerHost,
		MaxIdleConnsPerHost:   opts.MaxConnsPerHost,
		MaxConnsPerHost:       opts.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: opts.Timeout / 2,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   opts.Timeout,
	}
}
