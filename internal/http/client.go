package http

import (
	"crypto/tls"
	"net"
	nethttp "net/http"
	"os"
	"time"

	"golang.org/x/net/http2"

	"github.com/overture-stack/score-int/internal/constants"
)

// ClientOptions controls the data-plane HTTP client.
type ClientOptions struct {
	// ConnectTimeout bounds dialing a connection (default 15s)
	ConnectTimeout time.Duration
	// ReadTimeout bounds waiting for response headers (default 60s)
	ReadTimeout time.Duration
	// MaxConnsPerHost should be at least the worker count so parts don't queue on connections
	MaxConnsPerHost int
}

// CreateOptimizedClient creates an HTTP client optimized for large part transfers
// against presigned object store URLs.
//
// Key features:
//   - Large connection pool for concurrent part transfers
//   - Connect and response-header timeouts, no overall timeout
//   - HTTP/2 support with runtime toggle (DISABLE_HTTP2 env var)
//   - Disabled compression (genomic formats are already compressed)
func CreateOptimizedClient(opts ClientOptions) *nethttp.Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = constants.DefaultConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = constants.DefaultReadTimeout
	}
	if opts.MaxConnsPerHost <= 0 {
		opts.MaxConnsPerHost = 100
	}

	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	tr := &nethttp.Transport{
		Proxy:       nethttp.ProxyFromEnvironment,
		DialContext: dialer.DialContext,

		// Connection pooling
		MaxIdleConns:        512,
		MaxIdleConnsPerHost: opts.MaxConnsPerHost,
		MaxConnsPerHost:     opts.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,

		// Timeouts
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		ExpectContinueTimeout: 1 * time.Second,

		// Optimizations
		DisableCompression: true,
		ForceAttemptHTTP2:  true,
	}

	// Ensure HTTP/2 is properly configured
	_ = http2.ConfigureTransport(tr)

	// Set DISABLE_HTTP2=true to force HTTP/1.1
	if os.Getenv("DISABLE_HTTP2") == "true" {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	}

	return &nethttp.Client{
		Transport: tr,
		Timeout:   0, // each part attempt sets its own deadline via context
	}
}
