// Package httpclient builds and executes HTTP requests for the dispatcher.
// There is one shared client per run; connection reuse comes from the
// transport's idle pool, sized so that thousands of concurrent workers do
// not open one connection each per request.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// NewClient returns a client tuned for sustained concurrent load. The core
// sets no overall request timeout: a hung call parks only the worker that
// issued it.
func NewClient(maxConcurrency int) *http.Client {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	idlePerHost := maxConcurrency
	if idlePerHost > 256 {
		idlePerHost = 256
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          4 * idlePerHost,
		MaxIdleConnsPerHost:   idlePerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{Transport: transport}
}
