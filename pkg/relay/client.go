// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package relay

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/go-core-stack/webhook-relay/pkg/config"
)

// Doer performs one outbound HTTP call. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewClient builds the outbound client with connection pooling tuned for a
// single upstream host. cfg.UpstreamTimeout of zero leaves calls unbounded.
func NewClient(cfg config.Config) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify, // nolint:gosec -- UPSTREAM_INSECURE, for upstreams with self-signed certificates
		},
	}

	return &http.Client{
		Timeout:   cfg.UpstreamTimeout,
		Transport: transport,
		// Redirects are relayed to the caller like any other response.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
