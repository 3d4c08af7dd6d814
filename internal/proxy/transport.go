package proxy

import (
	"net"
	"net/http"
	"time"
)

type TransportConfig struct {
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
}

// NewTransport returns the upstream transport shared by every route. Dial
// and header waits are bounded so a dead backend degrades to fast 502s.
func NewTransport(cfg TransportConfig) *http.Transport {
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}
	headers := cfg.ResponseHeaderTimeout
	if headers <= 0 {
		headers = 30 * time.Second
	}
	return &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   dial,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     false,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   dial,
		ResponseHeaderTimeout: headers,
		ExpectContinueTimeout: time.Second,
	}
}
