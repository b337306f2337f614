package cloudsync

import (
	"net"
	"net/http"
	"time"

	"watchsync/internal/config"
)

func NewHTTPClient(cfg config.ClientConfig) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout: 10 * time.Second,
		}).DialContext,
	}
	timeoutSec := cfg.RequestTimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 30
	}
	return &http.Client{Transport: transport, Timeout: time.Duration(timeoutSec) * time.Second}
}
