package httpclient

import (
	"log"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// Default returns an HTTP client with timeouts so that dead upstreams don't hang
// scheduler slots or a show-url download forever. Use for the catalog client and
// the show-url fetcher. Transport is upgraded to HTTP/2 where the peer supports
// it via ALPN; broker and asset hosts alike may sit behind an HTTP/2 front end.
func Default() *http.Client {
	transport := &http.Transport{
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		IdleConnTimeout:       30 * time.Second,
	}
	if err := http2.ConfigureTransports(transport); err != nil {
		log.Printf("httpclient: http2 configure failed: %v", err)
	}
	return &http.Client{
		Timeout:   60 * time.Second,
		Transport: transport,
	}
}

// ForStreaming returns a client with no overall timeout (stream may be long-lived) but
// ResponseHeaderTimeout so that failover can happen when the upstream never responds.
func ForStreaming() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			ResponseHeaderTimeout: 15 * time.Second,
			ExpectContinueTimeout: 5 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}
