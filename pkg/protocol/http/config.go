package http

import (
	"crypto/tls"
	"net/url"
	"time"
)

// DefaultChunkSize is the largest slice of body handed to a Sink at once.
const DefaultChunkSize = 64 * 1024

// DefaultUserAgent is sent when no User-Agent header is configured.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

type ClientConfig struct {
	// Connection settings
	ProxyURL              *url.URL
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	ExpectContinueTimeout time.Duration
	MaxRedirects          int

	// Timeouts
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	KeepAliveTimeout      time.Duration
	// ReadTimeout aborts a transfer when no body bytes arrive for this long.
	ReadTimeout time.Duration

	// TLS
	SkipTLSVerify bool
	TLSConfig     *tls.Config

	// Headers
	DefaultHeaders map[string]string

	// Transfer
	ChunkSize int
	// RateLimit caps the combined body throughput of the client in bytes/sec. 0 disables it.
	RateLimit int64
}

// DefaultConfig returns a ClientConfig with sensible defaults
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxRedirects:          10,
		DialTimeout:           30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		KeepAliveTimeout:      30 * time.Second,
		ReadTimeout:           30 * time.Second,

		DefaultHeaders: map[string]string{
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
			"Accept-Language": "en-US,en;q=0.5",
			"User-Agent":      DefaultUserAgent,
		},

		ChunkSize: DefaultChunkSize,
	}
}
