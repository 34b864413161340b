package http

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
)

// FileInfo describes a remote resource as reported by Probe.
type FileInfo struct {
	Size         int64
	Resumable    bool
	Filename     string
	ContentType  string
	LastModified string
	ETag         string
}

type Client struct {
	client    *http.Client
	transport *http.Transport
	config    ClientConfig
	limiter   *rate.Limiter
}

func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		ExpectContinueTimeout: config.ExpectContinueTimeout,
		// Byte offsets must refer to the stored representation.
		DisableCompression: true,

		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAliveTimeout,
		}).DialContext,
	}

	if config.ProxyURL != nil {
		transport.Proxy = http.ProxyURL(config.ProxyURL)
	}

	if config.TLSConfig != nil {
		transport.TLSClientConfig = config.TLSConfig
	} else if config.SkipTLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in
	}

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= config.MaxRedirects {
				return NewValidationError("redirect", req.URL.String(),
					fmt.Errorf("too many redirects (max: %d)", config.MaxRedirects))
			}
			return nil
		},
	}

	c := &Client{
		client:    client,
		transport: transport,
		config:    *config,
	}

	if config.RateLimit > 0 {
		burst := max(int(config.RateLimit), config.ChunkSize)
		c.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	return c
}

// Probe reports size, resumability and validators of urlStr without
// downloading the body. It uses HEAD and falls back to a one byte range
// GET for servers that refuse HEAD.
func (c *Client) Probe(ctx context.Context, urlStr string, headers map[string]string) (*FileInfo, error) {
	if len(urlStr) == 0 {
		return nil, NewValidationError("probe", urlStr, errors.New("url is empty"))
	}

	if !c.Supports(urlStr) {
		return nil, NewValidationError("probe", urlStr, ErrUnsupportedURL)
	}

	info, headErr := c.headRequest(ctx, urlStr, headers)
	if headErr == nil {
		return info, nil
	}

	var httpErr *HTTPError
	if isHttpError := errors.As(headErr, &httpErr); !isHttpError {
		return nil, headErr
	}

	if httpErr.Status != http.StatusMethodNotAllowed && httpErr.Status != http.StatusForbidden {
		return nil, headErr
	}

	fallbackInfo, fbErr := c.fallbackRangeCheck(ctx, urlStr, headers)
	if fbErr != nil {
		return nil, fmt.Errorf("HEAD error: %w, fallback GET error: %v", headErr, fbErr)
	}

	return fallbackInfo, nil
}

func (c *Client) headRequest(ctx context.Context, urlStr string, headers map[string]string) (*FileInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, urlStr, http.NoBody)
	if err != nil {
		return nil, NewValidationError("HEAD", urlStr, err)
	}

	c.applyHeaders(req, headers)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, NewHTTPNetworkError("HEAD", urlStr, err)
	}
	defer resp.Body.Close()

	// Some servers may return 405 (Method Not Allowed) for HEAD, or 403, or etc.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, NewHTTPStatusError("HEAD", urlStr, resp.StatusCode,
			fmt.Errorf("HEAD request returned status %d", resp.StatusCode))
	}

	return &FileInfo{
		Size:         resp.ContentLength,
		Resumable:    strings.Contains(strings.ToLower(resp.Header.Get("Accept-Ranges")), "bytes"),
		Filename:     filenameFrom(resp.Header, urlStr),
		ContentType:  resp.Header.Get("Content-Type"),
		LastModified: resp.Header.Get("Last-Modified"),
		ETag:         resp.Header.Get("ETag"),
	}, nil
}

func (c *Client) fallbackRangeCheck(ctx context.Context, urlStr string, headers map[string]string) (*FileInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, http.NoBody)
	if err != nil {
		return nil, NewValidationError("fallbackGET", urlStr, err)
	}

	c.applyHeaders(req, headers)
	req.Header.Set("Range", "bytes=0-0") // minimal range request

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, NewHTTPNetworkError("fallbackGET", urlStr, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent: // 206
		_, _, totalSize, _ := parseContentRange(resp.Header.Get("Content-Range"))

		return &FileInfo{
			Size:         totalSize,
			Resumable:    true,
			Filename:     filenameFrom(resp.Header, urlStr),
			ContentType:  resp.Header.Get("Content-Type"),
			LastModified: resp.Header.Get("Last-Modified"),
			ETag:         resp.Header.Get("ETag"),
		}, nil

	case http.StatusOK: // 200
		return &FileInfo{
			Size:         resp.ContentLength,
			Resumable:    false,
			Filename:     filenameFrom(resp.Header, urlStr),
			ContentType:  resp.Header.Get("Content-Type"),
			LastModified: resp.Header.Get("Last-Modified"),
			ETag:         resp.Header.Get("ETag"),
		}, nil

	default:
		return nil, NewHTTPStatusError("GET", urlStr, resp.StatusCode,
			fmt.Errorf("unexpected status code"))
	}
}

func (c *Client) applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range c.config.DefaultHeaders {
		req.Header.Set(k, v)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", DefaultUserAgent)
	}
}

// FilenameFromURL returns the last path segment of urlStr, or "download".
func FilenameFromURL(urlStr string) string {
	return filenameFrom(nil, urlStr)
}

func filenameFrom(header http.Header, urlStr string) string {
	if cd := header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if filename := params["filename"]; filename != "" {
				return filename
			}
		}
	}

	parsedURL, _ := url.Parse(urlStr)
	if parsedURL != nil && parsedURL.Path != "" {
		segments := strings.Split(parsedURL.Path, "/")
		if len(segments) > 0 {
			last := segments[len(segments)-1]
			if last != "" {
				if unescaped, err := url.PathUnescape(last); err == nil {
					return unescaped
				}
				return last
			}
		}
	}

	return "download"
}

// parseContentRange parses "bytes first-last/total". total is -1 for "*".
func parseContentRange(v string) (first, last, total int64, ok bool) {
	total = -1
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return 0, 0, -1, false
	}
	spec, size, found := strings.Cut(strings.TrimPrefix(v, "bytes "), "/")
	if !found {
		return 0, 0, -1, false
	}
	if size != "*" {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return 0, 0, -1, false
		}
		total = n
	}
	if spec == "*" {
		return 0, 0, total, true
	}
	a, b, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, total, false
	}
	f, err1 := strconv.ParseInt(a, 10, 64)
	l, err2 := strconv.ParseInt(b, 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, total, false
	}
	return f, l, total, true
}

func (c *Client) Supports(urlStr string) bool {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(parsed.Scheme)
	return (scheme == "http" || scheme == "https") && parsed.Host != ""
}

func (c *Client) Cleanup() error {
	c.transport.CloseIdleConnections()
	return nil
}
