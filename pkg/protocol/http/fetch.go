package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Outcome is how a Fetch call ended.
type Outcome int

const (
	// OutcomeCompleted means the body was read to EOF.
	OutcomeCompleted Outcome = iota
	// OutcomeCancelled means ctx was cancelled. It is not a failure.
	OutcomeCancelled
	// OutcomeFailed means Result.Err holds the reason.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// Validator identifies one version of a remote resource.
type Validator struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// IfRange returns the value for an If-Range header, preferring a strong ETag.
func (v Validator) IfRange() string {
	if v.ETag != "" && !isWeakETag(v.ETag) {
		return v.ETag
	}
	return v.LastModified
}

func (v Validator) IsZero() bool { return v.ETag == "" && v.LastModified == "" }

func isWeakETag(etag string) bool {
	return len(etag) >= 2 && etag[0] == 'W' && etag[1] == '/'
}

// Request describes one ranged GET.
type Request struct {
	URL string
	// StartByte > 0 requests bytes=StartByte- from the server.
	StartByte int64
	// Validator, when set, is sent as If-Range on ranged requests.
	Validator Validator
	Headers   map[string]string
}

// ResponseInfo is handed to Sink.Begin once response headers are accepted.
type ResponseInfo struct {
	StatusCode int
	// RangeHonored is true for a 206. A 200 on a ranged request means the
	// server ignored the range and the body starts at byte 0.
	RangeHonored bool
	// Offset of the first body byte within the resource.
	Offset int64
	// TotalSize of the resource, -1 when unknown.
	TotalSize   int64
	Validator   Validator
	ContentType string
}

// Sink receives a response body.
type Sink interface {
	// Begin is called once, before any body bytes are written.
	Begin(info ResponseInfo) error
	// Write receives the body in chunks of at most ClientConfig.ChunkSize bytes.
	io.Writer
}

// Result is the typed outcome of Fetch. Err is nil unless Outcome is OutcomeFailed.
type Result struct {
	Outcome       Outcome
	StatusCode    int
	RangeHonored  bool
	BytesReceived int64
	TotalSize     int64
	Validator     Validator
	Duration      time.Duration
	Err           error
}

// Fetch performs a GET of req.URL, optionally ranged, streaming the body into sink.
// ctx is checked between chunks; cancelling it ends the transfer with
// OutcomeCancelled. Transport and HTTP failures are reported in Result.Err
// as *HTTPError; errors returned by sink are passed through unchanged.
func (c *Client) Fetch(ctx context.Context, req Request, sink Sink) Result {
	started := time.Now()
	res := c.fetch(ctx, req, sink)
	res.Duration = time.Since(started)
	return res
}

func (c *Client) fetch(ctx context.Context, req Request, sink Sink) Result {
	res := Result{TotalSize: -1}

	fail := func(err error) Result {
		if ctx.Err() != nil {
			res.Outcome = OutcomeCancelled
			return res
		}
		res.Outcome = OutcomeFailed
		res.Err = err
		return res
	}

	if !c.Supports(req.URL) {
		return fail(NewValidationError("GET", req.URL, ErrUnsupportedURL))
	}
	if req.StartByte < 0 {
		return fail(NewValidationError("GET", req.URL, fmt.Errorf("negative start byte %d", req.StartByte)))
	}

	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, req.URL, http.NoBody)
	if err != nil {
		return fail(NewValidationError("GET", req.URL, err))
	}

	c.applyHeaders(httpReq, req.Headers)
	if req.StartByte > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", req.StartByte))
		if v := req.Validator.IfRange(); v != "" {
			httpReq.Header.Set("If-Range", v)
		}
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			return fail(httpErr)
		}
		return fail(NewHTTPNetworkError("GET", req.URL, err))
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	res.Validator = Validator{ETag: resp.Header.Get("ETag"), LastModified: resp.Header.Get("Last-Modified")}

	info := ResponseInfo{
		StatusCode:  resp.StatusCode,
		TotalSize:   -1,
		Validator:   res.Validator,
		ContentType: resp.Header.Get("Content-Type"),
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		first, _, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || first != req.StartByte {
			return fail(NewValidationError("GET", req.URL,
				fmt.Errorf("%w: %q for start %d", ErrUnexpectedContentRange, resp.Header.Get("Content-Range"), req.StartByte)))
		}
		info.RangeHonored = true
		info.Offset = first
		info.TotalSize = total
	case resp.StatusCode == http.StatusOK:
		info.TotalSize = resp.ContentLength
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		_, _, res.TotalSize, _ = parseContentRange(resp.Header.Get("Content-Range"))
		return fail(NewHTTPStatusError("GET", req.URL, resp.StatusCode, ErrRangeNotSatisfiable))
	default:
		return fail(NewHTTPStatusError("GET", req.URL, resp.StatusCode,
			fmt.Errorf("unexpected status %s", http.StatusText(resp.StatusCode))))
	}

	res.RangeHonored = info.RangeHonored
	res.TotalSize = info.TotalSize

	if err := sink.Begin(info); err != nil {
		return fail(err)
	}

	var stall *time.Timer
	if c.config.ReadTimeout > 0 {
		stall = time.AfterFunc(c.config.ReadTimeout, func() { cancel(errReadStalled) })
		defer stall.Stop()
	}

	buf := make([]byte, c.config.ChunkSize)
	for {
		if ctx.Err() != nil {
			res.Outcome = OutcomeCancelled
			return res
		}

		n, readErr := readChunk(resp.Body, buf)
		if stall != nil {
			stall.Reset(c.config.ReadTimeout)
		}

		if n > 0 {
			if c.limiter != nil {
				if err := c.limiter.WaitN(ctx, n); err != nil {
					return fail(NewHTTPNetworkError("GET", req.URL, err))
				}
			}
			if _, err := sink.Write(buf[:n]); err != nil {
				return fail(err)
			}
			res.BytesReceived += int64(n)
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if errors.Is(context.Cause(reqCtx), errReadStalled) {
				return fail(NewHTTPNetworkError("GET", req.URL, errReadStalled))
			}
			return fail(NewHTTPNetworkError("GET", req.URL, readErr))
		}
	}

	if shortBody(info, res.BytesReceived) {
		return fail(NewHTTPNetworkError("GET", req.URL,
			fmt.Errorf("%w: got %d of %d bytes", io.ErrUnexpectedEOF, info.Offset+res.BytesReceived, info.TotalSize)))
	}

	res.Outcome = OutcomeCompleted
	return res
}

func shortBody(info ResponseInfo, received int64) bool {
	return info.TotalSize >= 0 && info.Offset+received < info.TotalSize
}

// readChunk fills buf unless the reader ends or fails first. io.EOF is
// returned unchanged so a clean end can be told apart from a drop.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
