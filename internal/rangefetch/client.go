// Package rangefetch retrieves byte ranges of an HTTP resource.
package rangefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"rangefeed/internal/feeder"
	"rangefeed/internal/platform/telemetry"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultRateLimit      = 20
	defaultRateLimitBurst = 40
	defaultUserAgent      = "rangefeed/1.0"

	tracerName = "rangefeed/rangefetch"
)

// Options configures a Client.
type Options struct {
	// Timeout bounds one request, headers and body included.
	Timeout        time.Duration
	UserAgent      string
	RateLimit      rate.Limit
	RateLimitBurst int
	// Transport defaults to a clone of http.DefaultTransport. It is always
	// wrapped with otelhttp.
	Transport http.RoundTripper
}

func normalizeOptions(opts Options) Options {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = rate.Limit(defaultRateLimit)
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = defaultRateLimitBurst
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	return opts
}

// Client issues range and length requests. It is shared by all sessions and
// safe for concurrent use. It never retries.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	lengths    singleflight.Group
	timeout    time.Duration
	userAgent  string
	tracer     trace.Tracer
}

// New returns a Client.
func New(opts Options) *Client {
	nopts := normalizeOptions(opts)
	return &Client{
		httpClient: &http.Client{Transport: otelhttp.NewTransport(nopts.Transport)},
		limiter:    rate.NewLimiter(nopts.RateLimit, nopts.RateLimitBurst),
		timeout:    nopts.Timeout,
		userAgent:  nopts.UserAgent,
		tracer:     telemetry.Tracer(tracerName),
	}
}

// Resource binds the client to one URL.
func (c *Client) Resource(url string) *Resource {
	return &Resource{client: c, url: url}
}

// Resource is a feeder.Fetcher for a single URL.
type Resource struct {
	client *Client
	url    string
}

// FetchLength returns the total size of the resource. The request carries no
// Range header; it is cancelled as soon as the response headers announce a
// length so the body is never downloaded. Concurrent lookups of the same URL
// share one request.
func (r *Resource) FetchLength(ctx context.Context) (int64, error) {
	ch := r.client.lengths.DoChan(r.url, func() (interface{}, error) {
		// Detached from the first caller so its cancellation does not fail
		// the others; each caller still honours its own ctx below.
		return r.client.discoverLength(context.WithoutCancel(ctx), r.url)
	})
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(int64), nil
	}
}

func (c *Client) discoverLength(ctx context.Context, url string) (n int64, err error) {
	ctx, span := c.tracer.Start(ctx, "rangefetch.length", trace.WithSpanKind(trace.SpanKindClient))
	defer func() { endSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	// Cancelling aborts the transfer once the headers are in.
	defer cancel()

	resp, err := c.do(ctx, url, "")
	if err != nil {
		return 0, &TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int(telemetry.HTTPStatusKey, resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &TransportError{URL: url, StatusCode: resp.StatusCode}
	}
	if resp.StatusCode == http.StatusPartialContent {
		if cr, err := ParseContentRange(resp.Header.Get("Content-Range")); err == nil && cr.Total >= 0 {
			return cr.Total, nil
		}
	}
	if resp.ContentLength < 0 {
		return 0, &LengthUnknownError{URL: url}
	}
	span.SetAttributes(attribute.Int64(telemetry.ContentSizeKey, resp.ContentLength))
	return resp.ContentLength, nil
}

// FetchRange downloads the inclusive span br. Both 200 and 206 are accepted:
// a 206 must start where asked, and from a 200 the span is cut out of the
// full body.
func (r *Resource) FetchRange(ctx context.Context, br feeder.ByteRange) (data []byte, err error) {
	c := r.client
	ctx, span := c.tracer.Start(ctx, "rangefetch.range",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.RangeAttributes(br.Start, br.End)...))
	defer func() { endSpan(span, err) }()

	if br.Start < 0 || br.End < br.Start {
		return nil, fmt.Errorf("invalid range %s", br)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, r.url, FormatRangeHeader(br))
	if err != nil {
		return nil, &TransportError{URL: r.url, Range: br.String(), Err: err}
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int(telemetry.HTTPStatusKey, resp.StatusCode))

	fail := func(err error) *TransportError {
		return &TransportError{URL: r.url, Range: br.String(), StatusCode: resp.StatusCode, Err: err}
	}

	body := io.Reader(resp.Body)
	switch resp.StatusCode {
	case http.StatusPartialContent:
		if v := resp.Header.Get("Content-Range"); v != "" {
			cr, err := ParseContentRange(v)
			if err != nil {
				return nil, fail(err)
			}
			if cr.Start != br.Start {
				return nil, fail(fmt.Errorf("content-range starts at %d", cr.Start))
			}
		}
	case http.StatusOK:
		if _, err := io.CopyN(io.Discard, body, br.Start); err != nil {
			return nil, fail(fmt.Errorf("skip to offset %d: %w", br.Start, err))
		}
	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fail(nil)
	}

	data = make([]byte, br.Len())
	if _, err := io.ReadFull(body, data); err != nil {
		return nil, fail(fmt.Errorf("read body: %w", err))
	}
	return data, nil
}

func (c *Client) do(ctx context.Context, url, rangeHeader string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	// Lengths and offsets refer to the stored bytes, so no content coding.
	req.Header.Set("Accept-Encoding", "identity")
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	return c.httpClient.Do(req)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var te *TransportError
		if errors.As(err, &te) && te.StatusCode != 0 {
			span.SetAttributes(attribute.String("http.status_text", strconv.Itoa(te.StatusCode)+" "+http.StatusText(te.StatusCode)))
		}
	}
	span.End()
}
