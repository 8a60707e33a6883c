// Package origin publishes pages by fetching them from an upstream HTTP
// origin.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	pagecache "github.com/eugener/pagecache/internal"
	"github.com/eugener/pagecache/internal/headers"
	"github.com/eugener/pagecache/internal/telemetry"
	"github.com/eugener/pagecache/internal/transform"
)

const (
	defaultMaxBody   = 32 << 20
	defaultChunkSize = 32 << 10
)

// Config configures a Publisher.
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	MaxBodyBytes int64
	Transport    http.RoundTripper // nil uses http.DefaultTransport
}

// Publisher renders pages by proxying requests to the origin. Bodies are
// streamed as chunks and never buffered in full unless captured.
type Publisher struct {
	base    *url.URL
	client  *http.Client
	maxBody int64
	metrics *telemetry.Metrics
}

// New returns a Publisher for cfg. metrics may be nil.
func New(cfg Config, metrics *telemetry.Metrics) (*Publisher, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("origin base url %q: %w", cfg.BaseURL, pagecache.ErrBadConfig)
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	return &Publisher{
		base:    base,
		client:  &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		maxBody: maxBody,
		metrics: metrics,
	}, nil
}

// Traverse maps the request to a view. It does no I/O.
func (p *Publisher) Traverse(r *pagecache.Request) (pagecache.Published, error) {
	return newView(r.HTTP.URL.Path, r.HTTP.URL.RawQuery), nil
}

// Render fetches the page from the origin, copies status and headers onto
// resp and returns the body as chunks.
func (p *Publisher) Render(ctx context.Context, pub pagecache.Published, r *pagecache.Request, resp *pagecache.Response) (transform.Body, error) {
	in := r.HTTP
	var body io.Reader
	if in.Method != http.MethodGet && in.Method != http.MethodHead {
		body = in.Body
	}
	out, err := http.NewRequestWithContext(ctx, in.Method, p.url(in.URL.Path, in.URL.RawQuery), body)
	if err != nil {
		return nil, fmt.Errorf("origin: create request: %w", err)
	}
	copyHeaders(out.Header, in.Header, requestSkipHeaders)
	out.Header.Set("X-Forwarded-Host", in.Host)
	if scheme, _, ok := strings.Cut(r.ActualURL, "://"); ok {
		out.Header.Set("X-Forwarded-Proto", scheme)
	}

	start := time.Now()
	up, err := p.client.Do(out)
	if err != nil {
		p.upstreamError(classify(err))
		return nil, fmt.Errorf("%w: %w", pagecache.ErrUpstream, err)
	}
	if p.metrics != nil {
		p.metrics.UpstreamDuration.WithLabelValues(strconv.Itoa(up.StatusCode)).Observe(time.Since(start).Seconds())
	}
	if up.ContentLength > p.maxBody {
		up.Body.Close()
		p.upstreamError("too_large")
		return nil, fmt.Errorf("%w: body of %d bytes exceeds %d", pagecache.ErrUpstream, up.ContentLength, p.maxBody)
	}

	resp.Status = up.StatusCode
	copyHeaders(resp.Header, up.Header, responseSkipHeaders)
	if lm, ok := headers.ParseDate(up.Header.Get("Last-Modified")); ok {
		if v, ok := pub.(*View); ok {
			v.setLastModified(lm)
		}
	}

	return transform.ChunksFromReader(p.capBody(up.Body), defaultChunkSize), nil
}

// FetchJSON GETs a document from the origin and returns its body. Non-2xx
// responses are errors.
func (p *Publisher) FetchJSON(ctx context.Context, urlPath string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url(urlPath, ""), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pagecache.ErrUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned %d", pagecache.ErrUpstream, urlPath, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, p.maxBody))
}

func (p *Publisher) url(urlPath, rawQuery string) string {
	u := *p.base
	u.Path = strings.TrimRight(u.Path, "/") + urlPath
	u.RawPath = ""
	u.RawQuery = rawQuery
	return u.String()
}

func (p *Publisher) upstreamError(reason string) {
	if p.metrics != nil {
		p.metrics.UpstreamErrors.WithLabelValues(reason).Inc()
	}
}

func classify(err error) string {
	switch {
	case errors.Is(err, pagecache.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Timeout() {
			return "timeout"
		}
		return "transport"
	}
}

// cappedBody reads an upstream body of at most limit bytes. Going over the
// limit or failing mid-body is an ErrUpstream error, never a silent EOF, so a
// cut-off page cannot pass for a complete one.
type cappedBody struct {
	rc        io.ReadCloser
	limit     int64
	remaining int64
	onError   func(reason string)
	err       error
}

func (p *Publisher) capBody(rc io.ReadCloser) *cappedBody {
	return &cappedBody{rc: rc, limit: p.maxBody, remaining: p.maxBody, onError: p.upstreamError}
}

func (b *cappedBody) Read(buf []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	if len(buf) == 0 {
		return 0, nil
	}
	// One byte past the limit tells an exact fit from an overflow.
	if int64(len(buf)) > b.remaining+1 {
		buf = buf[:b.remaining+1]
	}
	n, err := b.rc.Read(buf)
	if int64(n) > b.remaining {
		n = int(b.remaining)
		b.remaining = 0
		return n, b.fail("too_large", fmt.Errorf("%w: body exceeds %d bytes", pagecache.ErrUpstream, b.limit))
	}
	b.remaining -= int64(n)
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return n, err
	default:
		return n, b.fail("read", fmt.Errorf("%w: read body: %w", pagecache.ErrUpstream, err))
	}
}

func (b *cappedBody) fail(reason string, err error) error {
	b.err = err
	if b.onError != nil {
		b.onError(reason)
	}
	return err
}

func (b *cappedBody) Close() error { return b.rc.Close() }
