package server

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	pagecache "github.com/eugener/pagecache/internal"
	"github.com/eugener/pagecache/internal/headers"
	"github.com/eugener/pagecache/internal/operation"
	"github.com/eugener/pagecache/internal/transform"
)

// dispositionHeader reports how the cache handled the response.
const dispositionHeader = "X-Pagecache"

// Dispositions reported in dispositionHeader.
const (
	DispositionHit   = "HIT"   // replayed from a RAM cache
	DispositionStore = "STORE" // rendered and captured
	DispositionMiss  = "MISS"  // rendered under a caching rule, not captured
	DispositionPass  = "PASS"  // no caching rule applied
)

// Pre-allocated header values for the fast path.
var (
	hitValue   = []string{DispositionHit}
	storeValue = []string{DispositionStore}
	missValue  = []string{DispositionMiss}
	passValue  = []string{DispositionPass}
)

// handlePublish runs a request through the caching pipeline: pick the
// operation, try the RAM cache, render on a miss, set caching headers and
// transform the body. Conditional requests are answered with 304 whenever
// the final validators match.
func (s *server) handlePublish(w http.ResponseWriter, hr *http.Request) {
	ctx := hr.Context()
	r := pagecache.NewRequest(hr)
	resp := pagecache.NewResponse()

	pub, err := s.deps.Publisher.Traverse(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var op *operation.Operation
	if rule, ok := s.deps.Rules.Match(hr.URL.Path); ok {
		op = rule.Operation
	}

	if op != nil {
		if body, hit := op.Intercept(ctx, pub, r, resp); hit {
			s.respond(w, r, resp, transform.Bytes(body), DispositionHit)
			return
		}
	}

	body, err := s.deps.Publisher.Render(ctx, pub, r, resp)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "render failed",
			slog.String("path", hr.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, err)
		return
	}
	if op != nil {
		op.Modify(ctx, pub, r, resp)
	}
	body = s.deps.Chain.Apply(ctx, r, resp, body)

	disposition := DispositionPass
	switch {
	case r.Has(pagecache.MarkerRAMStored):
		disposition = DispositionStore
	case op != nil && op.Kind() != operation.NoCaching && cacheable(hr):
		disposition = DispositionMiss
	}
	s.respond(w, r, resp, body, disposition)
}

// respond writes resp and body, downgrading to 304 when the client already
// holds the representation.
func (s *server) respond(w http.ResponseWriter, r *pagecache.Request, resp *pagecache.Response, body transform.Body, disposition string) {
	hr := r.HTTP
	status := resp.Status
	notModified := status == http.StatusOK && cacheable(hr) && headers.NotModified(hr.Header, resp.Header)
	if notModified {
		status = http.StatusNotModified
		// The body may still be a live upstream stream.
		transform.WriteTo(io.Discard, body)
		body = nil
		if s.deps.Metrics != nil {
			s.deps.Metrics.NotModified.Inc()
		}
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.Dispositions.WithLabelValues(disposition).Inc()
	}

	h := w.Header()
	for k, vv := range resp.Header {
		h[k] = vv
	}
	if notModified {
		delete(h, "Content-Type")
		delete(h, "Content-Length")
	}
	h[dispositionHeader] = dispositionValue(disposition)
	w.WriteHeader(status)

	if body == nil {
		return
	}
	dst := io.Writer(w)
	if hr.Method == http.MethodHead {
		dst = io.Discard
	}
	if _, err := transform.WriteTo(dst, body); err != nil {
		slog.LogAttrs(hr.Context(), slog.LevelWarn, "write response body",
			slog.String("path", hr.URL.Path),
			slog.String("error", err.Error()),
		)
		// The status line is out. Dropping the connection is the only way
		// left to tell the client the body is incomplete.
		http.NewResponseController(w).Flush()
		panic(http.ErrAbortHandler)
	}
}

func dispositionValue(d string) []string {
	switch d {
	case DispositionHit:
		return hitValue
	case DispositionStore:
		return storeValue
	case DispositionMiss:
		return missValue
	default:
		return passValue
	}
}

func cacheable(r *http.Request) bool {
	return r.Method == http.MethodGet || r.Method == http.MethodHead
}

// errorStatus maps a publishing error to an HTTP status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, pagecache.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, pagecache.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pagecache.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// retryAfterError is implemented by errors that know when the origin
// becomes available again.
type retryAfterError interface {
	RetryAfter() time.Duration
}

// writeError writes a plain-text error that no cache may keep.
func writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	h := w.Header()
	headers.DoNotCache(h)
	h["Content-Type"] = plainCT
	h[dispositionHeader] = passValue
	var ra retryAfterError
	if errors.As(err, &ra) {
		h.Set("Retry-After", strconv.Itoa(max(1, int(math.Ceil(ra.RetryAfter().Seconds())))))
	}
	w.WriteHeader(status)
	w.Write([]byte(http.StatusText(status)))
}
