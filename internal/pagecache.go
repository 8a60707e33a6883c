// Package pagecache defines domain types for the page caching layer.
// This package has no project imports -- it is the dependency root.
package pagecache

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// DefaultNamespace is the RAM cache namespace used when an operation does not
// name one. Store and fetch must agree on it or entries become unreachable.
const DefaultNamespace = "pagecache.operations.ramcache"

// DefaultAnnotationKey is the request annotation under which MarkForCapture
// records the key the capture stage stores the rendered body under.
const DefaultAnnotationKey = "pagecache.operations.ramcache.key"

// --- Published content ---

// Published is the content or view object being rendered for a request.
// The caching layer never owns it; it only inspects the optional
// capabilities below.
type Published any

// Parented is implemented by published objects that know their container.
type Parented interface {
	Parent() Published
}

// Traversable is implemented by objects that expose a stable absolute path.
type Traversable interface {
	AbsolutePath() string
}

// LastModifier is implemented by objects that know when they last changed.
type LastModifier interface {
	LastModified() (time.Time, bool)
}

// FindContext walks from p up through its parents and returns the first
// object accepted by match, or nil when the chain ends without a match.
func FindContext(p Published, match func(Published) bool) Published {
	for p != nil {
		if match(p) {
			return p
		}
		parented, ok := p.(Parented)
		if !ok {
			return nil
		}
		p = parented.Parent()
	}
	return nil
}

// --- Cached entries ---

// Entry is a rendered response stored in a RAM cache namespace.
type Entry struct {
	Status int               `msgpack:"status" cbor:"status" json:"status"`
	Header map[string]string `msgpack:"header" cbor:"header" json:"header"`
	Body   []byte            `msgpack:"body"   cbor:"body"   json:"body"`
}

// Size approximates the memory held by the entry, used as a cost by
// size-aware stores.
func (e Entry) Size() int {
	n := len(e.Body)
	for k, v := range e.Header {
		n += len(k) + len(v)
	}
	return n
}

// --- Request and response ---

// Marker is a capability tag set on a request to flag it for some behaviour.
type Marker uint8

const (
	// MarkerRAMCached asks the capture stage to store the rendered body.
	MarkerRAMCached Marker = 1 << iota
	// MarkerRAMStored is set once the capture stage wrote an entry.
	MarkerRAMStored
	// MarkerRAMHit is set when the response was replayed from a RAM cache.
	MarkerRAMHit
)

// Request is the per-request state threaded through the caching layer.
// It is owned by a single request and needs no locking.
type Request struct {
	HTTP *http.Request
	// ActualURL is the URL as requested, including the query string.
	ActualURL string

	annotations   map[string]any
	noAnnotations bool
	markers       Marker
}

// NewRequest wraps r. ActualURL is rebuilt from the Host header and the
// request URI, honouring X-Forwarded-Proto.
func NewRequest(r *http.Request) *Request {
	return &Request{HTTP: r, ActualURL: actualURL(r)}
}

func actualURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// Context returns the context of the underlying HTTP request.
func (r *Request) Context() context.Context {
	if r.HTTP == nil {
		return context.Background()
	}
	return r.HTTP.Context()
}

// Annotations returns the request-scoped side table, creating it on first
// use. ok is false when annotations were disabled for this request.
func (r *Request) Annotations() (map[string]any, bool) {
	if r.noAnnotations {
		return nil, false
	}
	if r.annotations == nil {
		r.annotations = make(map[string]any)
	}
	return r.annotations, true
}

// DisableAnnotations makes the side table unavailable for the rest of the request.
func (r *Request) DisableAnnotations() {
	r.noAnnotations = true
	r.annotations = nil
}

// Mark sets the given capability markers.
func (r *Request) Mark(m Marker) { r.markers |= m }

// Has reports whether every marker in m is set.
func (r *Request) Has(m Marker) bool { return r.markers&m == m }

// Response is the mutable status and header set of the outgoing response.
type Response struct {
	Status int
	Header http.Header
}

// NewResponse returns a 200 response with an empty header set.
func NewResponse() *Response {
	return &Response{Status: http.StatusOK, Header: make(http.Header)}
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
type requestMeta struct {
	RequestID string
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
