// Package ramcache stores rendered responses in RAM cache namespaces and
// replays them. Storing is deferred: an operation marks the request before
// rendering and CaptureStage writes the entry once the body is final.
package ramcache

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	pagecache "github.com/eugener/pagecache/internal"
	"github.com/eugener/pagecache/internal/cache"
	"github.com/eugener/pagecache/internal/headers"
	"github.com/eugener/pagecache/internal/keys"
	"github.com/eugener/pagecache/internal/telemetry"
)

// Cache resolves namespaces through a chooser and reads and writes entries.
// A Cache with no chooser behaves as if caching were disabled.
type Cache struct {
	chooser cache.Chooser
	metrics *telemetry.Metrics
	tracer  trace.Tracer
}

// New returns a Cache. chooser and metrics may be nil.
func New(chooser cache.Chooser, metrics *telemetry.Metrics) *Cache {
	return &Cache{
		chooser: chooser,
		metrics: metrics,
		tracer:  telemetry.Tracer("github.com/eugener/pagecache/internal/ramcache"),
	}
}

// AnnotationKey returns the request annotation key used for namespace.
func AnnotationKey(namespace string) string {
	if namespace == "" || namespace == pagecache.DefaultNamespace {
		return pagecache.DefaultAnnotationKey
	}
	return namespace + ".key"
}

// Resolve returns the store for namespace, or nil when there is none.
func (c *Cache) Resolve(namespace string) cache.Store {
	if c == nil || c.chooser == nil {
		return nil
	}
	return c.chooser.Choose(orDefault(namespace))
}

func orDefault(namespace string) string {
	if namespace == "" {
		return pagecache.DefaultNamespace
	}
	return namespace
}

// Fetch looks up the entry for key in namespace. An empty key is derived
// from p and r; a key that is still empty is a miss.
func (c *Cache) Fetch(ctx context.Context, p pagecache.Published, r *pagecache.Request, key, namespace string) (pagecache.Entry, bool) {
	namespace = orDefault(namespace)
	store := c.Resolve(namespace)
	if store == nil {
		return pagecache.Entry{}, false
	}
	if key == "" {
		key = keys.CacheKey(p, r)
	}
	if key == "" {
		return pagecache.Entry{}, false
	}

	ctx, span := c.tracer.Start(ctx, "ramcache.fetch")
	defer span.End()

	e, ok := store.Get(ctx, key)
	span.SetAttributes(
		telemetry.AttrNamespace.String(namespace),
		telemetry.AttrKey.String(key),
		telemetry.AttrHit.Bool(ok),
	)
	if ok {
		span.SetAttributes(telemetry.AttrStatus.Int(e.Status))
	}
	c.metrics.CacheLookup(namespace, ok)
	return e, ok
}

// uncapturedHeaders belong to the client the page was rendered for and are
// never replayed to another one.
var uncapturedHeaders = map[string]struct{}{
	"Set-Cookie":  {},
	"Set-Cookie2": {},
}

// Store writes the response under the key recorded by MarkForCapture. It
// does nothing when the request has no usable key or the namespace has no
// store. Headers are snapshotted except cookies; repeated values are joined
// with ", ".
func (c *Cache) Store(ctx context.Context, r *pagecache.Request, resp *pagecache.Response, body []byte, namespace, annotationKey string) {
	key := capturedKey(r, annotationKey)
	if key == "" {
		return
	}
	namespace = orDefault(namespace)
	store := c.Resolve(namespace)
	if store == nil {
		return
	}

	ctx, span := c.tracer.Start(ctx, "ramcache.store")
	defer span.End()
	span.SetAttributes(
		telemetry.AttrNamespace.String(namespace),
		telemetry.AttrKey.String(key),
		telemetry.AttrStatus.Int(resp.Status),
		telemetry.AttrSize.Int(len(body)),
	)

	h := make(map[string]string, len(resp.Header))
	for k, vv := range resp.Header {
		if _, skip := uncapturedHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		h[k] = strings.Join(vv, ", ")
	}
	store.Set(ctx, key, pagecache.Entry{
		Status: resp.Status,
		Header: h,
		Body:   bytes.Clone(body),
	})
	r.Mark(pagecache.MarkerRAMStored)
	c.metrics.CacheStore(namespace)
}

// MarkForCapture asks the capture stage to store this request's response
// under key, derived from p and r when empty. It does nothing when the
// request cannot carry annotations.
func MarkForCapture(p pagecache.Published, r *pagecache.Request, key, annotationKey string) {
	ann, ok := r.Annotations()
	if !ok {
		return
	}
	if key == "" {
		key = keys.CacheKey(p, r)
	}
	if annotationKey == "" {
		annotationKey = pagecache.DefaultAnnotationKey
	}
	ann[annotationKey] = key
	r.Mark(pagecache.MarkerRAMCached)
}

// Replay copies a cached entry onto resp and returns the body to send. The
// ETag is written under its literal key.
func Replay(resp *pagecache.Response, e pagecache.Entry) []byte {
	resp.Status = e.Status
	for k, v := range e.Header {
		if strings.EqualFold(k, headers.ETag) {
			headers.SetLiteral(resp.Header, headers.ETag, v)
			continue
		}
		resp.Header.Set(k, v)
	}
	return e.Body
}

func capturedKey(r *pagecache.Request, annotationKey string) string {
	ann, ok := r.Annotations()
	if !ok {
		return ""
	}
	if annotationKey == "" {
		annotationKey = pagecache.DefaultAnnotationKey
	}
	key, _ := ann[annotationKey].(string)
	return key
}
