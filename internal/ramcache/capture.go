package ramcache

import (
	"context"
	"log/slog"
	"net/http"

	pagecache "github.com/eugener/pagecache/internal"
	"github.com/eugener/pagecache/internal/transform"
)

// CaptureOrder places CaptureStage after every stage that may still change
// the body.
const CaptureOrder = 90000

// CaptureStage stores successful, marked responses in one namespace.
type CaptureStage struct {
	cache         *Cache
	namespace     string
	annotationKey string
}

// NewCaptureStage returns the capture stage for namespace.
func NewCaptureStage(c *Cache, namespace string) *CaptureStage {
	if namespace == "" {
		namespace = pagecache.DefaultNamespace
	}
	return &CaptureStage{cache: c, namespace: namespace, annotationKey: AnnotationKey(namespace)}
}

// Order implements transform.Stage.
func (s *CaptureStage) Order() int { return CaptureOrder }

// Transform implements transform.Stage. Only a chunked body is replaced, by
// the bytes it was drained into. Bodies of skipped responses are untouched.
func (s *CaptureStage) Transform(ctx context.Context, r *pagecache.Request, resp *pagecache.Response, b transform.Body) (transform.Body, error) {
	if resp.Status != http.StatusOK || !r.Has(pagecache.MarkerRAMCached) {
		return nil, nil
	}
	if capturedKey(r, s.annotationKey) == "" {
		return nil, nil
	}

	switch v := b.(type) {
	case transform.Text:
		data, err := transform.Encode(v)
		if err != nil {
			return nil, err
		}
		s.cache.Store(ctx, r, resp, data, s.namespace, s.annotationKey)
		return nil, nil
	case transform.Chunks:
		data, err := transform.Drain(v)
		if err != nil {
			// The body is cut short. Hand on what was read so the client
			// sees the failure too, and keep it out of the cache.
			slog.LogAttrs(ctx, slog.LevelWarn, "capture skipped: incomplete body",
				slog.String("namespace", s.namespace),
				slog.Int("bytes", len(data)),
				slog.String("error", err.Error()),
			)
			return transform.Partial(data, err), nil
		}
		s.cache.Store(ctx, r, resp, data, s.namespace, s.annotationKey)
		return transform.Bytes(data), nil
	default:
		data, err := transform.Drain(v)
		if err != nil {
			return nil, err
		}
		s.cache.Store(ctx, r, resp, data, s.namespace, s.annotationKey)
		return nil, nil
	}
}
