// Package operation implements the caching operations a rule can assign to a
// page: no caching, and strong, moderate or weak caching with optional RAM
// caching. An operation runs twice per request, before publishing
// (Intercept) and after (Modify).
package operation

import (
	"context"
	"fmt"
	"net/http"
	"time"

	pagecache "github.com/eugener/pagecache/internal"
	"github.com/eugener/pagecache/internal/headers"
	"github.com/eugener/pagecache/internal/keys"
	"github.com/eugener/pagecache/internal/ramcache"
)

// Kind names a caching operation.
type Kind string

// Operation kinds.
const (
	NoCaching       Kind = "noCaching"
	StrongCaching   Kind = "strongCaching"
	ModerateCaching Kind = "moderateCaching"
	WeakCaching     Kind = "weakCaching"
)

// ParseKind validates a configured operation name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case NoCaching, StrongCaching, ModerateCaching, WeakCaching:
		return k, nil
	default:
		return "", fmt.Errorf("unknown caching operation %q: %w", s, pagecache.ErrBadConfig)
	}
}

// Settings parameterise an operation. Fields a kind does not use are ignored.
type Settings struct {
	// MaxAge is the browser lifetime in seconds (strong caching).
	MaxAge int
	// SMaxAge is the shared cache lifetime in seconds. For strong caching a
	// positive value keeps browsers revalidating.
	SMaxAge int
	// ETags names the value sources composed into the ETag.
	ETags []string
	// LastModified emits Last-Modified when the page knows it.
	LastModified bool
	// RAMCache stores successful responses in RAM and serves them from there.
	RAMCache bool
	// Vary is copied into the Vary header of cacheable responses.
	Vary string
	// AnonymousOnly disables caching for requests carrying the identity
	// cookie.
	AnonymousOnly bool
	// Namespace selects the RAM cache namespace. Empty means the default.
	Namespace string
}

// Deps are the collaborators shared by all operations.
type Deps struct {
	RAM            *ramcache.Cache // nil disables RAM caching
	ETags          *keys.Registry  // nil yields "|" ETags
	IdentityCookie string          // empty treats every request as anonymous
}

// Operation applies one caching strategy.
type Operation struct {
	kind     Kind
	settings Settings
	deps     Deps
}

// ramKeyAnnotation holds the RAM cache key computed by Intercept so Modify
// marks the response for capture under the same key.
const ramKeyAnnotation = "pagecache.operation.ramkey"

// New returns an operation of the given kind.
func New(kind Kind, s Settings, deps Deps) (*Operation, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}
	if s.MaxAge < 0 || s.SMaxAge < 0 {
		return nil, fmt.Errorf("%s: negative age: %w", kind, pagecache.ErrBadConfig)
	}
	if kind == ModerateCaching && s.SMaxAge == 0 {
		return nil, fmt.Errorf("%s: smaxage is required: %w", kind, pagecache.ErrBadConfig)
	}
	return &Operation{kind: kind, settings: s, deps: deps}, nil
}

// Kind returns the operation kind.
func (o *Operation) Kind() Kind { return o.kind }

// Settings returns the operation settings.
func (o *Operation) Settings() Settings { return o.settings }

// Namespace returns the RAM cache namespace of the operation.
func (o *Operation) Namespace() string {
	if o.settings.Namespace == "" {
		return pagecache.DefaultNamespace
	}
	return o.settings.Namespace
}

// Intercept runs before publishing. On a RAM cache hit it replays the entry
// onto resp and returns the cached body with hit set.
func (o *Operation) Intercept(ctx context.Context, p pagecache.Published, r *pagecache.Request, resp *pagecache.Response) (body []byte, hit bool) {
	if !o.ramEnabled(r) {
		return nil, false
	}
	ann, ok := r.Annotations()
	if !ok {
		return nil, false
	}
	key := keys.CacheKey(p, r) + o.etag(ctx, p, r)
	ann[ramKeyAnnotation] = key

	e, ok := o.deps.RAM.Fetch(ctx, p, r, key, o.Namespace())
	if !ok {
		return nil, false
	}
	body = ramcache.Replay(resp, e)
	// The snapshot carries the Expires of its own response.
	resp.Header.Set("Expires", headers.FormatDate(time.Now()))
	r.Mark(pagecache.MarkerRAMHit)
	return body, true
}

// Modify runs after publishing and sets the caching headers of resp.
// Requests the operation does not apply to are left untouched; server
// errors are never cacheable.
func (o *Operation) Modify(ctx context.Context, p pagecache.Published, r *pagecache.Request, resp *pagecache.Response) {
	if !cacheableMethod(r) {
		return
	}
	if o.kind == NoCaching || o.personalised(r) || resp.Status >= http.StatusInternalServerError {
		headers.DoNotCache(resp.Header)
		return
	}

	etag := o.etag(ctx, p, r)
	var lastModified time.Time
	if o.settings.LastModified {
		lastModified, _ = headers.SafeLastModified(p)
	}

	s := o.settings
	switch o.kind {
	case StrongCaching:
		if s.SMaxAge > 0 {
			headers.CacheInProxy(resp.Header, s.SMaxAge, lastModified, etag, s.Vary)
		} else {
			headers.CacheEverywhere(resp.Header, s.MaxAge, lastModified, etag, s.Vary)
		}
	case ModerateCaching:
		headers.CacheInProxy(resp.Header, s.SMaxAge, lastModified, etag, s.Vary)
	case WeakCaching:
		headers.CacheInBrowser(resp.Header, etag, lastModified)
	}

	// HEAD responses carry no body worth storing.
	if resp.Status == http.StatusOK && r.HTTP.Method == http.MethodGet && o.ramEnabled(r) {
		ann, ok := r.Annotations()
		if !ok {
			return
		}
		key, _ := ann[ramKeyAnnotation].(string)
		if key == "" {
			key = keys.CacheKey(p, r) + o.etag(ctx, p, r)
		}
		ramcache.MarkForCapture(p, r, key, ramcache.AnnotationKey(o.Namespace()))
	}
}

// etag returns the composed ETag, or "" when no value sources are
// configured.
func (o *Operation) etag(ctx context.Context, p pagecache.Published, r *pagecache.Request) string {
	if len(o.settings.ETags) == 0 {
		return ""
	}
	return o.deps.ETags.ETag(ctx, p, r, o.settings.ETags, nil)
}

func (o *Operation) ramEnabled(r *pagecache.Request) bool {
	return o.settings.RAMCache && o.deps.RAM != nil && o.kind != NoCaching &&
		cacheableMethod(r) && !o.personalised(r)
}

func (o *Operation) personalised(r *pagecache.Request) bool {
	if !o.settings.AnonymousOnly || o.deps.IdentityCookie == "" || r.HTTP == nil {
		return false
	}
	c, err := r.HTTP.Cookie(o.deps.IdentityCookie)
	return err == nil && c.Value != ""
}

func cacheableMethod(r *pagecache.Request) bool {
	if r.HTTP == nil {
		return false
	}
	return r.HTTP.Method == http.MethodGet || r.HTTP.Method == http.MethodHead
}
