// Package keys derives RAM cache keys and composes ETags from named value
// sources.
package keys

import (
	pagecache "github.com/eugener/pagecache/internal"
)

// CacheKey returns the absolute path of the nearest traversable ancestor of
// p, starting at p's parent. When no ancestor exposes a path the raw actual
// URL of the request is used instead.
//
// The key is approximate: two views of the same container share it. Callers
// that need finer identity add validators through the ETag.
func CacheKey(p pagecache.Published, r *pagecache.Request) string {
	if parented, ok := p.(pagecache.Parented); ok {
		found := pagecache.FindContext(parented.Parent(), func(o pagecache.Published) bool {
			t, ok := o.(pagecache.Traversable)
			return ok && t.AbsolutePath() != ""
		})
		if found != nil {
			return found.(pagecache.Traversable).AbsolutePath()
		}
	}
	if r == nil {
		return ""
	}
	return r.ActualURL
}
