package pagecache

import "errors"

// Sentinel errors for the caching layer. The caching core itself never
// surfaces these to a page consumer; they classify failures in
// configuration, storage backends and the origin client.
var (
	ErrNotFound  = errors.New("not found")
	ErrBadConfig = errors.New("bad config")
	ErrUpstream  = errors.New("upstream error")
	// ErrUnavailable marks origin requests refused locally, by an open
	// circuit breaker or the origin rate limit.
	ErrUnavailable = errors.New("origin unavailable")
)
