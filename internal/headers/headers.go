// Package headers computes response caching headers for the four cache
// intents (no caching, browser only, proxy, everywhere) and evaluates
// conditional requests against validators.
package headers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	pagecache "github.com/eugener/pagecache/internal"
)

// ETag is the literal header key used for entity tags. It is written by
// direct map assignment so the response carries "ETag" rather than the
// canonical "Etag".
const ETag = "ETag"

// pastOffset is how far in the past Expires is set to force immediate expiry.
const pastOffset = 10 * 365 * 24 * time.Hour

// ccPrivate expires the response for every cache but lets browsers
// revalidate their own copy.
const ccPrivate = "max-age=0, must-revalidate, private"

// FormatDate renders t as an HTTP date (RFC 1123, GMT).
func FormatDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// ParseDate parses an HTTP date in any of the formats accepted by net/http.
func ParseDate(s string) (time.Time, bool) {
	t, err := http.ParseTime(s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Expiration returns now+maxAge seconds for a positive maxAge, otherwise a
// time ten years in the past.
func Expiration(now time.Time, maxAge int) time.Time {
	if maxAge > 0 {
		return now.Add(time.Duration(maxAge) * time.Second)
	}
	return now.Add(-pastOffset)
}

// SetLiteral sets key to value without canonicalising the key, replacing any
// value stored under the canonical form.
func SetLiteral(h http.Header, key, value string) {
	if ck := http.CanonicalHeaderKey(key); ck != key {
		delete(h, ck)
	}
	h[key] = []string{value}
}

// Get returns the value stored under key, checking the literal key before
// the canonical one.
func Get(h http.Header, key string) string {
	if vv := h[key]; len(vv) > 0 {
		return vv[0]
	}
	return h.Get(key)
}

// SafeLastModified returns the last modification time of p, if p knows it.
func SafeLastModified(p pagecache.Published) (time.Time, bool) {
	lm, ok := p.(pagecache.LastModifier)
	if !ok {
		return time.Time{}, false
	}
	return lm.LastModified()
}

// DoNotCache sets headers that stop browsers and proxies from caching the
// response. It avoids no-cache and no-store, which some browsers mishandle,
// and expires the response immediately instead.
func DoNotCache(h http.Header) {
	h.Del("Last-Modified")
	h.Set("Expires", FormatDate(Expiration(time.Now(), 0)))
	h.Set("Cache-Control", ccPrivate)
}

// CacheInBrowser lets browsers keep the response but forces revalidation on
// every use. With neither validator the result is equivalent to DoNotCache.
func CacheInBrowser(h http.Header, etag string, lastModified time.Time) {
	setValidators(h, etag, lastModified)
	h.Set("Expires", FormatDate(time.Now()))
	h.Set("Cache-Control", ccPrivate)
}

// CacheInProxy lets shared caches keep the response for sMaxAge seconds
// while browsers revalidate.
func CacheInProxy(h http.Header, sMaxAge int, lastModified time.Time, etag, vary string) {
	setValidators(h, etag, lastModified)
	h.Set("Expires", FormatDate(time.Now()))
	h.Set("Cache-Control", "max-age=0, s-maxage="+strconv.Itoa(sMaxAge)+", must-revalidate")
	if vary != "" {
		h.Set("Vary", vary)
	}
}

// CacheEverywhere lets browsers and shared caches keep the response for
// maxAge seconds.
func CacheEverywhere(h http.Header, maxAge int, lastModified time.Time, etag, vary string) {
	setValidators(h, etag, lastModified)
	h.Set("Expires", FormatDate(time.Now()))
	h.Set("Cache-Control", "max-age="+strconv.Itoa(maxAge)+", must-revalidate, public")
	if vary != "" {
		h.Set("Vary", vary)
	}
}

func setValidators(h http.Header, etag string, lastModified time.Time) {
	if etag != "" {
		SetLiteral(h, ETag, etag)
	}
	if !lastModified.IsZero() {
		h.Set("Last-Modified", FormatDate(lastModified))
	}
}

// NotModified reports whether a response carrying resp validators can be
// answered with 304 for a request carrying req conditionals. If-None-Match
// takes precedence over If-Modified-Since.
func NotModified(req, resp http.Header) bool {
	if inm := req.Get("If-None-Match"); inm != "" {
		etag := Get(resp, ETag)
		if etag == "" {
			return false
		}
		return matchETag(inm, etag)
	}
	ims, ok := ParseDate(req.Get("If-Modified-Since"))
	if !ok {
		return false
	}
	lm, ok := ParseDate(resp.Get("Last-Modified"))
	if !ok {
		return false
	}
	return !lm.After(ims)
}

// matchETag compares the If-None-Match list against etag using weak
// comparison. Tags may be sent quoted or bare, since the tags produced here
// are unquoted pipe lists.
func matchETag(inm, etag string) bool {
	want := normalizeTag(etag)
	for _, cand := range splitTags(inm) {
		if cand == "*" || normalizeTag(cand) == want {
			return true
		}
	}
	return false
}

// splitTags splits an If-None-Match value. Commas inside quoted tags do not
// separate entries.
func splitTags(v string) []string {
	var out []string
	inQuote := false
	start := 0
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				out = append(out, strings.TrimSpace(v[start:i]))
				start = i + 1
			}
		}
	}
	return append(out, strings.TrimSpace(v[start:]))
}

func normalizeTag(tag string) string {
	tag = strings.TrimSpace(tag)
	tag = strings.TrimPrefix(tag, "W/")
	return strings.Trim(tag, `"`)
}
