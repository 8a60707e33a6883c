package keys

import (
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/language"

	pagecache "github.com/eugener/pagecache/internal"
	"github.com/eugener/pagecache/internal/headers"
)

// Names of the built-in value sources.
const (
	SourceLastModified  = "lastModified"
	SourceLanguage      = "language"
	SourceGzip          = "gzip"
	SourceUserID        = "userid"
	SourceOriginCounter = "originCounter"
)

// Counter publishes a monotonically changing origin counter.
type Counter interface {
	Current() (uint64, bool)
}

// DefaultOptions configures RegisterDefaults.
type DefaultOptions struct {
	// IdentityCookie names the cookie that identifies an authenticated user.
	// Empty disables the userid source.
	IdentityCookie string
	// Counter feeds the originCounter source. Nil disables it.
	Counter Counter
}

// RegisterDefaults registers the built-in value sources on reg.
func RegisterDefaults(reg *Registry, opts DefaultOptions) {
	reg.Register(SourceLastModified, LastModified())
	reg.Register(SourceLanguage, Language())
	reg.Register(SourceGzip, Gzip())
	if opts.IdentityCookie != "" {
		reg.Register(SourceUserID, Cookie(opts.IdentityCookie))
	}
	if opts.Counter != nil {
		reg.Register(SourceOriginCounter, CounterSource(opts.Counter))
	}
}

// LastModified yields the modification time of the published object as hex
// unix seconds.
func LastModified() ValueSource {
	return ValueSourceFunc(func(p pagecache.Published, _ *pagecache.Request) (string, bool) {
		t, ok := headers.SafeLastModified(p)
		if !ok {
			return "", false
		}
		return strconv.FormatInt(t.Unix(), 16), true
	})
}

// Language yields the preferred tag of the Accept-Language header.
func Language() ValueSource {
	return ValueSourceFunc(func(_ pagecache.Published, r *pagecache.Request) (string, bool) {
		if r == nil || r.HTTP == nil {
			return "", false
		}
		raw := r.HTTP.Header.Get("Accept-Language")
		if raw == "" {
			return "", false
		}
		tags, _, err := language.ParseAcceptLanguage(raw)
		if err != nil || len(tags) == 0 {
			return "", false
		}
		return tags[0].String(), true
	})
}

// Gzip yields "1" when the client accepts gzip, "0" otherwise.
func Gzip() ValueSource {
	return ValueSourceFunc(func(_ pagecache.Published, r *pagecache.Request) (string, bool) {
		if r == nil || r.HTTP == nil {
			return "0", true
		}
		for part := range strings.SplitSeq(r.HTTP.Header.Get("Accept-Encoding"), ",") {
			coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
			if !strings.EqualFold(strings.TrimSpace(coding), "gzip") {
				continue
			}
			if qvalue(params) <= 0 {
				return "0", true
			}
			return "1", true
		}
		return "0", true
	})
}

// qvalue returns the q parameter of an Accept-Encoding entry, 1 when absent.
// A malformed weight counts as a refusal.
func qvalue(params string) float64 {
	for param := range strings.SplitSeq(params, ";") {
		name, value, _ := strings.Cut(strings.TrimSpace(param), "=")
		if !strings.EqualFold(strings.TrimSpace(name), "q") {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || math.IsNaN(q) {
			return 0
		}
		return q
	}
	return 1
}

// Cookie yields the value of the named cookie. Requests without it have no
// token.
func Cookie(name string) ValueSource {
	return ValueSourceFunc(func(_ pagecache.Published, r *pagecache.Request) (string, bool) {
		if r == nil || r.HTTP == nil {
			return "", false
		}
		c, err := r.HTTP.Cookie(name)
		if err != nil || c.Value == "" {
			return "", false
		}
		return c.Value, true
	})
}

// CounterSource yields the current value of c in decimal.
func CounterSource(c Counter) ValueSource {
	return ValueSourceFunc(func(_ pagecache.Published, _ *pagecache.Request) (string, bool) {
		v, ok := c.Current()
		if !ok {
			return "", false
		}
		return strconv.FormatUint(v, 10), true
	})
}
