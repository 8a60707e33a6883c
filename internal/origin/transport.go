package origin

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching. Set forceHTTP2 for HTTPS origins.
func NewTransport(resolver *dnscache.Resolver, forceHTTP2 bool) *http.Transport {
	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   forceHTTP2,
		TLSHandshakeTimeout: 5 * time.Second,
		// Bodies are cached and replayed verbatim, so ask for them unencoded.
		DisableCompression: true,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// RefreshDNS refreshes the resolver cache every interval until ctx is done.
// Entries not used since the previous refresh are dropped.
func RefreshDNS(ctx context.Context, resolver *dnscache.Resolver, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			resolver.Refresh(true)
		}
	}
}

// hopByHopHeaders must not be forwarded between client and origin.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// requestSkipHeaders are request headers the cache answers itself.
var requestSkipHeaders = map[string]struct{}{
	"Accept-Encoding":   {},
	"If-None-Match":     {},
	"If-Modified-Since": {},
	"If-Match":          {},
	"If-Range":          {},
	"Range":             {},
	"Authorization":     {},
}

// responseSkipHeaders are origin headers recomputed after transforms.
var responseSkipHeaders = map[string]struct{}{
	"Content-Length": {},
}

func copyHeaders(dst, src http.Header, skip map[string]struct{}) {
	for key, vals := range src {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		if _, s := skip[key]; s {
			continue
		}
		dst[key] = append(dst[key], vals...)
	}
}
