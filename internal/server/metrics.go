package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eugener/pagecache/internal/telemetry"
)

// statusLabels holds pre-rendered labels for the standard status range.
// Origins may answer with any three-digit code; those are rendered on demand.
var statusLabels [600]string

func init() {
	for i := range statusLabels {
		statusLabels[i] = strconv.Itoa(i)
	}
}

func statusLabel(code int) string {
	if code >= 0 && code < len(statusLabels) {
		return statusLabels[code]
	}
	return strconv.Itoa(code)
}

// cacheLabel is the disposition label of a response. System endpoints carry
// none.
func cacheLabel(h http.Header) string {
	if d := disposition(h); d != "" {
		return d
	}
	return "none"
}

// metricsMiddleware records request count by status and cache disposition,
// duration and the number of requests in flight. A request that panics is
// still counted, as a 500 when no status was written.
func metricsMiddleware(m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.ActiveRequests.Inc()
			start := time.Now()

			sw := statusWriterPool.Get().(*statusWriter)
			sw.ResponseWriter = w
			sw.status = http.StatusOK
			sw.wroteHeader = false

			defer func() {
				rec := recover()
				status := sw.status
				if rec != nil && !sw.wroteHeader {
					status = http.StatusInternalServerError
				}
				cache := cacheLabel(sw.Header())
				sw.ResponseWriter = nil
				statusWriterPool.Put(sw)

				m.ActiveRequests.Dec()
				pattern := routePattern(r)
				m.RequestsTotal.WithLabelValues(r.Method, pattern, statusLabel(status), cache).Inc()
				m.RequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())

				if rec != nil {
					panic(rec)
				}
			}()

			next.ServeHTTP(sw, r)
		})
	}
}

// routePattern returns the chi route pattern for bounded cardinality,
// falling back to the raw path for non-chi routes.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}
