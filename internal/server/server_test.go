package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	pagecache "github.com/eugener/pagecache/internal"
	"github.com/eugener/pagecache/internal/headers"
	"github.com/eugener/pagecache/internal/keys"
	"github.com/eugener/pagecache/internal/operation"
	"github.com/eugener/pagecache/internal/ramcache"
	"github.com/eugener/pagecache/internal/testutil"
	"github.com/eugener/pagecache/internal/transform"
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

type fixture struct {
	handler   http.Handler
	publisher *testutil.FakePublisher
	store     *testutil.FakeStore
}

// newFixture wires a handler with one rule matching every path.
func newFixture(t testing.TB, kind operation.Kind, s operation.Settings) *fixture {
	t.Helper()
	store := testutil.NewFakeStore()
	ram := ramcache.New(store.Chooser(), nil)
	reg := keys.NewRegistry()
	keys.RegisterDefaults(reg, keys.DefaultOptions{IdentityCookie: "__ac"})

	op, err := operation.New(kind, s, operation.Deps{RAM: ram, ETags: reg, IdentityCookie: "__ac"})
	if err != nil {
		t.Fatal(err)
	}
	rules, err := operation.NewRuleset(operation.Rule{Name: "all", Pattern: "/**", Operation: op})
	if err != nil {
		t.Fatal(err)
	}

	pub := &testutil.FakePublisher{}
	return &fixture{
		handler: New(Deps{
			Publisher: pub,
			Rules:     rules,
			Chain:     transform.NewChain(transform.CharsetStage{}, ramcache.NewCaptureStage(ram, s.Namespace)),
		}),
		publisher: pub,
		store:     store,
	}
}

func (f *fixture) do(method, target string, hdr http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, vv := range hdr {
		req.Header[k] = vv
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

var ramStrong = operation.Settings{MaxAge: 60, ETags: []string{keys.SourceGzip}, RAMCache: true}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := New(Deps{Publisher: &testutil.FakePublisher{}})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		check ReadyChecker
		want  int
	}{
		{name: "no check", want: http.StatusOK},
		{name: "ready", check: func(context.Context) error { return nil }, want: http.StatusOK},
		{name: "not ready", check: func(context.Context) error { return errors.New("db down") }, want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := New(Deps{Publisher: &testutil.FakePublisher{}, ReadyCheck: tt.check})
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	t.Parallel()
	h := New(Deps{Publisher: &testutil.FakePublisher{}})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("a request ID should be generated")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "abc-123" {
		t.Errorf("X-Request-Id = %q, want %q", got, "abc-123")
	}
}

func TestPassWithoutRules(t *testing.T) {
	t.Parallel()
	pub := &testutil.FakePublisher{}
	h := New(Deps{Publisher: pub})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/news", nil))

	if rec.Code != http.StatusOK || rec.Body.String() != "<p>hello</p>" {
		t.Errorf("response = %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(dispositionHeader); got != DispositionPass {
		t.Errorf("%s = %q, want PASS", dispositionHeader, got)
	}
	if rec.Header().Get("Cache-Control") != "" {
		t.Error("no caching headers should be set without a rule")
	}
}

func TestStoreThenHit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, operation.StrongCaching, ramStrong)

	first := f.do(http.MethodGet, "/news", nil)
	if got := first.Header().Get(dispositionHeader); got != DispositionStore {
		t.Fatalf("first %s = %q, want STORE", dispositionHeader, got)
	}
	if got := first.Header().Get("Cache-Control"); got != "max-age=60, must-revalidate, public" {
		t.Errorf("Cache-Control = %q", got)
	}
	if got := first.Header()["ETag"]; len(got) != 1 || got[0] != "|0" {
		t.Errorf("ETag = %v, want [|0]", got)
	}
	if _, ok := f.store.Entry("/site/news|0"); !ok {
		t.Fatalf("entry not stored; keys = %v", f.store.Keys())
	}

	second := f.do(http.MethodGet, "/news", nil)
	if got := second.Header().Get(dispositionHeader); got != DispositionHit {
		t.Fatalf("second %s = %q, want HIT", dispositionHeader, got)
	}
	if second.Body.String() != "<p>hello</p>" {
		t.Errorf("replayed body = %q", second.Body.String())
	}
	if got := second.Header().Get("Content-Type"); got != "text/html" {
		t.Errorf("replayed Content-Type = %q", got)
	}
	if f.publisher.Renders() != 1 {
		t.Errorf("renders = %d, want 1", f.publisher.Renders())
	}
}

func TestKeyVariesWithETag(t *testing.T) {
	t.Parallel()
	f := newFixture(t, operation.StrongCaching, ramStrong)

	f.do(http.MethodGet, "/news", nil)
	rec := f.do(http.MethodGet, "/news", http.Header{"Accept-Encoding": {"gzip"}})
	if got := rec.Header().Get(dispositionHeader); got != DispositionStore {
		t.Errorf("%s = %q, want STORE for a different ETag", dispositionHeader, got)
	}
	if f.publisher.Renders() != 2 {
		t.Errorf("renders = %d, want 2", f.publisher.Renders())
	}
}

func TestChunkedBodyIsCaptured(t *testing.T) {
	t.Parallel()
	f := newFixture(t, operation.StrongCaching, ramStrong)
	f.publisher.RenderFn = func(_ context.Context, _ pagecache.Published, _ *pagecache.Request, resp *pagecache.Response) (transform.Body, error) {
		resp.Header.Set("Content-Type", "text/plain")
		return testutil.ChunkBody("ab", "cd", "ef"), nil
	}

	first := f.do(http.MethodGet, "/file", nil)
	if first.Body.String() != "abcdef" {
		t.Errorf("first body = %q", first.Body.String())
	}
	second := f.do(http.MethodGet, "/file", nil)
	if second.Header().Get(dispositionHeader) != DispositionHit || second.Body.String() != "abcdef" {
		t.Errorf("second = %s %q", second.Header().Get(dispositionHeader), second.Body.String())
	}
}

func TestCookiesAreNotReplayed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, operation.StrongCaching, ramStrong)
	f.publisher.RenderFn = func(_ context.Context, _ pagecache.Published, _ *pagecache.Request, resp *pagecache.Response) (transform.Body, error) {
		resp.Header.Set("Content-Type", "text/html")
		resp.Header.Add("Set-Cookie", "session=alice-secret; HttpOnly")
		resp.Header.Add("Set-Cookie", "csrf=tok1")
		return transform.Text{Value: "<p>front page</p>"}, nil
	}

	first := f.do(http.MethodGet, "/front", nil)
	if got := first.Header().Get(dispositionHeader); got != DispositionStore {
		t.Fatalf("first %s = %q, want STORE", dispositionHeader, got)
	}
	if got := first.Header().Values("Set-Cookie"); len(got) != 2 {
		t.Errorf("rendering client cookies = %q, want both", got)
	}

	second := f.do(http.MethodGet, "/front", nil)
	if got := second.Header().Get(dispositionHeader); got != DispositionHit {
		t.Fatalf("second %s = %q, want HIT", dispositionHeader, got)
	}
	if got := second.Header().Values("Set-Cookie"); len(got) != 0 {
		t.Errorf("replayed cookies = %q, want none", got)
	}
	if second.Body.String() != "<p>front page</p>" || second.Header().Get("Content-Type") != "text/html" {
		t.Errorf("replayed page = %q %q", second.Header().Get("Content-Type"), second.Body.String())
	}
	for key, e := range f.store.Keys() {
		if _, ok := e.Header["Set-Cookie"]; ok {
			t.Errorf("entry %q stored Set-Cookie", key)
		}
	}
}

func TestIncompleteBodyIsNotCaptured(t *testing.T) {
	t.Parallel()
	f := newFixture(t, operation.StrongCaching, ramStrong)
	f.publisher.RenderFn = func(_ context.Context, _ pagecache.Published, _ *pagecache.Request, resp *pagecache.Response) (transform.Body, error) {
		resp.Header.Set("Content-Type", "text/html")
		return testutil.FailingChunkBody(fmt.Errorf("%w: body exceeds 60 bytes", pagecache.ErrUpstream), "<html>", "<body>cut"), nil
	}
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	for i := range 2 {
		resp, err := srv.Client().Get(srv.URL + "/page")
		if err == nil {
			if got := resp.Header.Get(dispositionHeader); got == DispositionHit || got == DispositionStore {
				t.Errorf("request %d: %s = %q for an incomplete body", i, dispositionHeader, got)
			}
			_, err = io.ReadAll(resp.Body)
			resp.Body.Close()
		}
		if err == nil {
			t.Errorf("request %d: an incomplete body should reach the client as an error", i)
		}
	}
	if f.store.Sets() != 0 {
		t.Errorf("store sets = %d, want 0", f.store.Sets())
	}
	if f.publisher.Renders() != 2 {
		t.Errorf("renders = %d, want 2", f.publisher.Renders())
	}
}

func TestNotModified(t *testing.T) {
	t.Parallel()

	t.Run("after render", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, operation.WeakCaching, operation.Settings{ETags: []string{keys.SourceGzip}})
		rec := f.do(http.MethodGet, "/news", http.Header{"If-None-Match": {"|0"}})
		if rec.Code != http.StatusNotModified {
			t.Fatalf("status = %d, want 304", rec.Code)
		}
		if rec.Body.Len() != 0 {
			t.Errorf("304 body = %q", rec.Body.String())
		}
		if got := headers.Get(rec.Header(), headers.ETag); got != "|0" {
			t.Errorf("ETag = %q", got)
		}
	})

	t.Run("from cache", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, operation.StrongCaching, ramStrong)
		f.do(http.MethodGet, "/news", nil)
		rec := f.do(http.MethodGet, "/news", http.Header{"If-None-Match": {`"|0"`}})
		if rec.Code != http.StatusNotModified {
			t.Fatalf("status = %d, want 304", rec.Code)
		}
		if rec.Header().Get(dispositionHeader) != DispositionHit {
			t.Errorf("%s = %q", dispositionHeader, rec.Header().Get(dispositionHeader))
		}
		if f.publisher.Renders() != 1 {
			t.Errorf("renders = %d, want 1", f.publisher.Renders())
		}
	})

	t.Run("stale validator", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, operation.WeakCaching, operation.Settings{ETags: []string{keys.SourceGzip}})
		rec := f.do(http.MethodGet, "/news", http.Header{"If-None-Match": {"|1"}})
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})
}

func TestHead(t *testing.T) {
	t.Parallel()
	f := newFixture(t, operation.StrongCaching, ramStrong)

	rec := f.do(http.MethodHead, "/news", nil)
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Errorf("HEAD = %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(dispositionHeader); got != DispositionMiss {
		t.Errorf("%s = %q, want MISS", dispositionHeader, got)
	}
	if f.store.Sets() != 0 {
		t.Error("HEAD responses must not be captured")
	}

	f.do(http.MethodGet, "/news", nil)
	rec = f.do(http.MethodHead, "/news", nil)
	if rec.Header().Get(dispositionHeader) != DispositionHit || rec.Body.Len() != 0 {
		t.Errorf("HEAD after GET = %s %q", rec.Header().Get(dispositionHeader), rec.Body.String())
	}
}

func TestUnsafeMethodPasses(t *testing.T) {
	t.Parallel()
	f := newFixture(t, operation.StrongCaching, ramStrong)

	rec := f.do(http.MethodPost, "/news", nil)
	if rec.Header().Get(dispositionHeader) != DispositionPass {
		t.Errorf("%s = %q, want PASS", dispositionHeader, rec.Header().Get(dispositionHeader))
	}
	if rec.Header().Get("Cache-Control") != "" {
		t.Error("POST responses should not get caching headers")
	}
	if f.store.Sets() != 0 {
		t.Error("POST responses must not be captured")
	}
}

func TestNoCachingRule(t *testing.T) {
	t.Parallel()
	f := newFixture(t, operation.NoCaching, operation.Settings{})

	rec := f.do(http.MethodGet, "/news", nil)
	if rec.Header().Get(dispositionHeader) != DispositionPass {
		t.Errorf("%s = %q, want PASS", dispositionHeader, rec.Header().Get(dispositionHeader))
	}
	if got := rec.Header().Get("Cache-Control"); got != "max-age=0, must-revalidate, private" {
		t.Errorf("Cache-Control = %q", got)
	}
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		traverse error
		render   error
		want     int
		retry    string
	}{
		{name: "not found", traverse: pagecache.ErrNotFound, want: http.StatusNotFound},
		{name: "upstream", render: pagecache.ErrUpstream, want: http.StatusBadGateway},
		{name: "unavailable", render: fmt.Errorf("%w: %w", pagecache.ErrUpstream, pagecache.ErrUnavailable), want: http.StatusServiceUnavailable},
		{name: "retry after", render: fmt.Errorf("%w: %w", pagecache.ErrUpstream, limitedErr(1500*time.Millisecond)), want: http.StatusServiceUnavailable, retry: "2"},
		{name: "other", render: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pub := &testutil.FakePublisher{
				TraverseFn: func(r *pagecache.Request) (pagecache.Published, error) {
					return &testutil.Page{}, tt.traverse
				},
				RenderFn: func(context.Context, pagecache.Published, *pagecache.Request, *pagecache.Response) (transform.Body, error) {
					return nil, tt.render
				},
			}
			h := New(Deps{Publisher: pub})
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if got := rec.Header().Get("Cache-Control"); got != "max-age=0, must-revalidate, private" {
				t.Errorf("error Cache-Control = %q", got)
			}
			if got := rec.Header().Get("Retry-After"); got != tt.retry {
				t.Errorf("Retry-After = %q, want %q", got, tt.retry)
			}
		})
	}
}

type limitedErr time.Duration

func (e limitedErr) Error() string             { return "limited" }
func (e limitedErr) Unwrap() error             { return pagecache.ErrUnavailable }
func (e limitedErr) RetryAfter() time.Duration { return time.Duration(e) }

func TestRecovery(t *testing.T) {
	t.Parallel()
	pub := &testutil.FakePublisher{
		TraverseFn: func(*pagecache.Request) (pagecache.Published, error) { panic("traverse exploded") },
	}
	h := New(Deps{Publisher: pub})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestStatusWriter_FirstWriteHeaderWins(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}
	sw.WriteHeader(http.StatusNotFound)
	sw.WriteHeader(http.StatusOK)
	if sw.status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", sw.status)
	}
	if sw.Unwrap() != rec {
		t.Error("Unwrap should return the wrapped writer")
	}
}

func BenchmarkHit(b *testing.B) {
	f := newFixture(b, operation.StrongCaching, ramStrong)
	f.do(http.MethodGet, "/news", nil)

	b.ResetTimer()
	for b.Loop() {
		rec := f.do(http.MethodGet, "/news", nil)
		if rec.Code != http.StatusOK {
			b.Fatalf("status = %d", rec.Code)
		}
	}
}

func BenchmarkHitParallel(b *testing.B) {
	f := newFixture(b, operation.StrongCaching, ramStrong)
	f.do(http.MethodGet, "/news", nil)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			rec := f.do(http.MethodGet, "/news", nil)
			if rec.Code != http.StatusOK {
				b.Fatalf("status = %d", rec.Code)
			}
		}
	})
}
