package operation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	pagecache "github.com/eugener/pagecache/internal"
	"github.com/eugener/pagecache/internal/headers"
	"github.com/eugener/pagecache/internal/keys"
	"github.com/eugener/pagecache/internal/ramcache"
	"github.com/eugener/pagecache/internal/testutil"
	"github.com/eugener/pagecache/internal/transform"
)

var modified = time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)

func page() pagecache.Published {
	return &testutil.Page{
		Up:       &testutil.Folder{Page: testutil.Page{Path: "/site/news"}},
		Modified: modified,
	}
}

func newRequest(method, target string) *pagecache.Request {
	return pagecache.NewRequest(httptest.NewRequest(method, target, nil))
}

func newDeps(store *testutil.FakeStore) Deps {
	reg := keys.NewRegistry()
	keys.RegisterDefaults(reg, keys.DefaultOptions{IdentityCookie: "__ac"})
	return Deps{RAM: ramcache.New(store.Chooser(), nil), ETags: reg, IdentityCookie: "__ac"}
}

func mustNew(t *testing.T, kind Kind, s Settings, deps Deps) *Operation {
	t.Helper()
	op, err := New(kind, s, deps)
	if err != nil {
		t.Fatal(err)
	}
	return op
}

func TestParseKind(t *testing.T) {
	t.Parallel()
	for _, k := range []string{"noCaching", "strongCaching", "moderateCaching", "weakCaching"} {
		if _, err := ParseKind(k); err != nil {
			t.Errorf("ParseKind(%q): %v", k, err)
		}
	}
	if _, err := ParseKind("eternalCaching"); !errors.Is(err, pagecache.ErrBadConfig) {
		t.Errorf("err = %v, want ErrBadConfig", err)
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	if _, err := New(ModerateCaching, Settings{}, Deps{}); !errors.Is(err, pagecache.ErrBadConfig) {
		t.Errorf("moderate without smaxage: err = %v", err)
	}
	if _, err := New(StrongCaching, Settings{MaxAge: -1}, Deps{}); !errors.Is(err, pagecache.ErrBadConfig) {
		t.Errorf("negative maxage: err = %v", err)
	}
}

func TestModifyHeaders(t *testing.T) {
	t.Parallel()
	lm := headers.FormatDate(modified)

	tests := []struct {
		name     string
		kind     Kind
		settings Settings
		wantCC   string
		wantETag string
		wantLM   string
		wantVary string
	}{
		{
			name:   "no caching",
			kind:   NoCaching,
			wantCC: "max-age=0, must-revalidate, private",
		},
		{
			name:     "strong everywhere",
			kind:     StrongCaching,
			settings: Settings{MaxAge: 86400, ETags: []string{"lastModified"}, LastModified: true, Vary: "Accept-Language"},
			wantCC:   "max-age=86400, must-revalidate, public",
			wantETag: "|65e556bf",
			wantLM:   lm,
			wantVary: "Accept-Language",
		},
		{
			name:     "strong with smaxage",
			kind:     StrongCaching,
			settings: Settings{MaxAge: 60, SMaxAge: 3600},
			wantCC:   "max-age=0, s-maxage=3600, must-revalidate",
		},
		{
			name:     "moderate",
			kind:     ModerateCaching,
			settings: Settings{SMaxAge: 600, LastModified: true},
			wantCC:   "max-age=0, s-maxage=600, must-revalidate",
			wantLM:   lm,
		},
		{
			name:     "weak",
			kind:     WeakCaching,
			settings: Settings{ETags: []string{"gzip"}},
			wantCC:   "max-age=0, must-revalidate, private",
			wantETag: "|0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			op := mustNew(t, tt.kind, tt.settings, newDeps(testutil.NewFakeStore()))
			resp := pagecache.NewResponse()
			op.Modify(context.Background(), page(), newRequest(http.MethodGet, "/news/item"), resp)

			if got := resp.Header.Get("Cache-Control"); got != tt.wantCC {
				t.Errorf("Cache-Control = %q, want %q", got, tt.wantCC)
			}
			if got := headers.Get(resp.Header, headers.ETag); got != tt.wantETag {
				t.Errorf("ETag = %q, want %q", got, tt.wantETag)
			}
			if got := resp.Header.Get("Last-Modified"); got != tt.wantLM {
				t.Errorf("Last-Modified = %q, want %q", got, tt.wantLM)
			}
			if got := resp.Header.Get("Vary"); got != tt.wantVary {
				t.Errorf("Vary = %q, want %q", got, tt.wantVary)
			}
		})
	}
}

func TestModifySkipsUnsafeMethods(t *testing.T) {
	t.Parallel()
	op := mustNew(t, StrongCaching, Settings{MaxAge: 60}, newDeps(testutil.NewFakeStore()))
	resp := pagecache.NewResponse()
	op.Modify(context.Background(), page(), newRequest(http.MethodPost, "/news/item"), resp)
	if len(resp.Header) != 0 {
		t.Errorf("POST response headers = %v, want none", resp.Header)
	}
}

func TestModifyServerError(t *testing.T) {
	t.Parallel()
	op := mustNew(t, StrongCaching, Settings{MaxAge: 60, RAMCache: true}, newDeps(testutil.NewFakeStore()))
	resp := pagecache.NewResponse()
	resp.Status = http.StatusBadGateway
	r := newRequest(http.MethodGet, "/news/item")
	op.Modify(context.Background(), page(), r, resp)
	if !strings.Contains(resp.Header.Get("Cache-Control"), "private") {
		t.Errorf("Cache-Control = %q, want private", resp.Header.Get("Cache-Control"))
	}
	if r.Has(pagecache.MarkerRAMCached) {
		t.Error("server errors should not be marked for capture")
	}
}

func TestAnonymousOnly(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	op := mustNew(t, StrongCaching, Settings{MaxAge: 60, RAMCache: true, AnonymousOnly: true}, newDeps(store))

	req := httptest.NewRequest(http.MethodGet, "/news/item", nil)
	req.AddCookie(&http.Cookie{Name: "__ac", Value: "alice"})
	r := pagecache.NewRequest(req)
	resp := pagecache.NewResponse()

	if _, hit := op.Intercept(context.Background(), page(), r, resp); hit {
		t.Fatal("authenticated request should not hit")
	}
	op.Modify(context.Background(), page(), r, resp)
	if got := resp.Header.Get("Cache-Control"); got != "max-age=0, must-revalidate, private" {
		t.Errorf("Cache-Control = %q", got)
	}
	if r.Has(pagecache.MarkerRAMCached) || store.Gets() != 0 {
		t.Error("authenticated request should bypass the RAM cache")
	}
}

func TestRAMCacheFlow(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	deps := newDeps(store)
	op := mustNew(t, StrongCaching, Settings{MaxAge: 300, ETags: []string{"gzip"}, RAMCache: true}, deps)
	stage := ramcache.NewCaptureStage(deps.RAM, op.Namespace())
	ctx := context.Background()

	// First request misses, renders and is captured.
	r := newRequest(http.MethodGet, "/news/item")
	resp := pagecache.NewResponse()
	if _, hit := op.Intercept(ctx, page(), r, resp); hit {
		t.Fatal("empty cache should miss")
	}
	resp.Header.Set("Content-Type", "text/html")
	op.Modify(ctx, page(), r, resp)
	if !r.Has(pagecache.MarkerRAMCached) {
		t.Fatal("response should be marked for capture")
	}
	if _, err := stage.Transform(ctx, r, resp, transform.Text{Value: "<p>news</p>"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.Entry("/site/news|0"); !ok {
		t.Fatalf("stored keys = %v, want /site/news|0", store.Keys())
	}

	// Second request is served from RAM with the stored headers.
	r2 := newRequest(http.MethodGet, "/news/item")
	resp2 := pagecache.NewResponse()
	body, hit := op.Intercept(ctx, page(), r2, resp2)
	if !hit {
		t.Fatal("second request should hit")
	}
	if string(body) != "<p>news</p>" || !r2.Has(pagecache.MarkerRAMHit) {
		t.Errorf("hit body = %q", body)
	}
	if got := resp2.Header["ETag"]; len(got) != 1 || got[0] != "|0" {
		t.Errorf("replayed ETag = %v", got)
	}
	if resp2.Header.Get("Content-Type") != "text/html" {
		t.Errorf("replayed headers = %v", resp2.Header)
	}

	// A client accepting gzip has a different ETag and therefore key.
	req3 := httptest.NewRequest(http.MethodGet, "/news/item", nil)
	req3.Header.Set("Accept-Encoding", "gzip")
	if _, hit := op.Intercept(ctx, page(), pagecache.NewRequest(req3), pagecache.NewResponse()); hit {
		t.Error("different ETag tokens should miss")
	}
}

func TestRAMCacheDisabledWithoutStore(t *testing.T) {
	t.Parallel()
	op := mustNew(t, StrongCaching, Settings{MaxAge: 60, RAMCache: true}, Deps{})
	r := newRequest(http.MethodGet, "/x")
	resp := pagecache.NewResponse()
	if _, hit := op.Intercept(context.Background(), page(), r, resp); hit {
		t.Fatal("no RAM cache should miss")
	}
	op.Modify(context.Background(), page(), r, resp)
	if r.Has(pagecache.MarkerRAMCached) {
		t.Error("no RAM cache should not mark for capture")
	}
}

func TestRuleset(t *testing.T) {
	t.Parallel()
	deps := newDeps(testutil.NewFakeStore())
	strong := mustNew(t, StrongCaching, Settings{MaxAge: 60, RAMCache: true, Namespace: "assets"}, deps)
	weak := mustNew(t, WeakCaching, Settings{RAMCache: true}, deps)
	none := mustNew(t, NoCaching, Settings{}, deps)

	rs, err := NewRuleset(
		Rule{Name: "static", Pattern: "/static/**", Operation: strong},
		Rule{Name: "login", Pattern: "/login", Operation: none},
		Rule{Name: "pages", Pattern: "/*", Operation: weak},
		Rule{Name: "nested", Pattern: "/*/*", Operation: weak},
	)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path string
		want string
	}{
		{"/static", "static"},
		{"/static/css/site.css", "static"},
		{"/login", "login"},
		{"/about", "pages"},
		{"/news/item", "nested"},
		{"/a/b/c", ""},
	}
	for _, tt := range tests {
		rule, ok := rs.Match(tt.path)
		if got := rule.Name; got != tt.want || ok != (tt.want != "") {
			t.Errorf("Match(%q) = %q, %v; want %q", tt.path, got, ok, tt.want)
		}
	}

	ns := rs.Namespaces()
	if len(ns) != 2 || ns[0] != "assets" || ns[1] != pagecache.DefaultNamespace {
		t.Errorf("Namespaces() = %v", ns)
	}
	if rs.Len() != 4 {
		t.Errorf("Len() = %d", rs.Len())
	}

	if _, err := NewRuleset(Rule{Name: "bad", Pattern: "/[", Operation: weak}); !errors.Is(err, pagecache.ErrBadConfig) {
		t.Errorf("bad pattern err = %v", err)
	}
	if _, err := NewRuleset(Rule{Name: "empty", Pattern: "/"}); !errors.Is(err, pagecache.ErrBadConfig) {
		t.Errorf("missing operation err = %v", err)
	}
}

func TestHeadIsNotCaptured(t *testing.T) {
	t.Parallel()
	op := mustNew(t, StrongCaching, Settings{MaxAge: 60, RAMCache: true}, newDeps(testutil.NewFakeStore()))
	r := newRequest(http.MethodHead, "/news/item")
	resp := pagecache.NewResponse()
	op.Intercept(context.Background(), page(), r, resp)
	op.Modify(context.Background(), page(), r, resp)
	if r.Has(pagecache.MarkerRAMCached) {
		t.Error("HEAD should not be marked for capture")
	}
	if resp.Header.Get("Cache-Control") == "" {
		t.Error("HEAD should still get caching headers")
	}
}
