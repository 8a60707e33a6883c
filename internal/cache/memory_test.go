package cache

import (
	"context"
	"testing"
	"time"

	pagecache "github.com/eugener/pagecache/internal"
)

func sampleEntry(body string) pagecache.Entry {
	return pagecache.Entry{
		Status: 200,
		Header: map[string]string{"Content-Type": "text/html", "ETag": "|a|b"},
		Body:   []byte(body),
	}
}

func TestMemory_GetSet(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, ok := m.Get(ctx, "missing"); ok {
		t.Error("should not find missing key")
	}

	m.Set(ctx, "k1", sampleEntry("v1"))
	// otter applies writes asynchronously; wait briefly.
	time.Sleep(50 * time.Millisecond)

	got, ok := m.Get(ctx, "k1")
	if !ok {
		t.Fatal("should find k1")
	}
	if string(got.Body) != "v1" || got.Header["ETag"] != "|a|b" || got.Status != 200 {
		t.Errorf("entry = %+v", got)
	}
}

func TestMemory_TTLExpiry(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	m.Set(ctx, "expiring", sampleEntry("data"))
	time.Sleep(150 * time.Millisecond)

	if _, ok := m.Get(ctx, "expiring"); ok {
		t.Error("entry should be expired")
	}
}

func TestMemory_Purge(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100, 0)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	m.Set(ctx, "a", sampleEntry("1"))
	m.Set(ctx, "b", sampleEntry("2"))
	time.Sleep(50 * time.Millisecond)

	m.Purge()

	if _, ok := m.Get(ctx, "a"); ok {
		t.Error("purge should remove all keys")
	}
	if _, ok := m.Get(ctx, "b"); ok {
		t.Error("purge should remove all keys")
	}
}

func TestRistretto(t *testing.T) {
	t.Parallel()
	r, err := NewRistretto(RistrettoConfig{NumCounters: 1000, MaxCost: 1 << 20})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	ctx := context.Background()

	r.Set(ctx, "k", sampleEntry("hello"))
	r.Wait()

	got, ok := r.Get(ctx, "k")
	if !ok {
		t.Fatal("should find k")
	}
	if string(got.Body) != "hello" {
		t.Errorf("body = %q", got.Body)
	}
	if _, ok := r.Get(ctx, "other"); ok {
		t.Error("should not find other")
	}
}

func TestRistrettoBadConfig(t *testing.T) {
	t.Parallel()
	if _, err := NewRistretto(RistrettoConfig{}); err == nil {
		t.Fatal("expected error for zero config")
	}
}

func TestBigCacheEncoded(t *testing.T) {
	t.Parallel()
	p, err := NewBigCache(BigCacheConfig{LifeWindow: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	s := Encoded("bigcache", p, Msgpack[pagecache.Entry]{})
	defer s.Close()
	ctx := context.Background()

	if _, ok := s.Get(ctx, "missing"); ok {
		t.Error("should not find missing key")
	}
	s.Set(ctx, "k", sampleEntry("hello"))
	got, ok := s.Get(ctx, "k")
	if !ok {
		t.Fatal("should find k")
	}
	if got.Status != 200 || string(got.Body) != "hello" || got.Header["Content-Type"] != "text/html" {
		t.Errorf("entry = %+v", got)
	}
}
