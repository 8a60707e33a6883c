package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	pagecache "github.com/eugener/pagecache/internal"
)

// ErrOpen is returned for requests to a host whose breaker is open.
var ErrOpen = fmt.Errorf("circuit open: %w", pagecache.ErrUnavailable)

// Transport is an http.RoundTripper keeping one Breaker per request host.
type Transport struct {
	base     http.RoundTripper
	cfg      Config
	onChange func(host string, from, to State)

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewTransport wraps base. onChange may be nil.
func NewTransport(base http.RoundTripper, cfg Config, onChange func(host string, from, to State)) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{base: base, cfg: cfg, onChange: onChange, breakers: make(map[string]*Breaker)}
}

// Breaker returns the breaker of host, creating it on first use.
// Uses double-check locking to minimize write-lock contention.
func (t *Transport) Breaker(host string) *Breaker {
	t.mu.RLock()
	b, ok := t.breakers[host]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.breakers[host]; ok {
		return b
	}
	var onChange func(from, to State)
	if t.onChange != nil {
		onChange = func(from, to State) { t.onChange(host, from, to) }
	}
	b = NewBreaker(t.cfg, onChange)
	t.breakers[host] = b
	return b
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	b := t.Breaker(r.URL.Host)
	if !b.Allow() {
		return nil, fmt.Errorf("%s: %w", r.URL.Host, ErrOpen)
	}
	resp, err := t.base.RoundTrip(r)
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		b.Release()
	case err != nil:
		b.Record(ClassifyError(err))
	default:
		b.Record(ClassifyStatus(resp.StatusCode))
	}
	return resp, err
}
