// Package ratelimit caps the rate of requests sent to the origin with a
// lazily refilled token bucket. Refused requests fail immediately so a
// stampede of cache misses cannot overload the origin.
package ratelimit

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	pagecache "github.com/eugener/pagecache/internal"
)

// Bucket is a token bucket with lazy refill (no background goroutine).
// It is not safe for concurrent use; Limiter guards it.
type Bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(perSecond float64, burst int, now time.Time) *Bucket {
	if burst <= 0 {
		burst = max(1, int(perSecond))
	}
	return &Bucket{
		tokens:   float64(burst),
		max:      float64(burst),
		rate:     perSecond,
		lastFill: now,
	}
}

// refill adds tokens based on elapsed time since last refill.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

// take consumes one token if available.
func (b *Bucket) take(now time.Time) bool {
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// retryAfter returns the time until one token is available.
func (b *Bucket) retryAfter() time.Duration {
	if b.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
}

// Limiter admits requests at a steady rate with bursts. It is safe for
// concurrent use.
type Limiter struct {
	now func() time.Time

	mu     sync.Mutex
	bucket *Bucket
}

// NewLimiter returns a limiter admitting perSecond requests per second with
// bursts of up to burst requests. A burst of 0 defaults to one second's
// worth. A zero or negative rate returns nil, which admits everything.
func NewLimiter(perSecond float64, burst int) *Limiter {
	if perSecond <= 0 {
		return nil
	}
	return &Limiter{now: time.Now, bucket: newBucket(perSecond, burst, time.Now())}
}

// Allow consumes one token. When refused, retryAfter is the wait until the
// next token.
func (l *Limiter) Allow() (ok bool, retryAfter time.Duration) {
	if l == nil {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bucket.take(l.now()) {
		return true, 0
	}
	return false, l.bucket.retryAfter()
}

// LimitedError is returned for requests refused by the limiter.
type LimitedError struct {
	Wait time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("origin rate limit exceeded, retry in %s", e.Wait.Round(time.Millisecond))
}

// RetryAfter returns the wait until the limiter admits a request again.
func (e *LimitedError) RetryAfter() time.Duration { return e.Wait }

// Unwrap makes the error match pagecache.ErrUnavailable.
func (e *LimitedError) Unwrap() error { return pagecache.ErrUnavailable }

// Transport is an http.RoundTripper admitting requests through a Limiter.
type Transport struct {
	base      http.RoundTripper
	limiter   *Limiter
	onLimited func()
}

// NewTransport wraps base. onLimited, if non-nil, is called for every
// refused request.
func NewTransport(base http.RoundTripper, limiter *Limiter, onLimited func()) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{base: base, limiter: limiter, onLimited: onLimited}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	if ok, wait := t.limiter.Allow(); !ok {
		if t.onLimited != nil {
			t.onLimited()
		}
		return nil, &LimitedError{Wait: wait}
	}
	return t.base.RoundTrip(r)
}
