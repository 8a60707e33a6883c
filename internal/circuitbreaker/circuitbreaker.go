// Package circuitbreaker stops sending requests to an origin host whose
// recent weighted error rate crossed a threshold. While a breaker is open,
// cache misses fail in nanoseconds instead of waiting for the origin to
// time out; cached pages keep being served.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests.
	StateOpen
	// StateHalfOpen allows a single trial request.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker parameters.
type Config struct {
	ErrorThreshold float64       // weighted error rate to trip (e.g. 0.30)
	MinSamples     int           // minimum requests in the window before tripping
	Window         time.Duration // sliding window, one-second buckets, at most a minute
	OpenTimeout    time.Duration // time in OPEN before a trial is let through
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold: 0.30,
		MinSamples:     10,
		Window:         time.Minute,
		OpenTimeout:    30 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = d.ErrorThreshold
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	return c
}

const maxBuckets = 60

// slot holds the weighted error sum and request count of one second.
type slot struct {
	errors float64
	total  int
}

// window is a ring of one-second slots. The array is fixed so a breaker
// never allocates after construction.
type window struct {
	slots   [maxBuckets]slot
	size    int
	head    int
	headSec int64
}

func newWindow(d time.Duration) window {
	n := int(d / time.Second)
	if n <= 0 || n > maxBuckets {
		n = maxBuckets
	}
	return window{size: n}
}

// advance moves head to sec, clearing the slots skipped over.
func (w *window) advance(sec int64) {
	if w.headSec == 0 {
		w.headSec = sec
		return
	}
	gap := sec - w.headSec
	if gap <= 0 {
		return
	}
	for i := range min(int(gap), w.size) {
		w.slots[(w.head+1+i)%w.size] = slot{}
	}
	w.head = (w.head + int(gap)) % w.size
	w.headSec = sec
}

func (w *window) add(weight float64, now time.Time) {
	w.advance(now.Unix())
	w.slots[w.head].total++
	w.slots[w.head].errors += weight
}

// rate returns the weighted error rate and the sample count of the window.
func (w *window) rate(now time.Time) (float64, int) {
	w.advance(now.Unix())
	var errs float64
	var total int
	for i := range w.size {
		errs += w.slots[i].errors
		total += w.slots[i].total
	}
	if total == 0 {
		return 0, 0
	}
	return errs / float64(total), total
}

func (w *window) reset() {
	*w = window{size: w.size}
}

// Breaker is the state machine guarding one origin host. It is safe for
// concurrent use.
type Breaker struct {
	cfg      Config
	now      func() time.Time
	onChange func(from, to State)

	mu       sync.Mutex
	state    State
	win      window
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker. onChange, if non-nil, is called on
// every state transition with the breaker lock held; it must not call back
// into the breaker.
func NewBreaker(cfg Config, onChange func(from, to State)) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		cfg:      cfg,
		now:      time.Now,
		onChange: onChange,
		win:      newWindow(cfg.Window),
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a request may proceed. In HALF_OPEN exactly one
// trial is in flight at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			return false
		}
		b.setState(StateHalfOpen)
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// Record records the outcome of an allowed request. Weight 0 is a success.
func (b *Breaker) Record(weight float64) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.win.add(weight, now)

	switch b.state {
	case StateClosed:
		if weight == 0 {
			return
		}
		if rate, n := b.win.rate(now); n >= b.cfg.MinSamples && rate >= b.cfg.ErrorThreshold {
			b.trip(now)
		}
	case StateHalfOpen:
		b.probing = false
		if weight > 0 {
			b.trip(now)
			return
		}
		b.win.reset()
		b.setState(StateClosed)
	}
}

// Release gives up an allowed request without an outcome, for example
// when the client went away. A pending trial can then be retried.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probing = false
	}
}

func (b *Breaker) trip(now time.Time) {
	b.openedAt = now
	b.setState(StateOpen)
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
