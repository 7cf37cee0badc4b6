package driver

import (
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultInitialDelay = 10 * time.Second
	DefaultMaxDelay     = 10 * time.Minute

	// jitter is the fraction by which each delay may vary either way
	jitter = 0.1
)

// Backoff computes reconnect delays: doubling from an initial delay up to a
// cap, with jitter. Delays never decrease until Reset.
type Backoff struct {
	mu      sync.Mutex
	initial time.Duration
	max     time.Duration
	base    time.Duration
	last    time.Duration
	rnd     *rand.Rand
}

// NewBackoff returns a backoff starting at initial and capped at max.
// Non-positive values take the defaults.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = DefaultInitialDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if max < initial {
		max = initial
	}
	return &Backoff{
		initial: initial,
		max:     max,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.base == 0 {
		b.base = b.initial
	} else if b.base < b.max {
		b.base *= 2
		if b.base > b.max {
			b.base = b.max
		}
	}
	spread := float64(b.base) * jitter
	d := b.base + time.Duration((b.rnd.Float64()*2-1)*spread)
	if d < b.last {
		d = b.last
	}
	b.last = d
	return d
}

// Reset starts over from the initial delay. Call it once a connection has
// registered.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.base = 0
	b.last = 0
	b.mu.Unlock()
}
