package queue

import (
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRate is one message per 500ms.
	DefaultRate = 2.0
	// DefaultBurst lets a short reply go out without pacing.
	DefaultBurst = 4
)

// Throttle is a token bucket refilled at a fixed rate.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle returns a bucket refilling perSecond tokens per second and
// holding up to burst tokens. Non-positive arguments take the defaults.
func NewThrottle(perSecond float64, burst int) *Throttle {
	if perSecond <= 0 {
		perSecond = DefaultRate
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Take spends a token if one is available at now and returns zero;
// otherwise it spends nothing and returns how long until one is.
func (t *Throttle) Take(now time.Time) time.Duration {
	r := t.limiter.ReserveN(now, 1)
	if !r.OK() {
		return time.Second
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
		return delay
	}
	return 0
}
