package client

import (
	"math/rand"
	"time"
)

// Backoff produces exponentially growing reconnect delays with jitter:
// base, 2*base, 4*base ... capped at max, each skewed by ±jitter fraction.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	attempt int
	rng     *rand.Rand
}

func NewBackoff(base, max time.Duration, jitter float64) *Backoff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max < base {
		max = 30 * time.Second
	}
	if jitter < 0 || jitter >= 1 {
		jitter = 0.2
	}
	return &Backoff{
		Base:   base,
		Max:    max,
		Jitter: jitter,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay for the current attempt and advances the schedule.
func (b *Backoff) Next() time.Duration {
	d := b.Delay(b.attempt)
	b.attempt++
	return d
}

// Delay computes the jittered delay for a given attempt without advancing.
func (b *Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		skew := 1 + (b.rng.Float64()*2-1)*b.Jitter
		d = time.Duration(float64(d) * skew)
	}
	return d
}

// Reset rewinds the schedule after a successful subscribe.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt reports how many delays have been handed out since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}
