package relay

import (
	"math/rand"
	"time"
)

// Backoff produces exponentially growing reconnect delays with uniform
// jitter, so a fleet of machines does not hammer the relay in lockstep after
// an outage.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	Jitter  float64
	attempt int
}

func NewBackoff() *Backoff {
	return &Backoff{Base: time.Second, Max: 60 * time.Second, Jitter: 0.2}
}

// Next returns the delay for the current attempt and advances.
func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	b.attempt++
	if b.Jitter > 0 {
		// Uniform in [1-j, 1+j].
		f := 1 + b.Jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * f)
	}
	return d
}

func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempts reports how many delays have been handed out since the last reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}
