package orchestrator

import (
	"math/rand/v2"
	"time"
)

// Backoff is an exponential, jittered idle delay. It grows while the agent
// finds nothing to do and resets once work is done.
type Backoff struct {
	// Min is the first delay and the upper bound of Short.
	Min time.Duration
	// Max caps the delay.
	Max time.Duration
	// Multiplier grows the delay after each idle wait. Default: 2
	Multiplier float64

	cur    time.Duration
	jitter func() float64
}

// DefaultBackoff returns the default idle delays.
func DefaultBackoff() Backoff {
	return Backoff{Min: 2 * time.Second, Max: time.Minute, Multiplier: 2}
}

func (b *Backoff) applyDefaults() {
	d := DefaultBackoff()
	if b.Min <= 0 {
		b.Min = d.Min
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.jitter == nil {
		b.jitter = rand.Float64
	}
}

// Next returns the next idle delay, between half and all of the current
// step, and grows the step.
func (b *Backoff) Next() time.Duration {
	b.applyDefaults()
	if b.cur < b.Min {
		b.cur = b.Min
	}
	d := b.cur/2 + time.Duration(b.jitter()*float64(b.cur/2))

	next := time.Duration(float64(b.cur) * b.Multiplier)
	if next > b.Max {
		next = b.Max
	}
	b.cur = next
	return d
}

// Short returns a random delay in [0, Min) used after a lost claim, so
// racing agents spread out before trying the next task.
func (b *Backoff) Short() time.Duration {
	b.applyDefaults()
	return time.Duration(b.jitter() * float64(b.Min))
}

// Reset restarts the growth from Min.
func (b *Backoff) Reset() {
	b.cur = 0
}
