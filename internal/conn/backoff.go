package conn

import (
	"math/rand"
	"time"
)

// Backoff computes jittered exponential reconnect delays.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:   1 * time.Second,
		Cap:    60 * time.Second,
		Jitter: 0.2,
	}
}

// Next returns the delay before the given reconnect attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	cap := b.Cap
	if cap <= 0 {
		cap = 60 * time.Second
	}

	wait := base
	for i := 1; i < attempt; i++ {
		next := wait * 2
		if next > cap {
			wait = cap
			break
		}
		wait = next
	}

	if b.Jitter <= 0 {
		return wait
	}
	jitter := b.Jitter
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}
