package realtime

import (
	"math/rand/v2"
	"time"
)

const (
	defaultBackoffBase   = 500 * time.Millisecond
	defaultBackoffMax    = 30 * time.Second
	defaultBackoffJitter = 0.1
)

// RetryPolicy decides how long to wait before the next reconnect attempt.
// previousRetries counts the attempts already made for the current outage.
// Returning false stops reconnecting and closes the connection.
type RetryPolicy interface {
	NextDelay(previousRetries int) (time.Duration, bool)
}

// ExponentialBackoff doubles Base per attempt up to Max and adds up to
// Jitter*delay of random jitter on top.
type ExponentialBackoff struct {
	Base       time.Duration
	Max        time.Duration
	Jitter     float64
	MaxRetries int // zero retries forever
	Rand       func() float64
}

// DefaultBackoff is 500ms doubling to 30s with 10% jitter, retrying forever.
func DefaultBackoff() ExponentialBackoff {
	return ExponentialBackoff{
		Base:   defaultBackoffBase,
		Max:    defaultBackoffMax,
		Jitter: defaultBackoffJitter,
	}
}

// NextDelay implements RetryPolicy.
func (b ExponentialBackoff) NextDelay(previousRetries int) (time.Duration, bool) {
	if b.MaxRetries > 0 && previousRetries >= b.MaxRetries {
		return 0, false
	}

	attempt := previousRetries + 1
	delay := b.Base
	for i := 0; i < attempt && delay < b.Max; i++ {
		delay *= 2
	}
	if delay > b.Max {
		delay = b.Max
	}

	random := b.Rand
	if random == nil {
		random = rand.Float64
	}
	jitter := time.Duration(float64(delay) * b.Jitter * random())
	return delay + jitter, true
}
