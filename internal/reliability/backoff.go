package reliability

import (
	"math"
	"math/rand"
	"time"
)

// DelayPolicy computes the wait before retry attempt n (zero-based).
// Implementations must be side-effect free.
type DelayPolicy interface {
	NextDelay(attempt int) time.Duration
}

// ConstantDelay waits the same interval between every attempt.
type ConstantDelay struct {
	Interval time.Duration
}

// NewConstantDelay creates a constant delay policy.
func NewConstantDelay(interval time.Duration) *ConstantDelay {
	return &ConstantDelay{Interval: interval}
}

// NextDelay implements DelayPolicy.
func (c *ConstantDelay) NextDelay(attempt int) time.Duration {
	return c.Interval
}

// ExponentialBackoff grows the delay by Multiplier per attempt, capped at
// MaxInterval, with optional ±15% jitter.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
}

// NewExponentialBackoff creates an exponential backoff policy with jitter.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Jitter:          true,
	}
}

// NextDelay implements DelayPolicy.
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))

	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}
