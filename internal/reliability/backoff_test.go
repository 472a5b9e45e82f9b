package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConstantDelay(t *testing.T) {
	t.Run("returns the same interval for every attempt", func(t *testing.T) {
		policy := NewConstantDelay(100 * time.Millisecond)

		for attempt := 0; attempt < 5; attempt++ {
			assert.Equal(t, 100*time.Millisecond, policy.NextDelay(attempt))
		}
	})
}

func TestExponentialBackoff(t *testing.T) {
	t.Run("doubles delay per attempt without jitter", func(t *testing.T) {
		policy := &ExponentialBackoff{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			Multiplier:      2.0,
		}

		assert.Equal(t, 100*time.Millisecond, policy.NextDelay(0))
		assert.Equal(t, 200*time.Millisecond, policy.NextDelay(1))
		assert.Equal(t, 400*time.Millisecond, policy.NextDelay(2))
	})

	t.Run("caps at max interval", func(t *testing.T) {
		policy := &ExponentialBackoff{
			InitialInterval: time.Second,
			MaxInterval:     5 * time.Second,
			Multiplier:      2.0,
		}

		assert.Equal(t, 5*time.Second, policy.NextDelay(10))
	})

	t.Run("jitter stays within 15 percent of base delay", func(t *testing.T) {
		policy := NewExponentialBackoff(time.Second, 30*time.Second, 2.0)

		for i := 0; i < 100; i++ {
			delay := policy.NextDelay(0)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
		}
	})

	t.Run("policy is a pure function of attempt and config", func(t *testing.T) {
		policy := &ExponentialBackoff{
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     time.Second,
			Multiplier:      3.0,
		}

		first := policy.NextDelay(2)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, policy.NextDelay(2))
		}
	})
}
