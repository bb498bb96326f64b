package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoffDoublesAndCaps(t *testing.T) {
	b := DefaultBackoff()
	b.Rand = func() float64 { return 0 }

	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for retries, want := range expected {
		got, ok := b.NextDelay(retries)
		assert.True(t, ok)
		assert.Equal(t, want, got, "retry %d", retries)
	}
}

func TestExponentialBackoffJitterIsBounded(t *testing.T) {
	b := DefaultBackoff()
	b.Rand = func() float64 { return 0.999 }

	for retries := 0; retries < 20; retries++ {
		b.Rand = func() float64 { return 0 }
		floor, _ := b.NextDelay(retries)
		b.Rand = func() float64 { return 0.999 }
		got, _ := b.NextDelay(retries)

		assert.GreaterOrEqual(t, got, floor)
		assert.LessOrEqual(t, got, floor+floor/10)
	}
}

func TestExponentialBackoffStopsAfterMaxRetries(t *testing.T) {
	b := ExponentialBackoff{Base: time.Millisecond, Max: time.Second, MaxRetries: 2}
	_, ok := b.NextDelay(1)
	assert.True(t, ok)
	_, ok = b.NextDelay(2)
	assert.False(t, ok)
}
