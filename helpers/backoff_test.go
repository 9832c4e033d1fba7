package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffBaseSequence(t *testing.T) {
	t.Parallel()

	b := &Backoff{Min: 100 * time.Millisecond, Max: 1600 * time.Millisecond}
	expect := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		1600 * time.Millisecond, // capped
	}
	for i, want := range expect {
		assert.Equal(t, want, b.DelayBase(i+1), "attempt=%d", i+1)
	}
	assert.Zero(t, b.DelayBase(0))
	assert.Zero(t, b.DelayBase(-3))
}

func TestBackoffJitterBounds(t *testing.T) {
	t.Parallel()

	b := &Backoff{Min: 100 * time.Millisecond, Max: 1600 * time.Millisecond}
	b.SeedRand(1)
	for attempt := 1; attempt <= 6; attempt++ {
		base := b.DelayBase(attempt)
		for i := 0; i < 100; i++ {
			d := b.Delay(attempt)
			require.GreaterOrEqual(t, d, base)
			require.Less(t, d, base+base/2)
		}
	}
}

func TestBackoffSinceLast(t *testing.T) {
	t.Parallel()

	b := &Backoff{Min: time.Millisecond, Max: time.Second}
	assert.True(t, b.SinceLast() > 24*time.Hour)
	b.MarkNow()
	assert.True(t, b.SinceLast() < time.Second)
}
