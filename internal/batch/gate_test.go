package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateLifecycle(t *testing.T) {
	t.Parallel()

	g := NewGate()
	assert.False(t, g.HasAnyOpen())
	assert.False(t, g.HasAnyComplete())

	g.Open("d1", 3)
	assert.True(t, g.HasAnyOpen())
	assert.False(t, g.IsComplete("d1"))

	g.RecordAttempt("d1", true)
	g.RecordAttempt("d1", false)
	assert.False(t, g.IsComplete("d1"))

	g.RecordAttempt("d1", true)
	assert.True(t, g.IsComplete("d1"))
	assert.True(t, g.HasAnyComplete())
	assert.False(t, g.HasAnyOpen())

	s, ok := g.Snapshot("d1")
	require.True(t, ok)
	assert.Equal(t, 3, s.Attempted)
	assert.Equal(t, 2, s.Success)
	assert.Equal(t, 1, s.Failure)
	assert.Equal(t, s.Attempted, s.Success+s.Failure)

	g.Close("d1")
	_, ok = g.Snapshot("d1")
	assert.False(t, ok)
	g.Close("d1") // idempotent
}

func TestGateAttemptNeverExceedsExpected(t *testing.T) {
	t.Parallel()

	g := NewGate()
	g.Open("d1", 2)
	for i := 0; i < 5; i++ {
		g.RecordAttempt("d1", true)
	}
	s, _ := g.Snapshot("d1")
	assert.Equal(t, 2, s.Attempted)
	assert.LessOrEqual(t, s.Attempted, s.Expected)
	assert.True(t, s.Complete)
}

func TestGateCloseIncompleteKeepsBatch(t *testing.T) {
	t.Parallel()

	g := NewGate()
	g.Open("d1", 2)
	g.RecordAttempt("d1", true)
	g.Close("d1")
	_, ok := g.Snapshot("d1")
	assert.True(t, ok, "incomplete batch survives Close")
	assert.True(t, g.HasAnyOpen())
}

func TestGateGlobalVsPerDevice(t *testing.T) {
	t.Parallel()

	g := NewGate()
	g.Open("d1", 1)
	g.Open("d2", 2)
	g.RecordAttempt("d1", true)
	g.RecordAttempt("d2", true)

	assert.True(t, g.HasAnyComplete(), "d1 done")
	assert.True(t, g.HasAnyOpen(), "d2 in flight")
	assert.True(t, g.IsComplete("d1"))
	assert.False(t, g.IsComplete("d2"))
}

func TestGateReopenReplacesPass(t *testing.T) {
	t.Parallel()

	g := NewGate()
	g.Open("d1", 2)
	g.RecordAttempt("d1", false)
	g.Open("d1", 3)
	s, _ := g.Snapshot("d1")
	assert.Equal(t, 3, s.Expected)
	assert.Zero(t, s.Attempted)
}

func TestGateForget(t *testing.T) {
	t.Parallel()

	g := NewGate()
	g.Open("d1", 2)
	g.Forget("d1")
	assert.False(t, g.HasAnyOpen())
}
