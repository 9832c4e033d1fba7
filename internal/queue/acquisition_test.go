package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mlutra/fieldgate/internal/types"
)

func sample(dev, reg string) types.Sample {
	return types.Sample{DeviceID: dev, RegisterID: reg}
}

func TestAcquisitionLiveView(t *testing.T) {
	t.Parallel()

	a := NewAcquisition(16, 4, nil)
	a.SelectLive("d2")

	a.Push(sample("d1", "r1"))
	a.Push(sample("d2", "r1"))
	a.Push(sample("d2", "r2"))

	assert.Equal(t, 3, a.Len())
	live := a.DrainLive(10)
	assert.Len(t, live, 2)
	for _, s := range live {
		assert.Equal(t, "d2", s.DeviceID)
	}
}

func TestAcquisitionLiveSelectionChangeClears(t *testing.T) {
	t.Parallel()

	a := NewAcquisition(16, 4, nil)
	a.SelectLive("d1")
	a.Push(sample("d1", "r1"))
	assert.Equal(t, 1, a.LiveLen())

	a.SelectLive("d2")
	assert.Zero(t, a.LiveLen(), "selection change clears the live view")

	a.SelectLive("")
	a.Push(sample("d2", "r1"))
	assert.Zero(t, a.LiveLen(), "empty selection disables the live view")
}

func TestAcquisitionRemoveDevice(t *testing.T) {
	t.Parallel()

	a := NewAcquisition(16, 4, nil)
	a.SelectLive("d1")
	a.Push(sample("d1", "r1"))
	a.Push(sample("d2", "r1"))
	a.Push(sample("d1", "r2"))

	removed := a.RemoveDevice("d1")
	assert.Equal(t, 4, removed, "two bulk + two live copies")
	assert.Equal(t, 1, a.Len())
	assert.Zero(t, a.LiveLen())
}

func TestAcquisitionDropCallback(t *testing.T) {
	t.Parallel()

	drops := map[string]int{}
	a := NewAcquisition(2, 2, func(q string) { drops[q]++ })
	for i := 0; i < 4; i++ {
		a.Push(sample("d1", "r"))
	}
	assert.Equal(t, 2, a.Len())
	assert.Equal(t, 2, drops["bulk"])
	assert.Zero(t, drops["live"])
}
