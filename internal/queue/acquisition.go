package queue

import (
	"sync"

	"github.com/mlutra/fieldgate/internal/types"
)

// Acquisition pairs the bulk sample queue consumed by the publisher with
// an independent live-view queue bound to one operator-selected device.
type Acquisition struct {
	bulk *Ring[types.Sample]
	live *Ring[types.Sample]

	mu         sync.Mutex
	liveDevice string
}

// NewAcquisition creates both queues. onDrop receives the queue label
// ("bulk" or "live") for every evicted sample; nil is fine.
func NewAcquisition(bulkCap, liveCap int, onDrop func(queue string)) *Acquisition {
	dropFn := func(label string) func(types.Sample) {
		if onDrop == nil {
			return nil
		}
		return func(types.Sample) { onDrop(label) }
	}
	return &Acquisition{
		bulk: NewRingDrop[types.Sample](bulkCap, dropFn("bulk")),
		live: NewRingDrop[types.Sample](liveCap, dropFn("live")),
	}
}

// Push stores a sample in the bulk queue and mirrors it into the live
// view when the sample's device is the selected one.
func (a *Acquisition) Push(s types.Sample) {
	a.bulk.Enqueue(s)
	a.mu.Lock()
	selected := a.liveDevice
	a.mu.Unlock()
	if selected != "" && selected == s.DeviceID {
		a.live.Enqueue(s)
	}
}

// SelectLive switches the observed device. Any change clears the live
// queue so stale samples of the previous device never show up.
// Empty id turns the live view off.
func (a *Acquisition) SelectLive(deviceID string) {
	a.mu.Lock()
	changed := a.liveDevice != deviceID
	a.liveDevice = deviceID
	a.mu.Unlock()
	if changed {
		a.live.Clear()
	}
}

func (a *Acquisition) LiveDevice() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.liveDevice
}

// DrainLive removes up to max samples from the live view.
func (a *Acquisition) DrainLive(max int) []types.Sample {
	return a.live.DequeueUpTo(max)
}

// DequeueWhere removes up to max bulk samples matching pred.
func (a *Acquisition) DequeueWhere(pred func(types.Sample) bool, max int) []types.Sample {
	return a.bulk.DequeueWhere(pred, max)
}

// RemoveDevice drops every queued sample of one device from both queues.
// Used on device deletion so orphaned samples are never published.
func (a *Acquisition) RemoveDevice(deviceID string) int {
	match := func(s types.Sample) bool { return s.DeviceID == deviceID }
	n := len(a.bulk.DequeueWhere(match, 0))
	n += len(a.live.DequeueWhere(match, 0))
	return n
}

func (a *Acquisition) Len() int     { return a.bulk.Len() }
func (a *Acquisition) LiveLen() int { return a.live.Len() }
