package state

import (
	"sync"

	"github.com/juju/errors"

	"github.com/mlutra/fieldgate/internal/types"
	"github.com/mlutra/fieldgate/log2"
)

// Source is the device snapshot handed to the poller. Apply swaps the
// whole snapshot atomically and signals Changes; readers never observe
// a half-updated list.
type Source struct {
	mu      sync.Mutex
	order   []string
	devices map[string]*types.DeviceDescriptor
	changes chan struct{}
	log     *log2.Log
}

func NewSource(log *log2.Log) *Source {
	return &Source{
		devices: make(map[string]*types.DeviceDescriptor),
		changes: make(chan struct{}, 1),
		log:     log,
	}
}

// Apply replaces the snapshot with the config's device list. On error
// the previous snapshot stays in effect.
func (s *Source) Apply(c *Config) error {
	list, err := c.DeviceList()
	if err != nil {
		return errors.Annotate(err, "device snapshot")
	}

	order := make([]string, 0, len(list))
	devices := make(map[string]*types.DeviceDescriptor, len(list))
	for i := range list {
		d := &list[i]
		order = append(order, d.ID)
		devices[d.ID] = d
	}

	s.mu.Lock()
	s.order = order
	s.devices = devices
	s.mu.Unlock()

	s.log.Infof("device snapshot applied devices=%d", len(order))
	s.notify()
	return nil
}

func (s *Source) ListDevices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

func (s *Source) ReadDevice(id string) (*types.DeviceDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[id]; ok {
		return d, nil
	}
	return nil, errors.NotFoundf("device=%s", id)
}

func (s *Source) Changes() <-chan struct{} { return s.changes }

func (s *Source) notify() {
	select {
	case s.changes <- struct{}{}:
	default: // a pending notification already covers this change
	}
}
