// Package poller schedules register reads over the serial and TCP
// transports and feeds decoded samples into the acquisition queue and
// the batch gate.
package poller

import (
	"sync"
	"time"

	"github.com/mlutra/fieldgate/helpers"
	"github.com/mlutra/fieldgate/internal/batch"
	"github.com/mlutra/fieldgate/internal/failure"
	"github.com/mlutra/fieldgate/internal/metric"
	"github.com/mlutra/fieldgate/internal/pool"
	"github.com/mlutra/fieldgate/internal/queue"
	"github.com/mlutra/fieldgate/internal/types"
	"github.com/mlutra/fieldgate/log2"
)

// BusHandle is one shared serial line. The bus poll loop is its only
// caller, so reads on one bus are strictly sequential.
type BusHandle interface {
	Prepare(line types.LineParams, peer uint8) error
	Read(reg *types.RegisterDescriptor) ([]uint16, error)
	Close() error
}

// TCPConn is the pooled connection surface a TCP poll pass needs.
type TCPConn interface {
	pool.Conn
	Prepare(unitID uint8)
	Read(reg *types.RegisterDescriptor) ([]uint16, error)
}

// IsTimeoutFunc classifies a read error as a timeout (dead wire) rather
// than a protocol failure.
type IsTimeoutFunc func(error) bool

type Config struct {
	Tick          time.Duration // idle sleep between scheduling passes
	MaxConcurrent int           // concurrent TCP polls, usually the pool capacity
}

const DefaultTick = 100 * time.Millisecond

type Poller struct {
	source    types.DeviceSource
	codec     types.RegisterCodec
	tracker   *failure.Tracker
	gate      *batch.Gate
	acq       *queue.Acquisition
	pool      *pool.Pool
	buses     map[string]BusHandle
	isTimeout IsTimeoutFunc
	mtr       *metric.Set
	log       *log2.Log
	cfg       Config

	mu       sync.Mutex
	devices  []*types.DeviceDescriptor
	lastPoll map[string]time.Time

	tcpSem chan struct{}
	now    func() time.Time
}

func New(cfg Config,
	source types.DeviceSource,
	codec types.RegisterCodec,
	tracker *failure.Tracker,
	gate *batch.Gate,
	acq *queue.Acquisition,
	connPool *pool.Pool,
	buses map[string]BusHandle,
	isTimeout IsTimeoutFunc,
	mtr *metric.Set,
	log *log2.Log,
) *Poller {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if isTimeout == nil {
		isTimeout = func(error) bool { return false }
	}
	if mtr == nil {
		mtr = metric.NewSet(nil)
	}
	p := &Poller{
		source:    source,
		codec:     codec,
		tracker:   tracker,
		gate:      gate,
		acq:       acq,
		pool:      connPool,
		buses:     buses,
		isTimeout: isTimeout,
		mtr:       mtr,
		log:       log,
		cfg:       cfg,
		lastPoll:  make(map[string]time.Time),
		tcpSem:    make(chan struct{}, cfg.MaxConcurrent),
		now:       time.Now,
	}
	return p
}

// Refresh re-pulls the full device list from the source. Readers never
// observe a half-updated list: the snapshot swaps under the mutex.
func (p *Poller) Refresh() error {
	ids := p.source.ListDevices()
	fresh := make([]*types.DeviceDescriptor, 0, len(ids))
	present := make(map[string]bool, len(ids))
	errs := make([]error, 0, 4)
	for _, id := range ids {
		d, err := p.source.ReadDevice(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err = d.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		fresh = append(fresh, d)
		present[id] = true
		p.tracker.Track(id)
	}

	p.mu.Lock()
	old := p.devices
	p.devices = fresh
	for id := range p.lastPoll {
		if !present[id] {
			delete(p.lastPoll, id)
		}
	}
	p.mu.Unlock()

	// removed devices: drop failure state, batch and queued samples so
	// orphaned samples are never published
	for _, d := range old {
		if !present[d.ID] {
			p.tracker.Forget(d.ID)
			p.gate.Forget(d.ID)
			n := p.acq.RemoveDevice(d.ID)
			p.log.Infof("poller device=%s removed, purged samples=%d", d.ID, n)
		}
	}
	p.log.Debugf("poller snapshot devices=%d", len(fresh))
	return helpers.FoldErrors(errs)
}

// Snapshot returns the current immutable device list.
func (p *Poller) Snapshot() []*types.DeviceDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.devices
}

// due implements IDLE -> POLLING: interval elapsed AND enabled AND not
// backing off.
func (p *Poller) due(d *types.DeviceDescriptor) bool {
	if !d.Enabled || !p.tracker.IsEnabled(d.ID) {
		return false
	}
	if p.tracker.InBackoff(d.ID) {
		return false
	}
	p.mu.Lock()
	last, ok := p.lastPoll[d.ID]
	p.mu.Unlock()
	if !ok {
		return true
	}
	return p.now().Sub(last) >= d.Interval
}

func (p *Poller) markPolled(deviceID string) {
	p.mu.Lock()
	p.lastPoll[deviceID] = p.now()
	p.mu.Unlock()
}

type passResult struct {
	success   int
	failure   int
	timeouts  int
	transport int // transport-level read failures, drives pool health
}

// pollPass reads every register of one device sequentially through
// read, decoding and queueing successes, counting everything into the
// batch gate.
func (p *Poller) pollPass(d *types.DeviceDescriptor, read func(*types.RegisterDescriptor) ([]uint16, error)) passResult {
	res := passResult{}
	p.gate.Open(d.ID, len(d.Registers))
	now := p.now()

	for i := range d.Registers {
		reg := &d.Registers[i]
		words, err := read(reg)
		if err != nil {
			res.failure++
			res.transport++
			if p.isTimeout(err) {
				res.timeouts++
			}
			p.gate.RecordAttempt(d.ID, false)
			p.log.Debugf("poll device=%s register=%s err=%v", d.ID, reg.ID, err)
			continue
		}
		value, err := p.decode(reg, words)
		if err != nil {
			// the single register is skipped, the rest of the device
			// continues
			res.failure++
			p.gate.RecordAttempt(d.ID, false)
			p.mtr.DecodeErrors.Inc()
			p.log.Errorf("poll device=%s register=%s decode err=%v", d.ID, reg.ID, err)
			continue
		}
		p.acq.Push(types.Sample{
			DeviceID:    d.ID,
			DeviceName:  d.Name,
			RegisterID:  reg.ID,
			Name:        reg.Name,
			Value:       reg.Calibrate(value),
			Unit:        reg.Unit,
			Description: reg.Description,
			At:          now,
			Position:    i,
		})
		res.success++
		p.gate.RecordAttempt(d.ID, true)
		p.mtr.SamplesTotal.Inc()
	}

	p.account(d, res)
	return res
}

// account applies per-pass failure tracking: partial success keeps the
// device healthy, a pass with zero successful registers counts as one
// device failure.
func (p *Poller) account(d *types.DeviceDescriptor, res passResult) {
	label := d.Transport.String()
	switch {
	case res.success > 0 && res.failure == 0:
		p.tracker.RecordSuccess(d.ID)
		p.mtr.PollsTotal.WithLabelValues(label, "ok").Inc()
	case res.success > 0:
		p.tracker.RecordSuccess(d.ID)
		p.mtr.PollsTotal.WithLabelValues(label, "partial").Inc()
	case res.timeouts > 0 && res.timeouts == res.transport && res.transport == res.failure:
		p.tracker.RecordTimeout(d.ID)
		p.mtr.PollsTotal.WithLabelValues(label, "timeout").Inc()
	default:
		p.tracker.RecordFailure(d.ID)
		p.mtr.PollsTotal.WithLabelValues(label, "fail").Inc()
	}
}

func (p *Poller) decode(reg *types.RegisterDescriptor, words []uint16) (float64, error) {
	if len(words) == 1 {
		return p.codec.DecodeSingle(words[0], reg.Type)
	}
	return p.codec.DecodeMulti(words, reg.Type, reg.Order)
}
