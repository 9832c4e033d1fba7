package poller

import (
	"time"

	"github.com/temoto/alive/v2"

	"github.com/mlutra/fieldgate/internal/types"
)

// RunRefresh watches the device source for change notifications and
// re-pulls the full list. Call with a held alive.Add(1).
func (p *Poller) RunRefresh(a *alive.Alive) {
	defer a.Done()
	if err := p.Refresh(); err != nil {
		p.log.Errorf("poller initial refresh err=%v", err)
	}
	stopch := a.StopChan()
	changes := p.source.Changes()
	for a.IsRunning() {
		select {
		case _, ok := <-changes:
			if !ok {
				return
			}
			if err := p.Refresh(); err != nil {
				p.log.Errorf("poller refresh err=%v", err)
			}
		case <-stopch:
			return
		}
	}
}

// RunSerial polls every serial device of one bus, strictly sequentially.
// One goroutine per bus; the bus handle has no other callers, which is
// the mutual exclusion the shared line needs. Call with a held
// alive.Add(1).
func (p *Poller) RunSerial(a *alive.Alive, busName string) {
	defer a.Done()
	bus, ok := p.buses[busName]
	if !ok {
		p.log.Errorf("poller unknown bus=%s", busName)
		return
	}
	defer bus.Close()

	stopch := a.StopChan()
	for a.IsRunning() {
		for _, d := range p.Snapshot() {
			if !a.IsRunning() {
				break
			}
			if d.Transport != types.TransportSerial || d.Bus != busName || !p.due(d) {
				continue
			}
			p.markPolled(d.ID)
			if err := bus.Prepare(d.Line, d.PeerAddr); err != nil {
				p.log.Errorf("poll device=%s bus=%s prepare err=%v", d.ID, busName, err)
				p.tracker.RecordFailure(d.ID)
				p.mtr.PollsTotal.WithLabelValues("serial", "fail").Inc()
				continue
			}
			p.pollPass(d, bus.Read)
		}
		select {
		case <-time.After(p.cfg.Tick):
		case <-stopch:
			return
		}
	}
}

// RunTCP schedules TCP devices; polls run concurrently bounded by the
// semaphore, each pass holding one pooled connection for all of its
// registers. Call with a held alive.Add(1).
func (p *Poller) RunTCP(a *alive.Alive) {
	defer a.Done()
	stopch := a.StopChan()
	for a.IsRunning() {
		for _, d := range p.Snapshot() {
			if !a.IsRunning() {
				break
			}
			if d.Transport != types.TransportTCP || !p.due(d) {
				continue
			}
			p.markPolled(d.ID)
			select {
			case p.tcpSem <- struct{}{}:
			case <-stopch:
				return
			}
			if !a.Add(1) {
				<-p.tcpSem
				return
			}
			go func(d *types.DeviceDescriptor) {
				defer a.Done()
				defer func() { <-p.tcpSem }()
				p.pollTCPDevice(d)
			}(d)
		}
		select {
		case <-time.After(p.cfg.Tick):
		case <-stopch:
			return
		}
	}
}

func (p *Poller) pollTCPDevice(d *types.DeviceDescriptor) {
	handle, err := p.pool.Acquire(d.PoolKey())
	if err != nil {
		p.log.Errorf("poll device=%s acquire err=%v", d.ID, err)
		if p.isTimeout(err) {
			p.tracker.RecordTimeout(d.ID)
		} else {
			p.tracker.RecordFailure(d.ID)
		}
		p.mtr.PollsTotal.WithLabelValues("tcp", "fail").Inc()
		return
	}
	conn, ok := handle.(TCPConn)
	if !ok {
		p.log.Errorf("poll device=%s pool returned %T", d.ID, handle)
		p.pool.Release(d.PoolKey(), handle, false)
		return
	}
	conn.Prepare(d.UnitID)
	res := p.pollPass(d, conn.Read)
	p.pool.Release(d.PoolKey(), handle, res.transport == 0)
}
