// Package batch synchronizes the poller and the publisher over one
// polling pass: the publisher must not emit a device row while that
// device's register reads are still in flight.
package batch

import (
	"sync"
	"time"
)

// State tracks expected-vs-attempted register counts for one device's
// poll pass. At most one live State per device.
type State struct {
	Expected  int
	Attempted int
	Success   int
	Failure   int
	Complete  bool
	StartedAt time.Time
}

type Gate struct {
	mu      sync.Mutex
	batches map[string]*State
	now     func() time.Time
}

func NewGate() *Gate {
	return &Gate{
		batches: make(map[string]*State),
		now:     time.Now,
	}
}

// Open starts a new pass for the device. A leftover incomplete batch is
// replaced: the new pass supersedes it.
func (g *Gate) Open(deviceID string, expected int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.batches[deviceID] = &State{Expected: expected, StartedAt: g.now()}
}

// RecordAttempt counts one register read. Attempts past Expected are
// ignored, keeping attempted <= expected. The batch flips to Complete
// the instant attempted == expected and is never reopened within a pass.
func (g *Gate) RecordAttempt(deviceID string, success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.batches[deviceID]
	if !ok || s.Attempted >= s.Expected {
		return
	}
	s.Attempted++
	if success {
		s.Success++
	} else {
		s.Failure++
	}
	if s.Attempted == s.Expected {
		s.Complete = true
	}
}

// HasAnyComplete is the coarse global readiness signal.
func (g *Gate) HasAnyComplete() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.batches {
		if s.Complete {
			return true
		}
	}
	return false
}

// HasAnyOpen reports whether any device's pass is still in flight.
func (g *Gate) HasAnyOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.batches {
		if !s.Complete {
			return true
		}
	}
	return false
}

// IsComplete gates the per-device dequeue decision.
func (g *Gate) IsComplete(deviceID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.batches[deviceID]
	return ok && s.Complete
}

// Close clears the batch after delivery. Idempotent; an incomplete
// batch stays open so the device's samples wait for the pass to finish.
func (g *Gate) Close(deviceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.batches[deviceID]; ok && s.Complete {
		delete(g.batches, deviceID)
	}
}

// Forget drops the batch unconditionally, for device deletion.
func (g *Gate) Forget(deviceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.batches, deviceID)
}

// Snapshot returns a copy of the device's batch state.
func (g *Gate) Snapshot(deviceID string) (State, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.batches[deviceID]; ok {
		return *s, true
	}
	return State{}, false
}
